package layout

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfu/dtar/internal/codec"
	"github.com/mfu/dtar/internal/collective"
)

func fileSource(name string, size int64) codec.EntrySource {
	return codec.EntrySource{RelPath: name, Type: codec.TypeFile, Size: size, Mode: 0o644}
}

// planAcrossRanks partitions entries across ranks ranks the same way
// create.go does (first total%ranks ranks get one extra) and runs Plan
// concurrently, returning every rank's Result plus the partition used.
func planAcrossRanks(t *testing.T, entries []codec.EntrySource, ranks int) ([]Result, [][]codec.EntrySource) {
	t.Helper()
	total := len(entries)
	base, rem := total/ranks, total%ranks
	partitions := make([][]codec.EntrySource, ranks)
	start := 0
	for r := 0; r < ranks; r++ {
		n := base
		if r < rem {
			n++
		}
		partitions[r] = entries[start : start+n]
		start += n
	}

	results := make([]Result, ranks)
	err := collective.Run(context.Background(), ranks, func(ctx context.Context, g collective.Group) error {
		res, err := Plan(ctx, g, partitions[g.Rank()])
		if err != nil {
			return err
		}
		results[g.Rank()] = res
		return nil
	})
	require.NoError(t, err)
	return results, partitions
}

func TestPlanSingleRankOffsetsAreSequential(t *testing.T) {
	t.Parallel()

	entries := []codec.EntrySource{
		fileSource("a", 0),
		fileSource("b", 10),
		fileSource("c", 513),
	}
	results, _ := planAcrossRanks(t, entries, 1)
	res := results[0]

	require.Len(t, res.Records, 3)
	var prevEnd uint64
	for i, r := range res.Records {
		assert.Equal(t, prevEnd, r.GlobalOffset, "record %d offset", i)
		assert.Equal(t, r.HeaderSize+r.ContentPadded, r.EntrySize)
		prevEnd = r.GlobalOffset + r.EntrySize
	}
	assert.Equal(t, prevEnd, res.ArchiveSize)
}

func TestPlanZeroByteFileHasNoPadding(t *testing.T) {
	t.Parallel()

	entries := []codec.EntrySource{fileSource("empty", 0)}
	results, _ := planAcrossRanks(t, entries, 1)
	rec := results[0].Records[0]
	assert.Equal(t, uint64(0), rec.ContentPadded)
	assert.Equal(t, rec.HeaderSize, rec.EntrySize)
}

func TestPlanContentPaddedIsBlockAligned(t *testing.T) {
	t.Parallel()

	entries := []codec.EntrySource{fileSource("f", 513)}
	results, _ := planAcrossRanks(t, entries, 1)
	rec := results[0].Records[0]
	assert.Equal(t, uint64(1024), rec.ContentPadded)
}

// TestPlanGlobalOffsetsAreDeterministicAcrossRankCounts verifies the
// group's concatenated, rank-ordered record layout is identical no
// matter how many ranks cooperate, matching the archive's
// byte-identical-across-R property.
func TestPlanGlobalOffsetsAreDeterministicAcrossRankCounts(t *testing.T) {
	t.Parallel()

	var entries []codec.EntrySource
	for i := 0; i < 12; i++ {
		entries = append(entries, fileSource(string(rune('a'+i)), int64(i*37)))
	}

	single, _ := planAcrossRanks(t, entries, 1)
	wantSize := single[0].ArchiveSize
	var wantOffsets []uint64
	for _, r := range single[0].Records {
		wantOffsets = append(wantOffsets, r.GlobalOffset)
	}

	for _, ranks := range []int{1, 4, 8} {
		results, partitions := planAcrossRanks(t, entries, ranks)

		var gotOffsets []uint64
		var archiveSize uint64
		for r, res := range results {
			archiveSize = res.ArchiveSize
			for i := range partitions[r] {
				gotOffsets = append(gotOffsets, res.Records[i].GlobalOffset)
			}
		}
		sort.Slice(gotOffsets, func(i, j int) bool { return gotOffsets[i] < gotOffsets[j] })

		assert.Equal(t, wantSize, archiveSize, "ranks=%d", ranks)
		assert.Equal(t, wantOffsets, gotOffsets, "ranks=%d", ranks)
	}
}

func TestPlanSurplusRanksGetEmptyPartitions(t *testing.T) {
	t.Parallel()

	entries := []codec.EntrySource{fileSource("solo", 100)}
	results, partitions := planAcrossRanks(t, entries, 4)
	for r, res := range results {
		if len(partitions[r]) == 0 {
			assert.Empty(t, res.Records)
		}
	}
	// every rank still computed the same group-wide archive size
	for _, res := range results[1:] {
		assert.Equal(t, results[0].ArchiveSize, res.ArchiveSize)
	}
}

func TestPlanEncodeFailureIsGroupWide(t *testing.T) {
	t.Parallel()

	longLink := make([]byte, 2000)
	badEntry := codec.EntrySource{RelPath: "link", Type: codec.TypeSymlink, LinkTarget: string(longLink)}
	goodEntry := fileSource("fine", 10)

	// Only rank 0's entry fails to encode; rank 1's is perfectly valid.
	// Plan must still fail on every rank, since the all-reduce-and over
	// the per-rank encode outcome is what turns a local failure into a
	// uniform group failure (spec §4.1's "Failure" paragraph).
	planErrs := make([]error, 2)
	err := collective.Run(context.Background(), 2, func(ctx context.Context, g collective.Group) error {
		var local []codec.EntrySource
		if g.Rank() == 0 {
			local = []codec.EntrySource{badEntry}
		} else {
			local = []codec.EntrySource{goodEntry}
		}
		_, planErr := Plan(ctx, g, local)
		planErrs[g.Rank()] = planErr
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, planErrs[0], ErrEncodeFailed)
	assert.ErrorIs(t, planErrs[1], ErrEncodeFailed)
}
