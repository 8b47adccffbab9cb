// Package layout computes the per-entry offset layout spec §4.1
// describes: header size, padded content size, and local/global offset,
// the last via a collective prefix scan across ranks.
package layout

import (
	"bytes"
	"context"
	"errors"

	"github.com/mfu/dtar/internal/codec"
	"github.com/mfu/dtar/internal/collective"
)

// blockSize is the pax/ustar block size content is padded to.
const blockSize = 512

// ErrEncodeFailed is returned by Plan when any rank failed to encode at
// least one entry's header; spec §4.1's "Failure" paragraph requires
// this to become a uniform, group-wide failure via all-reduce.
var ErrEncodeFailed = errors.New("layout: header encoding failed on at least one rank")

// Record is the per-entry result of the layout computation.
type Record struct {
	HeaderSize    uint64
	ContentPadded uint64
	EntrySize     uint64
	LocalOffset   uint64
	GlobalOffset  uint64
}

// Result is the group-wide outcome of Plan.
type Result struct {
	Records []Record
	// ArchiveSize is the sum of every rank's local total, i.e. the size
	// of the archive before the 1024-byte trailer (spec §3).
	ArchiveSize uint64
	// DataTotal is the sum of every file entry's padded content size
	// across all ranks — the progress denominator (spec §4.1 step 4).
	DataTotal uint64
}

// Plan computes header sizes and local offsets for entries, then
// performs the collective prefix scan and sum spec §4.1 requires to
// turn local offsets into global ones.
func Plan(ctx context.Context, g collective.Group, entries []codec.EntrySource) (Result, error) {
	records := make([]Record, len(entries))
	var buf bytes.Buffer
	var localOffset, localTotal, dataTotal uint64
	failed := false

	for i, e := range entries {
		n, err := codec.EncodeHeader(&buf, e)
		if err != nil {
			failed = true
			continue
		}
		headerSize := uint64(n)

		var contentPadded uint64
		if e.Type == codec.TypeFile {
			contentPadded = padTo512(uint64(e.Size))
			dataTotal += contentPadded
		}

		entrySize := headerSize + contentPadded
		records[i] = Record{
			HeaderSize:    headerSize,
			ContentPadded: contentPadded,
			EntrySize:     entrySize,
			LocalOffset:   localOffset,
		}
		localOffset += entrySize
		localTotal += entrySize
	}

	ok, err := g.AllReduceAnd(ctx, !failed)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrEncodeFailed
	}

	base, err := g.ExclusiveScanSum(ctx, localTotal)
	if err != nil {
		return Result{}, err
	}
	for i := range records {
		records[i].GlobalOffset = base + records[i].LocalOffset
	}

	archiveSize, err := g.AllReduceSum(ctx, localTotal)
	if err != nil {
		return Result{}, err
	}
	globalDataTotal, err := g.AllReduceSum(ctx, dataTotal)
	if err != nil {
		return Result{}, err
	}

	return Result{Records: records, ArchiveSize: archiveSize, DataTotal: globalDataTotal}, nil
}

func padTo512(size uint64) uint64 {
	rem := size % blockSize
	if rem == 0 {
		return size
	}
	return size + (blockSize - rem)
}
