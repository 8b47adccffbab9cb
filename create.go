package dtar

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mfu/dtar/internal/codec"
	"github.com/mfu/dtar/internal/collective"
	"github.com/mfu/dtar/internal/engine"
	"github.com/mfu/dtar/internal/index"
	"github.com/mfu/dtar/internal/layout"
	"github.com/mfu/dtar/internal/progress"
	"github.com/mfu/dtar/internal/writer"
)

// Create builds a pax/ustar archive at opts' dest path from entries,
// simulating the R-rank cooperative process group spec §2 describes as
// R goroutines coordinated by internal/collective (see SPEC_FULL.md §0).
// Control flow follows spec §2 exactly: layout, preallocate, write
// headers, write data, write trailer, write index.
func Create(ctx context.Context, entries []Entry, opts ...Option) error {
	o := newOptions(opts)
	if o.destPath == "" {
		return fmt.Errorf("dtar: create: %w", ErrUnwritableDest)
	}
	if len(entries) == 0 {
		return createEmpty(o.destPath)
	}

	sorted := filterUnsupported(entries, o.logger)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelPath < sorted[j].RelPath })

	if len(sorted) == 0 {
		return createEmpty(o.destPath)
	}

	total := len(sorted)
	R := o.ranks
	if R < 1 {
		R = 1
	}
	// R may exceed total; partitionRange gives the surplus ranks zero
	// entries each, and they still participate in every collective
	// (spec §8's "large rank counts greater than entry count" case).

	archivePath := o.destPath

	// The dynamic engine's work queue is a single channel shared by
	// every rank goroutine (spec §4.3's distributed queue, realized
	// here as genuine shared memory since ranks are goroutines in one
	// process); sync.Once lets whichever rank computes the total chunk
	// count first construct it, with the standard library's Once
	// happens-before guarantee making the result visible to every rank.
	var queueOnce sync.Once
	var sharedQueue *engine.ChannelQueue
	getQueue := func(capacity int) *engine.ChannelQueue {
		queueOnce.Do(func() { sharedQueue = engine.NewChannelQueue(capacity) })
		return sharedQueue
	}

	// Every rank's progress counters live in one shared slice rather than
	// behind a second collective operation: ranks are goroutines in one
	// address space, and a concurrent Gather on the same Group the data
	// phase is simultaneously calling Barrier/AllGather/AllReduceSum on
	// would desynchronize its generation counter. Only rank 0 reduces.
	allCounters := make([]progressCounters, R)

	return collective.Run(ctx, R, func(ctx context.Context, g collective.Group) error {
		rank := g.Rank()
		start, count := partitionRange(total, R, rank)
		local := sorted[start : start+count]

		localSrcs := make([]codec.EntrySource, len(local))
		for i, e := range local {
			localSrcs[i] = entryToSource(e)
		}

		plan, err := layout.Plan(ctx, g, localSrcs)
		if err != nil {
			return fmt.Errorf("dtar: create: layout: %w", err)
		}

		if rank == 0 {
			if err := prepareArchiveFile(archivePath, plan.ArchiveSize); err != nil {
				return fmt.Errorf("dtar: create: %w", err)
			}
		}
		if err := g.Barrier(ctx); err != nil {
			return err
		}

		f, err := writer.Open(archivePath)
		if err != nil {
			return fmt.Errorf("dtar: create: reopen archive: %w", err)
		}
		defer f.Close()

		headerFailed := writeLocalHeaders(f, local, localSrcs, plan, o.logger)
		if ok, err := g.AllReduceAnd(ctx, !headerFailed); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("dtar: create: %w", ErrAborted)
		}
		if err := g.Barrier(ctx); err != nil {
			return err
		}

		counters := &allCounters[rank]
		var progCtx context.Context
		var stopProgress context.CancelFunc
		var progressDone chan struct{}
		if o.progressInterval > 0 && rank == 0 {
			progCtx, stopProgress = context.WithCancel(ctx)
			reducer := progress.NewReducer(o.progressInterval, plan.DataTotal, uint64(total), func(e progress.Event) {
				fmt.Fprintln(o.progressWriter, progress.Format(e))
			})
			progressDone = make(chan struct{})
			go func() {
				reducer.Run(progCtx, func() progress.Counters { return snapshotAll(allCounters) })
				close(progressDone)
			}()
		}

		copyErr := runCreateDataPhase(ctx, g, f, sorted, local, localSrcs, plan, rank, R, o, getQueue, counters)

		// AllReduceAnd is itself a rendezvous: it only returns once every
		// rank's data-copy phase has finished, so stopping the reducer
		// after it (rather than right after this rank's own copy) keeps
		// progress reporting live for the full duration other ranks may
		// still be copying.
		ok, reduceErr := g.AllReduceAnd(ctx, copyErr == nil)
		if stopProgress != nil {
			stopProgress()
			<-progressDone
		}
		if reduceErr != nil {
			return reduceErr
		} else if !ok {
			if copyErr != nil {
				return fmt.Errorf("dtar: create: data copy: %w", copyErr)
			}
			return fmt.Errorf("dtar: create: data copy failed on another rank")
		}
		if err := g.Barrier(ctx); err != nil {
			return err
		}

		if rank == 0 {
			if err := writer.WriteTrailer(f, plan.ArchiveSize); err != nil {
				return fmt.Errorf("dtar: create: write trailer: %w", err)
			}
		}
		if err := g.Barrier(ctx); err != nil {
			return err
		}

		return writeIndexFromPlan(ctx, g, rank, archivePath, plan)
	})
}

func createEmpty(archivePath string) error {
	if err := prepareArchiveFile(archivePath, 0); err != nil {
		return fmt.Errorf("dtar: create: %w", err)
	}
	f, err := writer.Open(archivePath)
	if err != nil {
		return fmt.Errorf("dtar: create: reopen archive: %w", err)
	}
	defer f.Close()
	if err := writer.WriteTrailer(f, 0); err != nil {
		return fmt.Errorf("dtar: create: write trailer: %w", err)
	}
	return index.Write(archivePath+".idx", nil)
}

func prepareArchiveFile(path string, archiveSize uint64) error {
	f, err := writer.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	err = writer.Prepare(f, archiveSize)
	cerr := f.Close()
	if err != nil {
		return fmt.Errorf("prepare archive: %w", err)
	}
	if cerr != nil {
		return fmt.Errorf("close archive: %w", cerr)
	}
	return nil
}

// partitionRange splits total items across ranks the same way spec
// §4.7 partitions extraction entries: the first total mod ranks ranks
// get one extra item.
func partitionRange(total, ranks, rank int) (start, count int) {
	if ranks <= 0 {
		return 0, 0
	}
	base := total / ranks
	rem := total % ranks
	if rank < rem {
		return rank * (base + 1), base + 1
	}
	return rem*(base+1) + (rank-rem)*base, base
}

func writeLocalHeaders(f *os.File, local []Entry, localSrcs []codec.EntrySource, plan layout.Result, logger interface {
	Error(msg string, args ...any)
}) bool {
	var scratch bytes.Buffer
	failed := false
	for i, e := range local {
		if _, err := writer.WriteHeader(f, &scratch, localSrcs[i], plan.Records[i].GlobalOffset); err != nil {
			logger.Error("header write failed", "path", e.RelPath, "error", err)
			failed = true
		}
	}
	return failed
}

// runCreateDataPhase copies file content for local entries with the
// configured engine. The static engine (spec §4.4, the default) needs
// every rank's (global_offset, header_size) for every file entry to
// build its deterministic, round-robined global chunk list; that data
// is gathered via AllGather rather than assumed shared, so the
// computation mirrors the spec's cross-process model even though ranks
// here are goroutines in one address space.
func runCreateDataPhase(ctx context.Context, g collective.Group, f *os.File, sorted, local []Entry, localSrcs []codec.EntrySource, plan layout.Result, rank, ranks int, o Options, getQueue func(int) *engine.ChannelQueue, counters *progressCounters) error {
	switch o.engine {
	case EngineDynamic:
		return runDynamicCreate(ctx, g, f, local, localSrcs, plan, o, getQueue, counters)
	default:
		return runStaticCreate(ctx, g, f, sorted, local, plan, rank, ranks, o, counters)
	}
}

// progressCounters is the atomic local-progress state a create/extract
// data phase updates after each chunk and the progress reducer samples
// on its own timer goroutine (spec §4.8).
type progressCounters struct {
	bytesDone atomic.Uint64
	itemsDone atomic.Uint64
}

// snapshotAll sums every rank's counters. Only rank 0's reducer
// goroutine calls this, but the Add calls in the data-copy loops below
// happen concurrently from every rank's own goroutine, hence atomics.
func snapshotAll(all []progressCounters) progress.Counters {
	var c progress.Counters
	for i := range all {
		c.BytesDone += all[i].bytesDone.Load()
		c.ItemsDone += all[i].itemsDone.Load()
	}
	return c
}

// runDynamicCreate shares one queue across every rank goroutine: each
// rank enqueues its own local chunks (capacity sized so Enqueue never
// blocks), a barrier confirms every rank finished enqueuing, rank 0
// closes the queue, and every rank drains the shared queue through
// engine.RunDynamic with a single worker — ranks are already the unit
// of parallelism here, so work "stealing" falls directly out of
// concurrent channel consumption once ranks share an address space.
func runDynamicCreate(ctx context.Context, g collective.Group, f *os.File, local []Entry, localSrcs []codec.EntrySource, plan layout.Result, o Options, getQueue func(int) *engine.ChannelQueue, counters *progressCounters) error {
	var localChunks []engine.Chunk
	for i, e := range local {
		if localSrcs[i].Type != codec.TypeFile {
			continue
		}
		dataOffset := int64(plan.Records[i].GlobalOffset) + int64(plan.Records[i].HeaderSize)
		localChunks = append(localChunks, engine.BuildFileChunks(e.Path, e.Size, dataOffset, o.chunkSize, g.Rank(), i)...)
	}

	localCount := uint64(len(localChunks))
	totalCount, err := g.AllReduceSum(ctx, localCount)
	if err != nil {
		return err
	}

	capacity := int(totalCount)
	if capacity < 1 {
		capacity = 1
	}
	q := getQueue(capacity)

	for _, c := range localChunks {
		q.Enqueue(c)
	}
	if err := g.Barrier(ctx); err != nil {
		return err
	}
	if g.Rank() == 0 {
		q.Close()
	}

	// itemsDone here tracks chunks completed, not distinct file entries,
	// since the shared work queue interleaves entries' chunks across
	// ranks.
	return engine.RunDynamic(ctx, f, q, 1, o.bufSize, counters.bytesDone.Add, counters.itemsDone.Add)
}

// runStaticCreate implements spec §4.4: gather every rank's (header
// size, global offset) for each owned entry, reconstruct the full
// global file list's data offsets, build the deterministic global
// chunk list, and copy only the chunks round-robined to this rank.
func runStaticCreate(ctx context.Context, g collective.Group, f *os.File, sorted, local []Entry, plan layout.Result, rank, ranks int, o Options, counters *progressCounters) error {
	payload := make([]byte, 16*len(local))
	for i := range local {
		binary.BigEndian.PutUint64(payload[i*16:], plan.Records[i].GlobalOffset)
		binary.BigEndian.PutUint64(payload[i*16+8:], plan.Records[i].HeaderSize)
	}
	gathered, err := g.AllGather(ctx, payload)
	if err != nil {
		return err
	}

	dataOffsets := make([]int64, len(sorted))
	idx := 0
	for r := 0; r < len(gathered); r++ {
		raw := gathered[r]
		n := len(raw) / 16
		for i := 0; i < n; i++ {
			globalOffset := binary.BigEndian.Uint64(raw[i*16:])
			headerSize := binary.BigEndian.Uint64(raw[i*16+8:])
			dataOffsets[idx] = int64(globalOffset) + int64(headerSize)
			idx++
		}
	}

	var allChunks []engine.Chunk
	for i, e := range sorted {
		if e.Type != TypeFile {
			continue
		}
		owner := ownerRank(i, len(sorted), ranks)
		allChunks = append(allChunks, engine.BuildFileChunks(e.Path, e.Size, dataOffsets[i], o.chunkSize, owner, i)...)
	}

	var mine []engine.Chunk
	for ci, c := range allChunks {
		if ci%ranks == rank {
			mine = append(mine, c)
		}
	}

	return engine.RunStatic(ctx, f, mine, 1, o.bufSize, counters.bytesDone.Add, counters.itemsDone.Add)
}

// ownerRank returns which rank owns global entry index i under the same
// partitioning partitionRange uses, without repeating its search per
// entry.
func ownerRank(i, total, ranks int) int {
	base := total / ranks
	rem := total % ranks
	boundary := rem * (base + 1)
	if i < boundary {
		return i / (base + 1)
	}
	return rem + (i-boundary)/base
}

func writeIndexFromPlan(ctx context.Context, g collective.Group, rank int, archivePath string, plan layout.Result) error {
	payload := make([]byte, 8*len(plan.Records))
	for i, r := range plan.Records {
		binary.BigEndian.PutUint64(payload[i*8:], r.GlobalOffset)
	}
	gathered, err := g.Gather(ctx, 0, payload)
	if err != nil {
		return err
	}
	if rank != 0 {
		return nil
	}

	var offsets []uint64
	for _, raw := range gathered {
		n := len(raw) / 8
		for i := 0; i < n; i++ {
			offsets = append(offsets, binary.BigEndian.Uint64(raw[i*8:]))
		}
	}
	if err := index.Write(archivePath+".idx", offsets); err != nil {
		return fmt.Errorf("dtar: create: write index: %w", err)
	}
	return nil
}

// filterUnsupported drops TypeOther entries (devices, fifos, sockets,
// ...) from the input list, logging ErrUnsupportedType as a warning per
// entry instead of letting them reach layout.Plan/codec.EncodeHeader,
// where an unsupported type would be indistinguishable from a genuine
// format error and abort the whole archive (spec §3, §7). This mirrors
// extract.go's switch over codec.Type, which already drops TypeOther
// silently on the read side.
func filterUnsupported(entries []Entry, logger *slog.Logger) []Entry {
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Type == TypeOther {
			logger.Warn("skipping unsupported entry type", "path", e.RelPath, "error", ErrUnsupportedType)
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func entryToSource(e Entry) codec.EntrySource {
	return codec.EntrySource{
		RelPath:    e.RelPath,
		Type:       uint8(e.Type),
		Size:       e.Size,
		Mode:       e.Mode,
		UID:        e.UID,
		GID:        e.GID,
		Uname:      e.Uname,
		Gname:      e.Gname,
		Mtime:      e.Mtime,
		Atime:      e.Atime,
		Ctime:      e.Ctime,
		LinkTarget: e.LinkTarget,
	}
}
