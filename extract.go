package dtar

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/mfu/dtar/internal/codec"
	"github.com/mfu/dtar/internal/collective"
	"github.com/mfu/dtar/internal/extract"
	"github.com/mfu/dtar/internal/index"
	"github.com/mfu/dtar/internal/progress"
	"github.com/mfu/dtar/internal/scanner"
)

// Extract reads the pax/ustar archive at archivePath and recreates its
// entries under opts' dest path, simulating the R-rank group spec §2
// describes. Control flow follows spec §2: try-read-index, else scan,
// assign entries, build file list, mkdir phase, mknod phase, data
// phase, symlink phase, metadata phase.
func Extract(ctx context.Context, archivePath string, opts ...Option) error {
	o := newOptions(opts)
	destRoot := o.destPath
	if destRoot == "" {
		destRoot = "."
	}

	offsets, err := index.Read(archivePath + ".idx")
	if err != nil {
		o.logger.Warn("index unreadable, falling back to scan", "error", err)
		offsets = nil
	}
	useIndex := offsets != nil

	R := o.ranks
	if R < 1 {
		R = 1
	}

	// See create.go: progress counters are shared memory indexed by
	// rank, not a second collective, so they never race the data phase's
	// own Barrier/AllReduceSum/AllReduceAnd calls on the same Group.
	allCounters := make([]progressCounters, R)

	return collective.Run(ctx, R, func(ctx context.Context, g collective.Group) error {
		rank := g.Rank()

		// The index was read once, before the rank goroutines started,
		// and every rank uses that same slice rather than rank 0
		// broadcasting it: since ranks are goroutines in one process,
		// sharing it is free of the real distributed system's round
		// trip spec §4.5 otherwise requires.
		var local []extract.FileEntry
		var err error
		if useIndex {
			start, count := extract.Partition(len(offsets), R, rank)
			local, err = extract.ReadIndexed(archivePath, offsets, start, count)
			if err != nil {
				return fmt.Errorf("dtar: extract: indexed read: %w", err)
			}
		} else {
			local, err = extract.ReadScan(archivePath, rank, R)
			if err != nil {
				return fmt.Errorf("dtar: extract: scan: %w", err)
			}
		}

		var dirs, files, symlinks []extract.FileEntry
		for _, e := range local {
			switch e.Type {
			case codec.TypeDir:
				dirs = append(dirs, e)
			case codec.TypeFile:
				files = append(files, e)
			case codec.TypeSymlink:
				symlinks = append(symlinks, e)
			}
		}

		// Phase 1: directories, gathered to every rank so parent
		// directories created on another rank are visible before any
		// rank creates a file beneath them.
		allDirs, err := gatherDirEntries(ctx, g, dirs)
		if err != nil {
			return err
		}
		if err := extract.CreateDirs(destRoot, allDirs); err != nil {
			return err
		}
		if err := g.Barrier(ctx); err != nil {
			return err
		}

		// Phase 2: files and symlinks.
		var localBytes uint64
		for _, e := range files {
			localBytes += uint64(e.Size)
		}
		bytesTotal, err := g.AllReduceSum(ctx, localBytes)
		if err != nil {
			return err
		}
		itemsTotal, err := g.AllReduceSum(ctx, uint64(len(files)+len(symlinks)))
		if err != nil {
			return err
		}

		counters := &allCounters[rank]
		var progCtx context.Context
		var stopProgress context.CancelFunc
		var progressDone chan struct{}
		if o.progressInterval > 0 && rank == 0 {
			progCtx, stopProgress = context.WithCancel(ctx)
			reducer := progress.NewReducer(o.progressInterval, bytesTotal, itemsTotal, func(e progress.Event) {
				fmt.Fprintln(o.progressWriter, progress.Format(e))
			})
			progressDone = make(chan struct{})
			go func() {
				reducer.Run(progCtx, func() progress.Counters { return snapshotAll(allCounters) })
				close(progressDone)
			}()
		}

		var dataErr error
		useDirect := o.extractMode == ExtractDirect && useIndex
		if useDirect {
			dataErr = extractDirect(archivePath, destRoot, files, symlinks, o, counters)
		} else {
			dataErr = extractViaCodec(archivePath, destRoot, local, counters)
		}

		// See create.go: stop the reducer only after AllReduceAnd, which
		// itself doesn't return until every rank's data phase is done.
		ok, reduceErr := g.AllReduceAnd(ctx, dataErr == nil)
		if stopProgress != nil {
			stopProgress()
			<-progressDone
		}
		if reduceErr != nil {
			return reduceErr
		} else if !ok {
			if dataErr != nil {
				return fmt.Errorf("dtar: extract: %w", dataErr)
			}
			return fmt.Errorf("dtar: extract: failed on another rank")
		}
		if err := g.Barrier(ctx); err != nil {
			return err
		}

		// Phase 3: metadata — files and symlinks first, directories
		// last (creating children updates parent mtimes).
		nonDirs := append(append([]extract.FileEntry{}, files...), symlinks...)
		if err := extract.ApplyMetadata(destRoot, nonDirs, o.preserve); err != nil {
			return fmt.Errorf("dtar: extract: apply metadata: %w", err)
		}
		if err := g.Barrier(ctx); err != nil {
			return err
		}
		// Each rank applies the directory entries it owns: those carry
		// the archived mode and times, which the gathered allDirs do not.
		if err := extract.ApplyMetadata(destRoot, dirs, o.preserve); err != nil {
			return fmt.Errorf("dtar: extract: apply directory metadata: %w", err)
		}
		return nil
	})
}

// gatherDirEntries replicates every rank's directory entries to every
// other rank via AllGather, so directory creation order is correct
// regardless of which rank owns a given directory entry.
func gatherDirEntries(ctx context.Context, g collective.Group, local []extract.FileEntry) ([]extract.FileEntry, error) {
	gathered, err := g.AllGather(ctx, encodeDirEntries(local))
	if err != nil {
		return nil, err
	}
	var all []extract.FileEntry
	for _, raw := range gathered {
		all = append(all, decodeDirEntries(raw)...)
	}
	return all, nil
}

// extractDirect implements spec §4.7's "indexed + direct extract":
// empty files are created, content is copied with pread/pwrite chunks,
// then symlinks are created in a second pass.
func extractDirect(archivePath, destRoot string, files, symlinks []extract.FileEntry, o Options, counters *progressCounters) error {
	if err := extract.CreateEmptyFiles(destRoot, files); err != nil {
		return err
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archive.Close()

	chunks := extract.BuildFileChunks(destRoot, files, o.chunkSize)
	if err := extract.CopyChunksFromArchive(archive, chunks, 1, o.bufSize, counters.bytesDone.Add, counters.itemsDone.Add); err != nil {
		return err
	}

	return extract.CreateSymlinks(destRoot, symlinks)
}

// extractViaCodec implements both the "indexed + libarchive extract"
// and "scan extract" variants of spec §4.7: each owned entry is
// re-read through the codec and written header-and-data together.
func extractViaCodec(archivePath, destRoot string, local []extract.FileEntry, counters *progressCounters) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	for _, e := range local {
		if _, err := f.Seek(e.Offset, 0); err != nil {
			return fmt.Errorf("seek to entry at %d: %w", e.Offset, err)
		}
		r := codec.NewReader(f)
		if _, _, err := r.Next(); err != nil {
			return fmt.Errorf("read header at %d: %w", e.Offset, err)
		}
		if err := extract.ExtractViaCodec(destRoot, r, e); err != nil {
			return fmt.Errorf("extract %s: %w", e.RelPath, err)
		}
		counters.bytesDone.Add(uint64(e.Size))
		counters.itemsDone.Add(1)
	}
	return nil
}

// ScanReindex rebuilds <archive>.idx from a sequential scan, the
// defensive reconciliation spec §9's Open Questions leaves optional
// ("the spec does not require reconciliation; it may be added as
// defensive checking"). Call it after a successful scan-fallback
// extract to make subsequent extracts take the fast path. WithScanProgress's
// interval drives periodic logging of scan progress.
func ScanReindex(archivePath string, opts ...Option) error {
	o := newOptions(opts)
	scanOpts := scanner.Options{ProgressInterval: o.scanProgressEvery}
	if scanOpts.ProgressInterval > 0 {
		scanOpts.Progress = func(consumed, total int64) {
			o.logger.Info("reindex scan progress", "consumed", consumed, "total", total)
		}
	}
	entries, err := scanner.Scan(archivePath, scanOpts)
	if err != nil {
		return fmt.Errorf("dtar: reindex: %w", err)
	}
	offsets := make([]uint64, len(entries))
	for i, e := range entries {
		offsets[i] = uint64(e.Offset)
	}
	return index.Write(archivePath+".idx", offsets)
}

const fileEntryWireSize = 8 + 8 + 8 // offset, dataOffset, size — fixed portion only

func encodeDirEntries(entries []extract.FileEntry) []byte {
	var buf []byte
	for _, e := range entries {
		head := make([]byte, fileEntryWireSize+2)
		binary.BigEndian.PutUint64(head[0:8], uint64(e.Offset))
		binary.BigEndian.PutUint64(head[8:16], uint64(e.DataOffset))
		binary.BigEndian.PutUint64(head[16:24], uint64(e.Size))
		binary.BigEndian.PutUint16(head[24:26], uint16(len(e.RelPath)))
		buf = append(buf, head...)
		buf = append(buf, e.RelPath...)
	}
	return buf
}

// decodeDirEntries is the inverse of encodeDirEntries; it is only ever
// called on directory entries, so Type is hardcoded rather than
// transmitted.
func decodeDirEntries(buf []byte) []extract.FileEntry {
	var entries []extract.FileEntry
	for len(buf) >= fileEntryWireSize+2 {
		offset := int64(binary.BigEndian.Uint64(buf[0:8]))
		dataOffset := int64(binary.BigEndian.Uint64(buf[8:16]))
		size := int64(binary.BigEndian.Uint64(buf[16:24]))
		nameLen := int(binary.BigEndian.Uint16(buf[24:26]))
		buf = buf[26:]
		if len(buf) < nameLen {
			break
		}
		name := string(buf[:nameLen])
		buf = buf[nameLen:]
		entries = append(entries, extract.FileEntry{
			RelPath:    name,
			Type:       codec.TypeDir,
			Size:       size,
			Offset:     offset,
			DataOffset: dataOffset,
		})
	}
	return entries
}
