// Package extract implements the extractor spec §4.7 describes:
// partitioning entries across ranks, reconstructing the file list from
// either the index or a scan, and the three-phase (directories, then
// files/symlinks, then metadata) creation sequence.
package extract

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mfu/dtar/internal/codec"
	"github.com/mfu/dtar/internal/engine"
)

// FileEntry is one reconstructed archive entry, carrying enough of its
// header plus its archive position to drive every extraction phase.
type FileEntry struct {
	RelPath    string
	Type       uint8 // matches codec.Type* constants
	Size       int64
	Mode       uint32
	UID, GID   uint32
	Mtime      time.Time
	Atime      time.Time
	LinkTarget string
	// Offset is the entry header's byte offset in the archive.
	Offset int64
	// DataOffset is Offset + header_size (spec §3's file-list attribute).
	DataOffset int64
	// Index is this entry's position in full sorted archive order.
	Index int
}

// Partition splits E entries across R ranks as spec §4.7 specifies: the
// first E mod R ranks get ⌈E/R⌉ entries, the rest get ⌊E/R⌋.
func Partition(total, ranks, rank int) (start, count int) {
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

// ReadIndexed reconstructs the [start, start+count) slice of the file
// list by seeking directly to each entry's known offset and reading
// only its header (spec §4.7's "Metadata extraction (indexed path)").
func ReadIndexed(archivePath string, offsets []uint64, start, count int) ([]FileEntry, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("extract: open %s: %w", archivePath, err)
	}
	defer f.Close()

	entries := make([]FileEntry, 0, count)
	for i := start; i < start+count; i++ {
		off := int64(offsets[i])
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return nil, fmt.Errorf("extract: seek to entry %d at %d: %w", i, off, err)
		}
		r := codec.NewReader(f)
		hdr, _, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("extract: read header for entry %d at %d: %w", i, off, err)
		}
		entries = append(entries, fromHeader(hdr, off, off+r.DataOffset(), i))
	}
	return entries, nil
}

// ReadScan reconstructs the subset of the file list owned by rank:
// every entry whose position in a full sequential scan is ≡ rank (mod
// ranks), per spec §4.7's "Metadata extraction (scan path)".
func ReadScan(archivePath string, rank, ranks int) ([]FileEntry, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("extract: open %s: %w", archivePath, err)
	}
	defer f.Close()

	r := codec.NewReader(f)
	var entries []FileEntry
	for i := 0; ; i++ {
		hdr, off, err := r.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("extract: scan header at %d: %w", off, err)
		}
		if i%ranks == rank {
			entries = append(entries, fromHeader(hdr, off, r.DataOffset(), i))
		}
	}
}

func fromHeader(hdr codec.Header, offset, dataOffset int64, index int) FileEntry {
	e := FileEntry{
		RelPath:    hdr.Name,
		Size:       hdr.Size,
		Mode:       uint32(hdr.Mode),
		UID:        uint32(hdr.Uid),
		GID:        uint32(hdr.Gid),
		Mtime:      hdr.ModTime,
		Atime:      hdr.AccessTime,
		LinkTarget: hdr.Linkname,
		Offset:     offset,
		DataOffset: dataOffset,
		Index:      index,
	}
	switch {
	case hdr.IsDir():
		e.Type = codec.TypeDir
	case hdr.IsSymlink():
		e.Type = codec.TypeSymlink
	case hdr.IsRegular():
		e.Type = codec.TypeFile
	default:
		e.Type = codec.TypeOther
	}
	return e
}

// CreateDirs creates every directory entry under destRoot, sorted so
// parents precede children (spec §4.7 Phase 1). Lexicographic path
// order already guarantees this since a parent path is always a
// prefix, and thus a predecessor, of its children's paths.
func CreateDirs(destRoot string, dirs []FileEntry) error {
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].RelPath < dirs[j].RelPath })
	for _, d := range dirs {
		path := filepath.Join(destRoot, d.RelPath)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("extract: mkdir %s: %w", path, err)
		}
	}
	return nil
}

// CreateEmptyFiles pre-creates every file entry at its final size,
// ready for the indexed+direct engine's positional writes (spec §4.7
// Phase 2's "mknod-like plain-file creation").
func CreateEmptyFiles(destRoot string, files []FileEntry) error {
	for _, e := range files {
		path := filepath.Join(destRoot, e.RelPath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("extract: mkdir parent of %s: %w", path, err)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("extract: create %s: %w", path, err)
		}
		err = f.Truncate(e.Size)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("extract: truncate %s: %w", path, err)
		}
		if closeErr != nil {
			return fmt.Errorf("extract: close %s: %w", path, closeErr)
		}
	}
	return nil
}

// CreateSymlinks creates every symlink entry under destRoot, removing
// any existing file at the target path first so re-extraction into an
// existing destination is idempotent (spec §8's idempotence property).
func CreateSymlinks(destRoot string, links []FileEntry) error {
	for _, e := range links {
		path := filepath.Join(destRoot, e.RelPath)
		os.Remove(path)
		if err := os.Symlink(e.LinkTarget, path); err != nil {
			return fmt.Errorf("extract: symlink %s -> %s: %w", path, e.LinkTarget, err)
		}
	}
	return nil
}

// BuildFileChunks builds the direct-copy chunk list for owned file
// entries (spec §4.7's indexed+direct variant), reusing the §4.4 static
// chunk builder with source/destination roles reversed: Path here names
// the destination file, FileOffset the position within it, and
// ArchiveOffset the position to read from in the shared archive.
func BuildFileChunks(destRoot string, files []FileEntry, chunkSize int64) []engine.Chunk {
	var chunks []engine.Chunk
	for i, e := range files {
		path := filepath.Join(destRoot, e.RelPath)
		fc := engine.BuildFileChunks(path, e.Size, e.DataOffset, chunkSize, 0, i)
		chunks = append(chunks, fc...)
	}
	return chunks
}

// CopyChunksFromArchive executes chunks built by BuildFileChunks,
// reading from archive and writing to each chunk's destination file
// (the reverse direction of the create engines' CopyChunk, since here
// the archive is the single shared source and many small files are the
// destinations). onBytes and onItems, if non-nil, are called after each
// chunk completes to drive the progress reducer (spec §4.8); onItems
// counts chunks, not distinct files, for the same reason the create
// engines do.
func CopyChunksFromArchive(archive *os.File, chunks []engine.Chunk, workers int, bufSize int, onBytes func(uint64) uint64, onItems func(uint64) uint64) error {
	if workers < 1 {
		workers = 1
	}
	if bufSize < 1 {
		bufSize = engine.DefaultChunkSize
	}
	if workers > len(chunks) && len(chunks) > 0 {
		workers = len(chunks)
	}

	errCh := make(chan error, workers)
	jobs := make(chan int, len(chunks))
	for i := range chunks {
		jobs <- i
	}
	close(jobs)

	for w := 0; w < workers; w++ {
		go func() {
			cache := &engine.FileCache{}
			defer cache.Close()
			buf := make([]byte, bufSize)
			for idx := range jobs {
				c := chunks[idx]
				dst, err := cache.OpenWrite(c.Path, 0o600)
				if err != nil {
					errCh <- err
					return
				}
				if c.Length > 0 {
					if err := engine.CopyRange(dst, archive, c.ArchiveOffset, c.FileOffset, c.Length, buf); err != nil {
						errCh <- err
						return
					}
				}
				if onBytes != nil {
					onBytes(uint64(c.Length))
				}
				if onItems != nil {
					onItems(1)
				}
			}
			errCh <- nil
		}()
	}

	var firstErr error
	for w := 0; w < workers; w++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ExtractViaCodec reads entry data directly following a header already
// consumed by r.Next() and writes it to destRoot, used by both the
// indexed+libarchive and scan extraction variants (spec §4.7).
func ExtractViaCodec(destRoot string, r *codec.Reader, e FileEntry) error {
	path := filepath.Join(destRoot, e.RelPath)
	switch e.Type {
	case codec.TypeDir:
		return os.MkdirAll(path, 0o755)
	case codec.TypeSymlink:
		os.Remove(path)
		return os.Symlink(e.LinkTarget, path)
	case codec.TypeFile:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		_, werr := r.WriteTo(out)
		cerr := out.Close()
		if werr != nil {
			return werr
		}
		return cerr
	default:
		return nil
	}
}

// ApplyMetadata sets permissions and timestamps on every non-symlink
// entry and, only when preserve is set, ownership (via Lchown for
// symlinks, whose permissions and timestamps are left alone) (spec §4.7
// Phase 3). Directories must be passed in a second, later call (see
// Extract in the root package's extract.go) since creating children
// mutates parent mtimes.
func ApplyMetadata(destRoot string, entries []FileEntry, preserve bool) error {
	for _, e := range entries {
		path := filepath.Join(destRoot, e.RelPath)
		if e.Type == codec.TypeSymlink {
			if preserve {
				os.Lchown(path, int(e.UID), int(e.GID))
			}
			continue
		}
		if err := os.Chmod(path, os.FileMode(e.Mode&0o7777)); err != nil {
			return fmt.Errorf("extract: chmod %s: %w", path, err)
		}
		if preserve {
			if err := os.Chown(path, int(e.UID), int(e.GID)); err != nil {
				return fmt.Errorf("extract: chown %s: %w", path, err)
			}
		}
		atime := e.Atime
		if atime.IsZero() {
			atime = e.Mtime
		}
		if err := os.Chtimes(path, atime, e.Mtime); err != nil {
			return fmt.Errorf("extract: chtimes %s: %w", path, err)
		}
	}
	return nil
}
