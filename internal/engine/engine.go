// Package engine implements the two interchangeable data-copy engines
// spec §4.3 (dynamic, work-stealing) and §4.4 (static, chunk-list)
// describe, plus the Chunk type and file-descriptor cache they share.
package engine

import (
	"io"
	"os"
)

// blockSize is the pax/ustar block size content is padded to.
const blockSize = 512

// DefaultChunkSize is used when Options.ChunkSize is zero.
const DefaultChunkSize = 1 << 20 // 1 MiB

// Chunk is a segment of a file's content copied as one unit of work
// (spec §3's Chunk data-model entry).
type Chunk struct {
	// Path is the absolute source file path.
	Path string
	// FileOffset is the byte offset within the source file.
	FileOffset int64
	// ArchiveOffset is the byte offset within the archive file.
	ArchiveOffset int64
	// Length is the number of content bytes this chunk copies.
	Length int64
	// WritePadding is the number of zero bytes to write immediately
	// after Length content bytes — nonzero only on the chunk that
	// completes a file whose size is not a multiple of 512.
	WritePadding int64
	// OwnerRank and LocalIndex label the file entry this chunk belongs
	// to, as supplied by the caller of BuildFileChunks; no copy routine
	// reads them, since ArchiveOffset already carries the data offset.
	OwnerRank  int
	LocalIndex int
}

// padTo512 returns the number of zero bytes needed to round size up to
// the next multiple of 512 (0 if size is already a multiple, including
// size == 0 — spec §3's content_padded formula applied literally; see
// DESIGN.md for why this overrides the boundary-case prose suggesting
// zero-byte files get 512 bytes of padding).
func padTo512(size int64) int64 {
	rem := size % blockSize
	if rem == 0 {
		return 0
	}
	return blockSize - rem
}

// BuildFileChunks splits one file's content into chunks of at most
// chunkSize bytes, starting at dataOffset in the archive. It always
// returns at least one chunk, even for a zero-byte file (spec §4.3).
func BuildFileChunks(path string, fileSize int64, dataOffset int64, chunkSize int64, owner, localIndex int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	count := fileSize / chunkSize
	if fileSize%chunkSize != 0 {
		count++
	}
	if count == 0 {
		count = 1
	}

	chunks := make([]Chunk, 0, count)
	for i := int64(0); i < count; i++ {
		off := i * chunkSize
		length := chunkSize
		if off+length > fileSize {
			length = fileSize - off
		}
		if length < 0 {
			length = 0
		}
		c := Chunk{
			Path:          path,
			FileOffset:    off,
			ArchiveOffset: dataOffset + off,
			Length:        length,
			OwnerRank:     owner,
			LocalIndex:    localIndex,
		}
		if off+length == fileSize {
			c.WritePadding = padTo512(fileSize)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

// FileCache is a one-slot LRU bound to a single worker loop, caching the
// last-opened descriptor to avoid repeated open/close across chunks of
// the same file (spec §4.3; grounded on the original C's
// mfu_archive_file_cache_t in mfu_flist_archive.c, reimplemented as a
// plain field instead of a package global per the Design Notes). It is
// exported so the extractor's indexed+direct path (spec §4.7), which
// reverses source/destination roles relative to create, can reuse it.
type FileCache struct {
	name string
	f    *os.File
}

// Open returns the cached descriptor for path, opening it read-only if
// the cache misses.
func (c *FileCache) Open(path string) (*os.File, error) {
	if c.f != nil {
		if c.name == path {
			return c.f, nil
		}
		c.f.Close()
		c.f = nil
		c.name = ""
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c.name = path
	c.f = f
	return f, nil
}

// OpenWrite returns the cached descriptor for path, opening the existing
// file write-only if the cache misses; the file is neither created nor
// truncated.
func (c *FileCache) OpenWrite(path string, mode os.FileMode) (*os.File, error) {
	if c.f != nil {
		if c.name == path {
			return c.f, nil
		}
		c.f.Close()
		c.f = nil
		c.name = ""
	}
	f, err := os.OpenFile(path, os.O_WRONLY, mode)
	if err != nil {
		return nil, err
	}
	c.name = path
	c.f = f
	return f, nil
}

// Close flushes the cache slot; must be called on worker exit.
func (c *FileCache) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	c.name = ""
	return err
}

// CopyChunk streams one chunk's bytes from its source file to the
// archive at its pre-assigned, non-overlapping offset, using buf as the
// I/O buffer (spec §4.3/§4.4's "streams up to C bytes through an I/O
// buffer of size buf_size"). The last chunk of a file additionally
// writes WritePadding zero bytes once its data is written.
func CopyChunk(archive *os.File, c Chunk, cache *FileCache, buf []byte) error {
	if c.Length > 0 {
		src, err := cache.Open(c.Path)
		if err != nil {
			return err
		}
		if err := CopyRange(archive, src, c.FileOffset, c.ArchiveOffset, c.Length, buf); err != nil {
			return err
		}
	}
	if c.WritePadding > 0 {
		pad := make([]byte, c.WritePadding)
		if _, err := archive.WriteAt(pad, c.ArchiveOffset+c.Length); err != nil {
			return err
		}
	}
	return nil
}

// CopyRange streams length bytes from src at srcOff to dst at dstOff
// using buf, erroring on a short source read (spec §4.3/§4.4/§4.7's
// pread/pwrite copy loops, shared by both the create engines and the
// extractor's indexed+direct path).
func CopyRange(dst, src *os.File, srcOff, dstOff, length int64, buf []byte) error {
	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		rn, rerr := src.ReadAt(buf[:n], srcOff)
		if rn > 0 {
			if _, werr := dst.WriteAt(buf[:rn], dstOff); werr != nil {
				return werr
			}
			srcOff += int64(rn)
			dstOff += int64(rn)
			remaining -= int64(rn)
		}
		if rerr != nil {
			if rerr == io.EOF {
				if remaining > 0 {
					return io.ErrUnexpectedEOF
				}
				return nil
			}
			return rerr
		}
		if rn == 0 {
			return io.ErrNoProgress
		}
	}
	return nil
}
