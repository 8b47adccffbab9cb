// Package writer implements the archive writer spec §4.2 describes:
// create/truncate/preallocate the archive file, write entry headers at
// their planned offsets, and write the two-zero-block trailer.
package writer

import (
	"bytes"
	"os"

	"github.com/mfu/dtar/internal/codec"
)

// trailerSize is the two 512-byte zero blocks every archive ends with.
const trailerSize = 1024

// Open opens (creating if necessary) the archive file for positional
// I/O. Every rank calls this independently; O_CREATE is idempotent
// across concurrent openers on a shared file system.
func Open(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644) //nolint:gosec // archive perms match tar conventions
}

// Prepare is called by exactly one rank (rank 0): it truncates the
// archive to zero, extends it to archiveSize+trailerSize, and
// preallocates that range so the subsequent concurrent positional
// writes never trigger on-demand block allocation races.
func Prepare(f *os.File, archiveSize uint64) error {
	total := int64(archiveSize) + trailerSize
	if err := f.Truncate(0); err != nil {
		return err
	}
	if err := f.Truncate(total); err != nil {
		return err
	}
	return preallocate(f, total)
}

// WriteHeader encodes e's header into scratch (reset and reused across
// calls) and writes it at offset — the entry's global_offset from the
// layout plan. Headers are already known to fit inside the reserved
// range and never overlap by construction (spec §4.2).
func WriteHeader(f *os.File, scratch *bytes.Buffer, e codec.EntrySource, offset uint64) (int, error) {
	return codec.WriteHeaderAt(f, scratch, e, int64(offset))
}

// WriteTrailer writes the 1024-byte zero trailer at archiveSize. Called
// by rank 0 only, after a barrier guarantees every other rank's writes
// are complete (spec §4.2).
func WriteTrailer(f *os.File, archiveSize uint64) error {
	zero := make([]byte, trailerSize)
	_, err := f.WriteAt(zero, int64(archiveSize))
	return err
}
