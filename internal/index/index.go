// Package index writes and reads the archive's sidecar index file: a
// flat, big-endian uint64 array of entry header offsets, one per archive
// entry in archive order (spec §4.5/§6.2). Unlike meigma-blob's
// FlatBuffers-encoded index, this wire format is fixed by the
// specification, so there is nothing for a schema codec to generate;
// see DESIGN.md for why flatbuffers was not wired in here.
package index

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/renameio"
)

const wordSize = 8

// Write encodes offsets as a big-endian uint64 array and replaces path
// atomically at mode 0660, grounded on meigma-blob/core/save.go's
// temp-file+rename pattern but using github.com/google/renameio.WriteFile
// for the temp-file-write+chmod+atomic-rename instead of hand-rolling it,
// matching distr1-distri's own renameio.WriteFile(path, data, perm) calls
// in cmd/distri/bump.go and cmd/distri/mirror.go (renameio.TempFile, used
// elsewhere in distr1-distri, takes no mode parameter and would leave the
// temp file's default permissions on the replaced path).
func Write(path string, offsets []uint64) error {
	buf := make([]byte, wordSize*len(offsets))
	for i, off := range offsets {
		binary.BigEndian.PutUint64(buf[i*wordSize:], off)
	}
	if err := renameio.WriteFile(path, buf, 0o660); err != nil {
		return fmt.Errorf("index: write %s: %w", path, err)
	}
	return nil
}

// Read loads and decodes an index file. It returns (nil, nil) if path
// does not exist, so callers can fall back to a sequential scan (spec
// §4.6) without treating a missing index as an error.
func Read(path string) ([]uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("index: read %s: %w", path, err)
	}
	return Decode(data)
}

// Decode parses a raw index blob into offsets, rejecting any length not
// a multiple of 8 bytes as truncated (spec §4.7's "corrupted or
// truncated index" extraction edge case).
func Decode(data []byte) ([]uint64, error) {
	if len(data)%wordSize != 0 {
		return nil, fmt.Errorf("index: truncated index (%d bytes, not a multiple of %d)", len(data), wordSize)
	}
	n := len(data) / wordSize
	offsets := make([]uint64, n)
	for i := 0; i < n; i++ {
		offsets[i] = binary.BigEndian.Uint64(data[i*wordSize:])
	}
	return offsets, nil
}
