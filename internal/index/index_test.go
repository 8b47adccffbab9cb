package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive.tar.idx")
	offsets := []uint64{0, 512, 1536, 1<<40 + 7}

	require.NoError(t, Write(path, offsets))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, offsets, got)
}

func TestWriteSetsFileModeTo0660(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive.tar.idx")
	require.NoError(t, Write(path, []uint64{0, 512}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), info.Mode().Perm())
}

func TestWriteEmptyOffsets(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive.tar.idx")
	require.NoError(t, Write(path, nil))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadMissingFileReturnsNilNil(t *testing.T) {
	t.Parallel()

	got, err := Read(filepath.Join(t.TempDir(), "does-not-exist.idx"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadTruncatedIndexErrors(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive.tar.idx")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))

	_, err := Read(path)
	assert.Error(t, err)
}

func TestWriteReplacesExistingFileAtomically(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "archive.tar.idx")
	require.NoError(t, Write(path, []uint64{1, 2, 3}))
	require.NoError(t, Write(path, []uint64{9}))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, []uint64{9}, got)
}

func TestDecodeRejectsNonMultipleOf8(t *testing.T) {
	t.Parallel()

	_, err := Decode(make([]byte, 9))
	assert.Error(t, err)
}

func TestDecodeEmptyIsEmptySlice(t *testing.T) {
	t.Parallel()

	got, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
