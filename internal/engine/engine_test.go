package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFileChunksSingleChunk(t *testing.T) {
	t.Parallel()

	chunks := BuildFileChunks("/src/a", 100, 1000, 1<<20, 0, 3)
	require.Len(t, chunks, 1)
	c := chunks[0]
	assert.Equal(t, int64(0), c.FileOffset)
	assert.Equal(t, int64(1000), c.ArchiveOffset)
	assert.Equal(t, int64(100), c.Length)
	assert.Equal(t, int64(412), c.WritePadding) // 100 -> padded to 512
	assert.Equal(t, 3, c.LocalIndex)
}

func TestBuildFileChunksZeroByteFileStillEmitsOneChunk(t *testing.T) {
	t.Parallel()

	chunks := BuildFileChunks("/src/empty", 0, 500, 1<<20, 0, 0)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(0), chunks[0].Length)
	assert.Equal(t, int64(0), chunks[0].WritePadding)
}

func TestBuildFileChunksExactMultipleOf512HasNoPadding(t *testing.T) {
	t.Parallel()

	chunks := BuildFileChunks("/src/f", 1024, 0, 1<<20, 0, 0)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(0), chunks[0].WritePadding)
}

func TestBuildFileChunksSplitsAcrossChunkSize(t *testing.T) {
	t.Parallel()

	chunks := BuildFileChunks("/src/big", 2500, 0, 1000, 0, 0)
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(1000), chunks[0].Length)
	assert.Equal(t, int64(1000), chunks[1].Length)
	assert.Equal(t, int64(500), chunks[2].Length)
	assert.Zero(t, chunks[0].WritePadding)
	assert.Zero(t, chunks[1].WritePadding)
	assert.Equal(t, int64(60), chunks[2].WritePadding) // 2500 -> 2560
}

func TestCopyChunkWritesContentAndPadding(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.bin")
	content := []byte("hello world")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	archivePath := filepath.Join(dir, "archive.tar")
	archive, err := os.OpenFile(archivePath, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer archive.Close()
	require.NoError(t, archive.Truncate(1024))

	chunks := BuildFileChunks(srcPath, int64(len(content)), 0, 1<<20, 0, 0)
	cache := &FileCache{}
	defer cache.Close()
	buf := make([]byte, 64)
	for _, c := range chunks {
		require.NoError(t, CopyChunk(archive, c, cache, buf))
	}

	got := make([]byte, 512)
	_, err = archive.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, content, got[:len(content)])
	assert.Equal(t, make([]byte, 512-len(content)), got[len(content):])
}

func TestCopyRangeShortSourceErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "short.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("abc"), 0o644))
	src, err := os.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()

	dstPath := filepath.Join(dir, "dst.bin")
	dst, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer dst.Close()

	err = CopyRange(dst, src, 0, 0, 10, make([]byte, 4))
	assert.Error(t, err)
}

func TestRunDynamicDrainsAllChunksViaSharedQueue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var files []string
	for i := 0; i < 5; i++ {
		p := filepath.Join(dir, "f"+string(rune('0'+i)))
		require.NoError(t, os.WriteFile(p, []byte{byte(i), byte(i), byte(i)}, 0o644))
		files = append(files, p)
	}

	archivePath := filepath.Join(dir, "archive.tar")
	archive, err := os.OpenFile(archivePath, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer archive.Close()
	require.NoError(t, archive.Truncate(int64(len(files))*512))

	q := NewChannelQueue(len(files))
	for i, p := range files {
		for _, c := range BuildFileChunks(p, 3, int64(i)*512, 1<<20, 0, i) {
			q.Enqueue(c)
		}
	}
	q.Close()

	var bytesDone, itemsDone atomic.Uint64
	require.NoError(t, RunDynamic(context.TODO(), archive, q, 3, 64, bytesDone.Add, itemsDone.Add))
	assert.EqualValues(t, 15, bytesDone.Load())
	assert.EqualValues(t, 5, itemsDone.Load())

	for i := range files {
		got := make([]byte, 3)
		_, err := archive.ReadAt(got, int64(i)*512)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), byte(i), byte(i)}, got)
	}
}

func TestRunStaticStripesChunksAcrossWorkers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(p, []byte("abcdefgh"), 0o644))

	archivePath := filepath.Join(dir, "archive.tar")
	archive, err := os.OpenFile(archivePath, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer archive.Close()
	require.NoError(t, archive.Truncate(512))

	chunks := BuildFileChunks(p, 8, 0, 2, 0, 0)
	require.Len(t, chunks, 4)

	var bytesDone, itemsDone atomic.Uint64
	require.NoError(t, RunStatic(context.TODO(), archive, chunks, 3, 64, bytesDone.Add, itemsDone.Add))
	assert.EqualValues(t, 8, bytesDone.Load())
	assert.EqualValues(t, 4, itemsDone.Load())

	got := make([]byte, 8)
	_, err = archive.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), got)
}

func TestRunStaticAndRunDynamicAcceptNilCallbacks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(p, []byte("abcdefgh"), 0o644))

	archivePath := filepath.Join(dir, "archive.tar")
	archive, err := os.OpenFile(archivePath, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer archive.Close()
	require.NoError(t, archive.Truncate(512))

	chunks := BuildFileChunks(p, 8, 0, 2, 0, 0)
	require.NoError(t, RunStatic(context.TODO(), archive, chunks, 2, 64, nil, nil))

	q := NewChannelQueue(len(chunks))
	for _, c := range chunks {
		q.Enqueue(c)
	}
	q.Close()
	require.NoError(t, RunDynamic(context.TODO(), archive, q, 2, 64, nil, nil))
}
