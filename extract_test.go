package dtar

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFallsBackToScanWhenIndexMissing(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	entries := buildSourceTree(t, srcDir)
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	require.NoError(t, Create(context.Background(), entries, WithDestPath(archivePath)))
	require.NoError(t, os.Remove(archivePath+".idx"))

	destDir := t.TempDir()
	require.NoError(t, Extract(context.Background(), archivePath, WithDestPath(destDir)))

	got, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestExtractFallsBackToScanWhenIndexCorrupted(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	entries := buildSourceTree(t, srcDir)
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	require.NoError(t, Create(context.Background(), entries, WithDestPath(archivePath)))
	// Not a multiple of 8 bytes: Decode rejects this as truncated, and
	// Extract treats any index read error as "fall back to scan" rather
	// than a hard failure (spec §4.7's corrupted/truncated index case).
	require.NoError(t, os.WriteFile(archivePath+".idx", []byte{1, 2, 3}, 0o644))

	destDir := t.TempDir()
	require.NoError(t, Extract(context.Background(), archivePath, WithDestPath(destDir)))

	got, err := os.ReadFile(filepath.Join(destDir, "nested/deep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested content", string(got))
}

func TestExtractReExtractionIsIdempotent(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	entries := buildSourceTree(t, srcDir)
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	require.NoError(t, Create(context.Background(), entries, WithDestPath(archivePath)))

	destDir := t.TempDir()
	require.NoError(t, Extract(context.Background(), archivePath, WithDestPath(destDir)))
	require.NoError(t, Extract(context.Background(), archivePath, WithDestPath(destDir)))

	target, err := os.Readlink(filepath.Join(destDir, "a-link"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)

	got, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestExtractViaCodecModeMatchesDirectMode(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	entries := buildSourceTree(t, srcDir)
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	require.NoError(t, Create(context.Background(), entries, WithDestPath(archivePath)))

	directDir := t.TempDir()
	require.NoError(t, Extract(context.Background(), archivePath, WithDestPath(directDir), WithExtractMode(ExtractDirect)))

	codecDir := t.TempDir()
	require.NoError(t, Extract(context.Background(), archivePath, WithDestPath(codecDir), WithExtractMode(ExtractCodec)))

	for _, rel := range []string{"a.txt", "empty.bin", "aligned.bin", "nested/deep.txt"} {
		direct, err := os.ReadFile(filepath.Join(directDir, rel))
		require.NoError(t, err)
		viaCodec, err := os.ReadFile(filepath.Join(codecDir, rel))
		require.NoError(t, err)
		assert.Equal(t, direct, viaCodec, "mismatch for %s", rel)
	}
}

func TestExtractWithPreserveAppliesMode(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	p := filepath.Join(srcDir, "f.txt")
	require.NoError(t, os.WriteFile(p, []byte("content"), 0o644))
	entries := []Entry{{Path: p, RelPath: "f.txt", Type: TypeFile, Size: 7, Mode: 0o640}}

	archivePath := filepath.Join(t.TempDir(), "out.tar")
	require.NoError(t, Create(context.Background(), entries, WithDestPath(archivePath)))

	destDir := t.TempDir()
	require.NoError(t, Extract(context.Background(), archivePath, WithDestPath(destDir), WithPreserve(true)))

	info, err := os.Stat(filepath.Join(destDir, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestScanReindexRebuildsIndexFile(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	entries := buildSourceTree(t, srcDir)
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	require.NoError(t, Create(context.Background(), entries, WithDestPath(archivePath)))

	original, err := os.ReadFile(archivePath + ".idx")
	require.NoError(t, err)

	require.NoError(t, os.Remove(archivePath+".idx"))
	require.NoError(t, ScanReindex(archivePath))

	rebuilt, err := os.ReadFile(archivePath + ".idx")
	require.NoError(t, err)
	assert.Equal(t, original, rebuilt)
}
