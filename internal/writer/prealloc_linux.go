//go:build linux

package writer

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves [0, size) on disk via fallocate(2), grounded on
// distr1-distri's direct, pervasive use of golang.org/x/sys/unix for
// raw syscalls (internal/build/build.go, internal/squashfs/writer.go,
// internal/batch/batch.go, and others all import it directly).
func preallocate(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err != nil {
		// Some filesystems (tmpfs on older kernels, certain network
		// filesystems) don't support fallocate; the prior Truncate
		// already established the right file size, so this is best
		// effort, not correctness-critical.
		if err == unix.ENOSYS || err == unix.EOPNOTSUPP {
			return nil
		}
		return err
	}
	return nil
}
