//go:build !linux

package writer

import "os"

// preallocate is a no-op on platforms without fallocate(2); Prepare's
// prior Truncate already gives the file its final size.
func preallocate(f *os.File, size int64) error {
	return nil
}
