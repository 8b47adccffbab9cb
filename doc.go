// Package dtar creates and extracts POSIX pax/ustar archives across many
// cooperating goroutines ("ranks") on a shared file system.
//
// Create partitions a file list across ranks, computes a global byte
// layout via a collective prefix scan, and writes non-overlapping
// regions of a single archive concurrently. Extract partitions an
// archive's entries across ranks and restores them to disk, using a
// sidecar index file (<archive>.idx) when present and falling back to
// a sequential scan otherwise.
//
// See SPEC_FULL.md in the module root for the full design.
package dtar
