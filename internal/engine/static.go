package engine

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"
)

// RunStatic copies a fixed, precomputed chunk list deterministically:
// worker w handles chunks at indices w, w+workers, w+2*workers, ...
// (spec §4.4's default engine — round-robin assignment over a single
// global chunk list rather than a dynamically stolen queue, grounded on
// meigma-blob/internal/batch.go's processEntriesParallel worker-striding
// pattern). onBytes and onItems, if non-nil, are called after each chunk
// completes to drive the progress reducer (spec §4.8); their signature
// matches atomic.Uint64.Add so callers can pass that method directly.
func RunStatic(ctx context.Context, archive *os.File, chunks []Chunk, workers int, bufSize int, onBytes, onItems func(uint64) uint64) error {
	if workers < 1 {
		workers = 1
	}
	if bufSize < 1 {
		bufSize = DefaultChunkSize
	}
	if workers > len(chunks) && len(chunks) > 0 {
		workers = len(chunks)
	}

	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		eg.Go(func() error {
			cache := &FileCache{}
			defer cache.Close()
			buf := make([]byte, bufSize)

			for i := w; i < len(chunks); i += workers {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				if err := CopyChunk(archive, chunks[i], cache, buf); err != nil {
					return err
				}
				if onBytes != nil {
					onBytes(uint64(chunks[i].Length))
				}
				if onItems != nil {
					onItems(1)
				}
			}
			return nil
		})
	}
	return eg.Wait()
}
