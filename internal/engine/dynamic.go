package engine

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"
)

// RunDynamic drains q with a fixed pool of workers, each holding its own
// one-slot source cache and I/O buffer, until the queue is closed and
// empty (spec §4.3's work-stealing engine, suited to chunks that vary
// widely in size or files that outnumber ranks enough that static
// striding would leave some workers idle; Create uses it only when
// EngineDynamic is selected).
//
// Every producer must finish calling q.Enqueue and call q.Close before
// RunDynamic's workers can observe the done signal; the callers in this
// module enqueue all their chunks before calling RunDynamic. onBytes and
// onItems, if non-nil, are called after each chunk completes to drive
// the progress reducer (spec §4.8); their signature matches
// atomic.Uint64.Add so callers can pass that method directly.
func RunDynamic(ctx context.Context, archive *os.File, q Queue, workers int, bufSize int, onBytes, onItems func(uint64) uint64) error {
	if workers < 1 {
		workers = 1
	}
	if bufSize < 1 {
		bufSize = DefaultChunkSize
	}

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			cache := &FileCache{}
			defer cache.Close()
			buf := make([]byte, bufSize)

			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				c, ok := q.Dequeue()
				if !ok {
					return nil
				}
				if err := CopyChunk(archive, c, cache, buf); err != nil {
					return err
				}
				if onBytes != nil {
					onBytes(uint64(c.Length))
				}
				if onItems != nil {
					onItems(1)
				}
			}
		})
	}
	return eg.Wait()
}
