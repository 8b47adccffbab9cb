// Package progress implements the periodic progress reporting spec §4.8
// describes: every rank's byte/item counters are summed on a timer and
// formatted as a human-readable line. The event/callback shape is
// grounded on meigma-blob/core/create.go's reportProgress/ProgressEvent
// pattern; TTY detection uses github.com/mattn/go-isatty, the corpus's
// only terminal-detection dependency (meigma-blob/go.mod).
//
// Reduction deliberately does not reuse internal/collective's Gather:
// ranks here are goroutines sharing one address space, so the cross-rank
// sum spec §4.8 describes is realized as a direct read over shared
// atomic counters (see root create.go/extract.go) rather than a second
// collective operation layered onto the same per-run Group a concurrent
// data-copy phase is simultaneously calling Barrier/AllGather/
// AllReduceSum on — interleaving two independent collective call
// sequences on one Group's generation counter would desynchronize it.
package progress

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mattn/go-isatty"
)

// Event is one reported progress snapshot.
type Event struct {
	BytesDone  uint64
	BytesTotal uint64
	ItemsDone  uint64
	ItemsTotal uint64
	Elapsed    time.Duration
}

// Func receives progress events. Implementations must tolerate being
// called from the reducer's own goroutine.
type Func func(Event)

// Counters is one snapshot of already-aggregated byte/item progress,
// returned by the local function Reducer.Run samples on each tick.
type Counters struct {
	BytesDone uint64
	ItemsDone uint64
}

// Reducer periodically samples a caller-supplied aggregate and invokes
// report with the total. Reduction period zero disables reporting
// entirely (spec §4.8). A nil report disables it too, so a caller on a
// non-reporting rank can construct a Reducer uniformly without a branch.
type Reducer struct {
	interval time.Duration
	total    Event
	start    time.Time
	report   Func
}

// NewReducer builds a Reducer that tracks a known bytesTotal/itemsTotal
// denominator and reports at interval (zero disables reporting).
func NewReducer(interval time.Duration, bytesTotal, itemsTotal uint64, report Func) *Reducer {
	return &Reducer{
		interval: interval,
		total:    Event{BytesTotal: bytesTotal, ItemsTotal: itemsTotal},
		report:   report,
	}
}

// Run ticks every interval until ctx is done, sampling local and
// reporting. Callers run this in its own goroutine alongside the phase
// it's monitoring and stop it (via ctx) once that phase ends.
func (r *Reducer) Run(ctx context.Context, local func() Counters) {
	if r.interval <= 0 || r.report == nil {
		return
	}
	r.start = time.Now()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(local())
		}
	}
}

func (r *Reducer) tick(c Counters) {
	r.report(Event{
		BytesDone:  c.BytesDone,
		BytesTotal: r.total.BytesTotal,
		ItemsDone:  c.ItemsDone,
		ItemsTotal: r.total.ItemsTotal,
		Elapsed:    time.Since(r.start),
	})
}

// Format renders an Event as a human-readable progress line: bytes done
// of total, percent, rate, and ETA — hand-rolled rather than borrowed
// from a byte-formatting library, since none of the examples import
// one (see DESIGN.md).
func Format(e Event) string {
	pct := 0.0
	if e.BytesTotal > 0 {
		pct = 100 * float64(e.BytesDone) / float64(e.BytesTotal)
	}
	rate := 0.0
	if e.Elapsed > 0 {
		rate = float64(e.BytesDone) / e.Elapsed.Seconds()
	}
	eta := "?"
	if rate > 0 && e.BytesTotal > e.BytesDone {
		remaining := float64(e.BytesTotal-e.BytesDone) / rate
		eta = (time.Duration(remaining) * time.Second).String()
	}
	return fmt.Sprintf("%s / %s (%.1f%%) items %d/%d, %s/s, ETA %s",
		humanBytes(e.BytesDone), humanBytes(e.BytesTotal), pct, e.ItemsDone, e.ItemsTotal, humanBytes(uint64(rate)), eta)
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// IsTerminal reports whether w is a TTY, so callers can choose between
// carriage-return-redrawn lines and plain newline-delimited log output.
func IsTerminal(w io.Writer) bool {
	type fder interface{ Fd() uintptr }
	f, ok := w.(fder)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
