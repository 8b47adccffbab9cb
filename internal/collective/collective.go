// Package collective implements the collective operations spec §5 asks
// for — barrier, broadcast, gather, all-gather, prefix scan, and
// all-reduce (sum and logical-and) — over goroutines standing in for
// MPI ranks. There is no corpus library for this: no example repository
// reimplements MPI-style collectives in Go, so the rendezvous itself is
// built on the standard library alone (sync, context), per the Design
// Notes' instruction to bind a per-operation context instead of
// replicating the original's global state; golang.org/x/sync/errgroup
// spawns and joins the rank goroutines.
//
// Every rank in a Run call must invoke collective methods the same
// number of times, in the same order (the SPMD discipline MPI itself
// requires) — a rank that diverges deadlocks the others at the next
// rendezvous, matching the real failure mode of a collective mismatch.
package collective

import (
	"context"
	"encoding/binary"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Group is the per-rank handle to a collective operation. All methods
// block until every rank in the group has made the matching call.
type Group interface {
	// Rank returns this goroutine's rank in [0, Size()).
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int

	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error

	// Broadcast distributes root's data to every rank. Only the value
	// passed by root is meaningful; other ranks' arguments are ignored.
	Broadcast(ctx context.Context, root int, data []byte) ([]byte, error)

	// Gather collects every rank's data at root. Returns the full,
	// rank-ordered slice on root and nil on every other rank.
	Gather(ctx context.Context, root int, data []byte) ([][]byte, error)

	// AllGather collects every rank's data and returns it, rank-ordered,
	// to every rank.
	AllGather(ctx context.Context, data []byte) ([][]byte, error)

	// ExclusiveScanSum returns the sum of value over ranks [0, Rank()),
	// i.e. an exclusive prefix sum — used to turn a per-rank local size
	// into a base offset (spec §4.1 step 3).
	ExclusiveScanSum(ctx context.Context, value uint64) (uint64, error)

	// AllReduceSum returns the sum of value across all ranks.
	AllReduceSum(ctx context.Context, value uint64) (uint64, error)

	// AllReduceAnd returns the logical AND of ok across all ranks — used
	// to turn a per-rank local error flag into a uniform pass/fail
	// decision at a phase boundary (spec §7).
	AllReduceAnd(ctx context.Context, ok bool) (bool, error)
}

// Run spawns size goroutines, each running fn with a Group bound to its
// rank. It returns the first non-nil error any rank's fn returns (via
// errgroup), but only after every rank has returned — a rank that never
// returns because it skipped a collective call it owed the others will
// hang the whole group, by design: this mirrors the real failure mode
// of a mismatched MPI collective rather than masking it.
func Run(ctx context.Context, size int, fn func(ctx context.Context, g Group) error) error {
	if size < 1 {
		size = 1
	}
	h := newHub(size)
	eg, ctx := errgroup.WithContext(ctx)
	for r := 0; r < size; r++ {
		r := r
		eg.Go(func() error {
			return fn(ctx, &rankGroup{hub: h, rank: r})
		})
	}
	return eg.Wait()
}

// hub is the rendezvous point shared by every rank in one Run call. Each
// collective call is a generation: the last of size arrivals snapshots
// all contributions, advances the generation, and wakes everyone else.
type hub struct {
	mu   sync.Mutex
	cond *sync.Cond
	size int

	gen        int
	arrived    int
	contribs   [][]byte
	lastResult [][]byte
}

func newHub(size int) *hub {
	h := &hub{size: size, contribs: make([][]byte, size)}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// rendezvous blocks rank's goroutine until every rank has contributed
// for the current generation, then returns the rank-ordered slice of
// all contributions to every caller.
func (h *hub) rendezvous(ctx context.Context, rank int, contribution []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	myGen := h.gen
	h.contribs[rank] = contribution
	h.arrived++

	if h.arrived == h.size {
		result := make([][]byte, h.size)
		copy(result, h.contribs)
		h.lastResult = result
		h.contribs = make([][]byte, h.size)
		h.arrived = 0
		h.gen++
		h.cond.Broadcast()
		return result, nil
	}

	for h.gen == myGen {
		h.cond.Wait()
	}
	return h.lastResult, nil
}

type rankGroup struct {
	hub  *hub
	rank int
}

func (g *rankGroup) Rank() int { return g.rank }
func (g *rankGroup) Size() int { return g.hub.size }

func (g *rankGroup) Barrier(ctx context.Context) error {
	_, err := g.hub.rendezvous(ctx, g.rank, nil)
	return err
}

func (g *rankGroup) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	var contribution []byte
	if g.rank == root {
		contribution = data
	}
	all, err := g.hub.rendezvous(ctx, g.rank, contribution)
	if err != nil {
		return nil, err
	}
	return all[root], nil
}

func (g *rankGroup) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	all, err := g.hub.rendezvous(ctx, g.rank, data)
	if err != nil {
		return nil, err
	}
	if g.rank != root {
		return nil, nil
	}
	return all, nil
}

func (g *rankGroup) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	return g.hub.rendezvous(ctx, g.rank, data)
}

func (g *rankGroup) ExclusiveScanSum(ctx context.Context, value uint64) (uint64, error) {
	all, err := g.hub.rendezvous(ctx, g.rank, encodeUint64(value))
	if err != nil {
		return 0, err
	}
	var sum uint64
	for i := 0; i < g.rank; i++ {
		sum += decodeUint64(all[i])
	}
	return sum, nil
}

func (g *rankGroup) AllReduceSum(ctx context.Context, value uint64) (uint64, error) {
	all, err := g.hub.rendezvous(ctx, g.rank, encodeUint64(value))
	if err != nil {
		return 0, err
	}
	var sum uint64
	for _, b := range all {
		sum += decodeUint64(b)
	}
	return sum, nil
}

func (g *rankGroup) AllReduceAnd(ctx context.Context, ok bool) (bool, error) {
	var b byte
	if ok {
		b = 1
	}
	all, err := g.hub.rendezvous(ctx, g.rank, []byte{b})
	if err != nil {
		return false, err
	}
	result := true
	for _, c := range all {
		if len(c) == 0 || c[0] == 0 {
			result = false
			break
		}
	}
	return result, nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
