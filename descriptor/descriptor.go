// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package descriptor implements a bounded pool of integer identifiers.

A [*Pool] owns every identifier of an inclusive range. Callers obtain an
identifier either by asking for a specific one ([*Pool.Claim]) or for any
free one ([*Pool.ClaimAny]). Both return a [*Guard] which owns the
identifier until it is released. The kernel uses two such pools per host:
one for socket file descriptors and one for ports.

# Invariants

At any instant each identifier of the range is either available inside
the pool or owned by exactly one live [*Guard]. A [*Guard] returns its
identifier exactly once: further calls to [*Guard.Release] are no-ops.

A [*Guard] that becomes unreachable without being released is released
by the garbage collector. Do not rely on this for timely reuse.

# Concurrency

A [*Pool] is goroutine safe. Guards may be released from any goroutine.
*/
package descriptor

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/rbmk-project/common/runtimex"
)

// ID is an identifier managed by a [*Pool].
type ID = uint64

// MaxSize is the maximum number of IDs in a [*Pool].
const MaxSize = 1 << 32

var (
	// ErrNotAvailable indicates that a specific ID is already held or
	// outside of the pool range.
	ErrNotAvailable = errors.New("descriptor: id not available")

	// ErrExhausted indicates that no ID is available.
	ErrExhausted = errors.New("descriptor: pool exhausted")
)

// Pool is a bounded pool of [ID].
//
// Construct using [NewPool].
type Pool struct {
	// available has one bit per ID, set when the ID is free.
	available *bitset.BitSet

	// first is the first ID of the range.
	first ID

	// last is the last ID of the range.
	last ID

	// mu provides mutual exclusion.
	mu sync.Mutex
}

// NewPool creates a new [*Pool] owning all the IDs in [first, last].
//
// This function panics if the range is empty or larger than [MaxSize].
func NewPool(first, last ID) *Pool {
	runtimex.Assert(first <= last, "descriptor: empty range")
	runtimex.Assert(last-first < MaxSize, "descriptor: range too large")
	size := last - first + 1
	available := bitset.New(uint(size))
	for idx := uint(0); idx < uint(size); idx++ {
		available.Set(idx)
	}
	return &Pool{
		available: available,
		first:     first,
		last:      last,
		mu:        sync.Mutex{},
	}
}

// Range returns the first and the last ID of the pool.
func (p *Pool) Range() (first, last ID) {
	return p.first, p.last
}

// Cap returns the number of IDs in the pool range.
func (p *Pool) Cap() int {
	return int(p.last - p.first + 1)
}

// Len returns the number of available IDs.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.available.Count())
}

// IsAvailable returns whether the given ID is currently available.
func (p *Pool) IsAvailable(id ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inRange(id) && p.available.Test(p.index(id))
}

// Claim removes the given ID from the pool and returns its [*Guard].
//
// The error wraps [ErrNotAvailable] when the ID is already held
// or does not belong to the pool range.
func (p *Pool) Claim(id ID) (*Guard, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inRange(id) || !p.available.Test(p.index(id)) {
		return nil, fmt.Errorf("%w: %d", ErrNotAvailable, id)
	}
	p.available.Clear(p.index(id))
	return newGuard(p, id), nil
}

// ClaimAny removes an arbitrary available ID from the pool and
// returns its [*Guard]. The lowest available ID is chosen, which keeps
// simulations reproducible.
//
// The error is [ErrExhausted] when the pool is empty.
func (p *Pool) ClaimAny() (*Guard, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, found := p.available.NextSet(0)
	if !found {
		return nil, ErrExhausted
	}
	p.available.Clear(idx)
	return newGuard(p, p.first+ID(idx)), nil
}

// release puts back an ID. Releasing an available ID is a no-op.
func (p *Pool) release(id ID) {
	p.mu.Lock()
	p.available.Set(p.index(id))
	p.mu.Unlock()
}

// inRange returns whether the ID belongs to the pool range.
func (p *Pool) inRange(id ID) bool {
	return id >= p.first && id <= p.last
}

// index maps an ID to its bit index. The caller must check the range.
func (p *Pool) index(id ID) uint {
	return uint(id - p.first)
}

// Guard owns an [ID] claimed from a [*Pool].
//
// Pass guards by pointer. Two guards are equal when they wrap the same ID.
type Guard struct {
	// cleanup releases the ID if the guard is collected while held.
	cleanup runtime.Cleanup

	// state is shared with the cleanup function.
	state *guardState
}

// guardState is the part of a [*Guard] that the cleanup may reference.
type guardState struct {
	id       ID
	pool     *Pool
	released atomic.Bool
}

// release returns the ID to the pool the first time it is invoked.
func (gs *guardState) release() {
	if gs.released.CompareAndSwap(false, true) {
		gs.pool.release(gs.id)
	}
}

// newGuard creates a [*Guard] for an ID already removed from the pool.
func newGuard(p *Pool, id ID) *Guard {
	state := &guardState{id: id, pool: p}
	g := &Guard{state: state}
	g.cleanup = runtime.AddCleanup(g, (*guardState).release, state)
	return g
}

// ID returns the wrapped ID.
func (g *Guard) ID() ID {
	return g.state.id
}

// Equal returns whether two guards wrap the same ID.
func (g *Guard) Equal(other *Guard) bool {
	return other != nil && g.state.id == other.state.id
}

// Released returns whether the ID has been returned to the pool.
func (g *Guard) Released() bool {
	return g.state.released.Load()
}

// Release returns the ID to the pool. Only the first call has effect.
func (g *Guard) Release() {
	g.cleanup.Stop()
	g.state.release()
}

// Close implements [io.Closer] by calling [*Guard.Release].
func (g *Guard) Close() error {
	g.Release()
	return nil
}

// String returns the decimal representation of the ID.
func (g *Guard) String() string {
	return fmt.Sprintf("%d", g.state.id)
}
