// Package cancelpool implements spec.md section 4.F's "rented
// cancellation source" mechanism: a pool that rents cancellation
// sources, one per macro-job run, each returned exactly once.
// Returning an already-triggered source, or double-returning one, is a
// SchedulingInvariantViolation (spec.md section 7) and panics, mirroring
// the "must never happen in correct code" severity the spec assigns it.
package cancelpool

import (
	"context"
	"sync"
	"sync/atomic"
)

var nextID uint64

// Source is a rented cancellation source. It satisfies jobserr.CancelToken
// via ID, so callers can distinguish their own local cancellation token
// from a foreign one by identity comparison (spec.md section 4.F).
type Source struct {
	id        uint64
	generation uint64
	ctx       context.Context
	cancel    context.CancelFunc
	triggered atomic.Bool
	returned  atomic.Bool
	pool      *Pool
}

// ID returns a process-unique identity for this rented source.
func (s *Source) ID() uint64 { return s.id }

// Context returns the context cancelled when this source fires.
func (s *Source) Context() context.Context { return s.ctx }

// Trigger fires the source's cancellation. Idempotent.
func (s *Source) Trigger() {
	if s.triggered.CompareAndSwap(false, true) {
		s.cancel()
	}
}

// Triggered reports whether Trigger has been called.
func (s *Source) Triggered() bool { return s.triggered.Load() }

// Done reports the channel closed when the source's context is
// cancelled, so a Source can itself serve as a client cancellation
// token (pkg/macrojob's ClientToken).
func (s *Source) Done() <-chan struct{} { return s.ctx.Done() }

// Pool is a rented cancellation source pool. Sources are not reused
// across rentals in this implementation (each rental gets a fresh
// context); the pool's contract is about rent/return discipline, not
// object reuse, matching spec.md section 4.F's "each must be returned
// exactly once; returning is forbidden once the source has been
// triggered."
type Pool struct {
	mu  sync.Mutex
	gen uint64
}

// New builds an empty pool.
func New() *Pool {
	return &Pool{}
}

// Rent obtains a fresh cancellation source derived from parent.
func (p *Pool) Rent(parent context.Context) *Source {
	ctx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.mu.Unlock()
	return &Source{
		id:         atomic.AddUint64(&nextID, 1),
		generation: gen,
		ctx:        ctx,
		cancel:     cancel,
		pool:       p,
	}
}

// Return releases a rented source back to the pool. Panics
// (SchedulingInvariantViolation) if s was already returned, or if s has
// been triggered — spec.md section 4.F forbids returning a triggered
// source, so a fired source is never handed back to the pool.
func (s *Source) Return() {
	if s.triggered.Load() {
		panic("cancelpool: returning a triggered cancellation source")
	}
	if !s.returned.CompareAndSwap(false, true) {
		panic("cancelpool: double return of cancellation source")
	}
	s.cancel()
}
