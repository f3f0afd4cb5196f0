// Package nonce manages a worker's outgoing submission sequence.
//
// The registry processes each identity's state-changing calls in strict
// sequence order and rejects gaps and duplicates. Claim and submit
// operations dispatch from independent asynchronous flows, so reading
// the authoritative value from the registry before each call races with
// itself. The Allocator is the alternative: a process-local monotonic
// counter handing out distinct values under concurrency, reset to the
// registry's authoritative value whenever the registry rejects the
// ordering.
//
// Allocator is goroutine-safe. One mutex serializes Next and Resync so
// no caller ever observes the counter mid-update.
package nonce

import (
	"context"
	"sync"
)

// Source fetches the authoritative next expected sequence value for
// the owning identity, typically Registry.AccountNonce bound to it.
type Source func(ctx context.Context) (uint64, error)

// Allocator hands out strictly increasing sequence values for one
// identity's state-changing calls.
type Allocator struct {
	mu     sync.Mutex
	next   uint64
	source Source

	// resyncs counts completed Resync calls, for observability.
	resyncs uint64
}

// NewAllocator creates an allocator seeded with the given value.
// source may be nil if Resync is never used.
func NewAllocator(seed uint64, source Source) *Allocator {
	return &Allocator{next: seed, source: source}
}

// Seed creates an allocator initialized from the source's current
// authoritative value.
func Seed(ctx context.Context, source Source) (*Allocator, error) {
	v, err := source(ctx)
	if err != nil {
		return nil, err
	}
	return NewAllocator(v, source), nil
}

// Next returns the next sequence value and advances the counter.
// Concurrent callers each receive a distinct, increasing value.
func (a *Allocator) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.next
	a.next++
	return n
}

// Peek returns the value Next would hand out, without advancing.
func (a *Allocator) Peek() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Resync re-fetches the authoritative value and resets the counter to
// it, discarding any speculative allocations. It must be called after
// the registry rejects a call for stale or gapped ordering, before any
// further submission. The fetch happens under the allocator mutex so
// no allocation can interleave with the reset.
func (a *Allocator) Resync(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.source == nil {
		return nil
	}
	v, err := a.source(ctx)
	if err != nil {
		return err
	}
	a.next = v
	a.resyncs++
	return nil
}

// Resyncs returns how many resyncs have completed.
func (a *Allocator) Resyncs() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resyncs
}
