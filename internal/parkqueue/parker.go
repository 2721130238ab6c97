// Package parkqueue implements the sleep/wake primitive the core uses for
// its one-shot thread lifecycle events (start-running, thread-waiting,
// and job-queue drain). Park/Ready are the operation names and a
// "lock, then count" discipline governs waiters, but the wakeup itself
// is a condition variable broadcast instead of a raw runtime park/ready
// call, since this core has no business reaching into unexported
// runtime symbols for its control plane.
package parkqueue

import "sync"

// Gate is a resettable, broadcast wake primitive. Any number of
// goroutines may Park on it; a Ready call wakes every goroutine parked
// at the time it was called. Gate is safe for concurrent use.
type Gate struct {
	mu   sync.Mutex
	cond *sync.Cond
	gen  uint64
}

// NewGate returns a ready-to-use Gate.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Park blocks the calling goroutine until the next Ready call.
func (g *Gate) Park() {
	g.mu.Lock()
	gen := g.gen
	for gen == g.gen {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// Snapshot returns the current generation. Pair it with WaitFrom around
// a check of some external predicate (e.g. "is my queue empty?") to
// avoid the lost-wakeup window that a bare Park has: take the snapshot
// first, then check the predicate, then WaitFrom(snapshot) — a Ready
// call that lands anywhere after the snapshot is taken is guaranteed to
// be observed, even if it arrives before WaitFrom itself is called.
func (g *Gate) Snapshot() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen
}

// WaitFrom blocks until the generation has advanced past gen, as
// previously captured by Snapshot.
func (g *Gate) WaitFrom(gen uint64) {
	g.mu.Lock()
	for gen == g.gen {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// Ready wakes every goroutine currently parked on the gate.
func (g *Gate) Ready() {
	g.mu.Lock()
	g.gen++
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Counter is a reference counter that broadcasts on every change, used to let a waiter
// block until a set of outstanding jobs has fully drained (the object
// cache's WaitForEmptyJobQueue and the idle-thread quiescence count).
// Adapted from the same "lock, count, wake" discipline as Gate.
type Counter struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int64
}

// NewCounter returns a zeroed Counter.
func NewCounter() *Counter {
	c := &Counter{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Add adjusts the counter by delta and wakes every waiter, since both
// WaitZero (wants 0) and WaitAtLeast (wants >= n) need to re-check their
// own predicate on every change, not just on reaching zero.
func (c *Counter) Add(delta int64) {
	c.mu.Lock()
	c.count += delta
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Load returns the current count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitZero blocks until the counter reaches zero.
func (c *Counter) WaitZero() {
	c.mu.Lock()
	for c.count != 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// WaitZeroOrPredicate blocks until the counter reaches zero or until pred
// returns true; pred is polled each time the condition variable wakes.
// Used by WaitForIdleWithTimeout's escalation path, which re-checks the
// ThreadSupervisor's own timeout deadline rather than the counter alone.
func (c *Counter) WaitZeroOrPredicate(pred func() bool) {
	c.mu.Lock()
	for c.count != 0 && !pred() {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// WaitAtLeast blocks until the counter reaches at least n. Used by
// WaitForThreadsToRun, which waits for every thread to have entered the
// dispatcher rather than for all of them to have left it.
func (c *Counter) WaitAtLeast(n int64) {
	c.mu.Lock()
	for c.count < n {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// Broadcast wakes every waiter without changing the count; used to force a
// re-check of an externally-changed predicate (e.g. a timeout firing).
func (c *Counter) Broadcast() {
	c.cond.Broadcast()
}
