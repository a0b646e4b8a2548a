// Package gate coordinates request handlers with process shutdown.
package gate

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// capacity bounds concurrent holders; far above any realistic handler count.
const capacity = 1 << 30

// Gate is a reader/writer coordinator. Every request handler holds a shared
// slot for its duration; Shutdown takes the whole capacity, which drains
// in-flight handlers before it returns. Once Shutdown has been called no new
// handler may enter, whether or not the drain completed in time.
type Gate struct {
	sem    *semaphore.Weighted
	closed atomic.Bool
}

// New returns an open gate.
func New() *Gate {
	return &Gate{sem: semaphore.NewWeighted(capacity)}
}

// Enter takes a shared slot. It reports false once shutdown has begun, or
// while a pending Shutdown is queued behind current holders.
func (g *Gate) Enter() bool {
	if g.closed.Load() {
		return false
	}
	return g.sem.TryAcquire(1)
}

// Leave releases a slot taken by Enter.
func (g *Gate) Leave() {
	g.sem.Release(1)
}

// Shutdown closes the gate and waits up to timeout for in-flight holders to
// leave. It reports whether the drain completed; on timeout the caller
// proceeds anyway and stragglers finish against a closed gate.
func (g *Gate) Shutdown(timeout time.Duration) bool {
	g.closed.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := g.sem.Acquire(ctx, capacity); err != nil {
		return false
	}
	g.sem.Release(capacity)
	return true
}
