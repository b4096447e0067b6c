// Package tick provides the monotonic tick sources used to stamp
// buffer-release times.
package tick

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonically non-decreasing tick counter. Reading it has no
// side effects. Tick granularity is up to the implementation; the cache
// only compares tick values for order.
type Clock interface {
	Now() uint64
}

// Wall derives ticks from elapsed wall-clock time at a fixed resolution.
type Wall struct {
	start time.Time
	res   time.Duration
}

// NewWall returns a Wall clock ticking once per res. A non-positive res
// defaults to one millisecond.
func NewWall(res time.Duration) *Wall {
	if res <= 0 {
		res = time.Millisecond
	}
	return &Wall{start: time.Now(), res: res}
}

func (w *Wall) Now() uint64 {
	return uint64(time.Since(w.start) / w.res)
}

// Counter is a manually advanced tick source. It is handy in tests, where
// eviction order must be forced deterministically, and for callers that
// already own a tick interrupt.
type Counter struct {
	n atomic.Uint64
}

func (c *Counter) Now() uint64 {
	return c.n.Load()
}

// Advance moves the counter forward by d ticks and returns the new value.
func (c *Counter) Advance(d uint64) uint64 {
	return c.n.Add(d)
}

// Set jumps the counter to n. Moving a Counter backwards breaks the
// monotonicity the cache relies on.
func (c *Counter) Set(n uint64) {
	c.n.Store(n)
}
