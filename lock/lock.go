// Package lock provides the two mutual-exclusion flavors the buffer cache
// is built on: a spin lock for short, bounded critical sections over list
// and refcount metadata, and a sleep lock that may be held across
// backing-store I/O.
package lock

import (
	"runtime"
	"sync/atomic"
)

// Spin is a non-blocking mutual-exclusion lock. Critical sections guarded
// by a Spin must be short and must never perform I/O or block; contenders
// yield the processor between acquisition attempts instead of parking.
//
// The zero value is an unlocked Spin.
type Spin struct {
	state atomic.Uint32
}

// Lock acquires the lock, spinning until it is available.
func (s *Spin) Lock() {
	for !s.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// TryLock acquires the lock if it is free and reports whether it did.
func (s *Spin) TryLock() bool {
	return s.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock. Unlocking a Spin that is not held is a caller
// bug and panics.
func (s *Spin) Unlock() {
	if s.state.Swap(0) != 1 {
		panic("lock: unlock of unlocked Spin")
	}
}

// Sleep is a blocking mutual-exclusion lock. Unlike Spin it is safe to
// hold across long operations: a goroutine waiting on a held Sleep parks
// on the runtime scheduler rather than burning cycles.
type Sleep struct {
	sem  chan struct{}
	held atomic.Bool
}

// NewSleep returns an unlocked Sleep.
func NewSleep() *Sleep {
	return &Sleep{sem: make(chan struct{}, 1)}
}

// Lock acquires the lock, parking the calling goroutine until the current
// holder releases it.
func (s *Sleep) Lock() {
	s.sem <- struct{}{}
	s.held.Store(true)
}

// Unlock releases the lock. Unlocking a Sleep that is not held panics.
func (s *Sleep) Unlock() {
	if !s.held.Load() {
		panic("lock: unlock of unlocked Sleep")
	}
	s.held.Store(false)
	<-s.sem
}

// Holding reports whether the lock is currently held. Goroutines have no
// identity, so this is the closest available rendering of "held by the
// caller"; it is used to enforce calling discipline, not for
// synchronization.
func (s *Sleep) Holding() bool {
	return s.held.Load()
}
