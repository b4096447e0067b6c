package bufcache

import (
	"errors"
	"time"

	"github.com/miretskiy/bufcache/tick"
)

// config holds internal configuration
type config struct {
	Buffers              int // pool size (NBUF); fixed for the cache lifetime
	Buckets              int // lock partitions (NBUCKETS); a prime spreads hashes best
	BlockSize            int
	Clock                tick.Clock
	MissProfile          bool // classify misses as cold vs recycled
	BloomEstimatedBlocks int  // sizing hint for the miss-profile filter
	BloomFPRate          float64
}

// Option configures a Cache
type Option interface {
	apply(*config)
}

// funcOpt wraps a function as an Option
type funcOpt func(*config)

func (f funcOpt) apply(c *config) {
	f(c)
}

// WithBuffers sets the number of cache slots in the pool (default: 30).
// The pool never grows: if every slot is concurrently referenced, a miss
// panics with ErrNoBuffers.
func WithBuffers(n int) Option {
	return funcOpt(func(c *config) {
		c.Buffers = n
	})
}

// WithBuckets sets the number of lock-partitioned hash buckets
// (default: 13). Lookups for blocks hashing to different buckets never
// contend. Prefer a prime.
func WithBuckets(n int) Option {
	return funcOpt(func(c *config) {
		c.Buckets = n
	})
}

// WithBlockSize sets the size of each slot's content buffer in bytes
// (default: 4096). Every attached device must use the same block size.
func WithBlockSize(n int) Option {
	return funcOpt(func(c *config) {
		c.BlockSize = n
	})
}

// WithClock sets the tick source used to stamp last-release times
// (default: a wall clock with 1ms resolution). Tests typically install a
// *tick.Counter to force eviction order.
func WithClock(clk tick.Clock) Option {
	return funcOpt(func(c *config) {
		c.Clock = clk
	})
}

// WithMissProfile enables or disables cold/recycled miss classification
// (default: enabled). When enabled, every claimed (device, block) pair is
// added to a bloom filter; a later miss for a pair the filter recognizes
// counts as a recycled miss: a block the pool was too small to keep.
func WithMissProfile(enabled bool) Option {
	return funcOpt(func(c *config) {
		c.MissProfile = enabled
	})
}

// WithBloomEstimatedBlocks sets the expected number of distinct blocks for
// miss-profile filter sizing (default: 1M).
func WithBloomEstimatedBlocks(n int) Option {
	return funcOpt(func(c *config) {
		c.BloomEstimatedBlocks = n
	})
}

// Fatal conditions. These are delivered by panic, never as return values:
// they indicate caller bugs or an undersized pool, not runtime conditions
// the caller could handle. Test harnesses can errors.Is the recovered
// value.
var (
	// ErrNoBuffers means a miss found no slot with reference count zero
	// anywhere in the pool: every slot is concurrently held.
	ErrNoBuffers = errors.New("bufcache: no free buffers")

	// ErrNotLocked means Write or Release was called without holding the
	// buffer's content lock.
	ErrNotLocked = errors.New("bufcache: buffer content lock not held")

	// ErrRefUnderflow means Release or Unpin would drive a reference
	// count below zero.
	ErrRefUnderflow = errors.New("bufcache: reference count underflow")
)

// defaultConfig returns sensible defaults
func defaultConfig() config {
	return config{
		Buffers:              30,
		Buckets:              13, // prime
		BlockSize:            4096,
		Clock:                tick.NewWall(time.Millisecond),
		MissProfile:          true,
		BloomEstimatedBlocks: 1_000_000,
		BloomFPRate:          0.01,
	}
}
