// Package bufcache is a fixed-pool cache of backing-store blocks shared
// by many goroutines. It reduces device I/O and serializes access to
// blocks used by multiple callers.
//
// The pool is partitioned into independently spin-locked hash buckets so
// lookups on unrelated blocks never contend. A miss takes a single global
// allocation lock, re-checks the target bucket (another goroutine may
// have completed the identical miss first), and otherwise evicts the
// least-recently-released unreferenced slot anywhere in the pool.
//
// Interface:
//   - Get returns the slot for a block with its content lock held.
//   - Read is Get plus a synchronous load when the slot is not yet valid.
//   - Write stores a locked slot's contents to its device.
//   - Release must be called exactly once per successful Get/Read; do not
//     touch the slot afterward.
//   - Pin/Unpin keep a slot resident without holding its content lock.
//
// Pool exhaustion and calling-discipline violations are caller bugs or
// sizing failures, not runtime conditions: they panic (ErrNoBuffers,
// ErrNotLocked, ErrRefUnderflow) rather than returning errors.
package bufcache

import (
	"fmt"

	"github.com/miretskiy/bufcache/disk"
	"github.com/miretskiy/bufcache/lock"
	"github.com/miretskiy/bufcache/tick"
)

// Cache is a fixed pool of block buffers. Construct one at startup with
// New and share it by reference; there is no teardown or re-initialization
// path.
type Cache struct {
	cfg   config
	devs  *disk.Registry
	clock tick.Clock
	stats *stats

	// allocMu serializes the miss/eviction path across all buckets. It is
	// always acquired before any bucket lock on the slow path; content
	// locks are never acquired while allocMu or a bucket lock is held.
	allocMu lock.Spin

	bufs    []Buf
	buckets []bucket
	links   []link // len(bufs) slot nodes followed by len(buckets) sentinels
}

// New constructs a cache over the given device registry. The slot pool
// and bucket table are fixed for the cache's lifetime.
func New(devs *disk.Registry, opts ...Option) (*Cache, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	switch {
	case devs == nil:
		return nil, fmt.Errorf("bufcache: nil device registry")
	case cfg.Buffers < 1:
		return nil, fmt.Errorf("bufcache: need at least one buffer, got %d", cfg.Buffers)
	case cfg.Buckets < 1:
		return nil, fmt.Errorf("bufcache: need at least one bucket, got %d", cfg.Buckets)
	case cfg.BlockSize < 1:
		return nil, fmt.Errorf("bufcache: invalid block size %d", cfg.BlockSize)
	case cfg.Clock == nil:
		return nil, fmt.Errorf("bufcache: nil clock")
	}

	c := &Cache{
		cfg:     cfg,
		devs:    devs,
		clock:   cfg.Clock,
		stats:   newStats(cfg),
		bufs:    make([]Buf, cfg.Buffers),
		buckets: make([]bucket, cfg.Buckets),
		links:   make([]link, cfg.Buffers+cfg.Buckets),
	}

	for h := range c.buckets {
		s := c.sentinel(h)
		c.links[s] = link{prev: s, next: s}
	}

	// One contiguous slab for all content buffers; each slot gets a
	// capacity-capped window. All slots start unreferenced, unassigned,
	// and on bucket 0's list.
	slab := make([]byte, cfg.Buffers*cfg.BlockSize)
	for i := range c.bufs {
		b := &c.bufs[i]
		b.lk = lock.NewSleep()
		b.Data = slab[i*cfg.BlockSize : (i+1)*cfg.BlockSize : (i+1)*cfg.BlockSize]
		c.pushFront(0, int32(i))
	}

	log.Info("buffer cache initialized",
		"buffers", cfg.Buffers,
		"buckets", cfg.Buckets,
		"block_size", cfg.BlockSize,
		"pool_bytes", len(slab))

	return c, nil
}

// BlockSize returns the fixed content-buffer size of every slot.
func (c *Cache) BlockSize() int { return c.cfg.BlockSize }

// Buffers returns the fixed size of the slot pool.
func (c *Cache) Buffers() int { return c.cfg.Buffers }

// bucketOf maps a block identity to its home bucket.
func (c *Cache) bucketOf(dev, blockno uint64) int {
	return int((dev + blockno) % uint64(len(c.buckets)))
}

// Get returns the slot caching (dev, blockno), with its content lock held
// and its reference count incremented. The caller must call Release
// exactly once when done. Get performs no device I/O: on a miss the
// returned slot is reassigned but not valid; use Read to also load it.
//
// Panics with ErrNoBuffers if every slot in the pool is concurrently
// referenced.
func (c *Cache) Get(dev, blockno uint64) *Buf {
	h := c.bucketOf(dev, blockno)
	bkt := &c.buckets[h]

	// Fast path: hit in the home bucket. No global state is touched, so
	// hits on different buckets fully parallelize.
	bkt.mu.Lock()
	if b := c.scan(h, dev, blockno); b != nil {
		b.refcnt++
		bkt.mu.Unlock()
		c.stats.hits.Add(1)
		b.lk.Lock()
		return b
	}
	bkt.mu.Unlock()

	// Slow path: serialize with every other miss, then re-scan. The
	// identical miss may have completed while we waited for allocMu; if
	// so this is an ordinary hit.
	c.allocMu.Lock()
	bkt.mu.Lock()
	if b := c.scan(h, dev, blockno); b != nil {
		b.refcnt++
		bkt.mu.Unlock()
		c.allocMu.Unlock()
		c.stats.recheckHits.Add(1)
		b.lk.Lock()
		return b
	}

	c.stats.classifyMiss(dev, blockno)
	b := c.evict(h)

	b.dev = dev
	b.blockno = blockno
	b.valid = false
	b.refcnt = 1
	c.stats.evictions.Add(1)

	bkt.mu.Unlock()
	c.allocMu.Unlock()
	b.lk.Lock()
	return b
}

// evict chooses the victim for a miss targeting bucket target, unlinks it
// from its current bucket, and relinks it at the head of the target
// bucket. The victim is the slot with reference count zero and the
// smallest last-release tick anywhere in the pool; ties go to the
// earlier-scanned bucket. The target's own members compete like any
// others; there is no home-bucket preference.
//
// Caller holds allocMu and the target bucket's lock; both stay held.
// While scanning, the lock of the bucket holding the current best
// candidate is kept so a concurrent fast-path hit cannot re-reference the
// candidate behind our back; it is released as soon as a better candidate
// appears elsewhere. Buckets are scanned in index order and only this
// goroutine (under allocMu) ever holds more than one bucket lock, so the
// acquisition order cannot deadlock against single-lock fast paths.
func (c *Cache) evict(target int) *Buf {
	var (
		victim  int32 = -1
		best    uint64
		heldBkt = -1 // foreign bucket whose lock we kept; -1 if victim is in target
	)

	for h := range c.buckets {
		foreign := h != target
		if foreign {
			c.buckets[h].mu.Lock()
		}

		improved := false
		s := c.sentinel(h)
		for i := c.links[s].next; i != s; i = c.links[i].next {
			b := &c.bufs[i]
			if b.refcnt == 0 && (victim == -1 || b.lastRelease < best) {
				victim = i
				best = b.lastRelease
				improved = true
			}
		}

		if improved {
			if heldBkt != -1 {
				c.buckets[heldBkt].mu.Unlock()
				heldBkt = -1
			}
			if foreign {
				heldBkt = h
			}
		} else if foreign {
			c.buckets[h].mu.Unlock()
		}
	}

	if victim == -1 {
		// Every slot is concurrently referenced: the pool is undersized
		// for the working set. Unrecoverable. Unlock so a recovering test
		// harness does not wedge unrelated goroutines on dead locks.
		log.Error("buffer pool exhausted", "buffers", len(c.bufs), "buckets", len(c.buckets))
		c.buckets[target].mu.Unlock()
		c.allocMu.Unlock()
		panic(ErrNoBuffers)
	}

	b := &c.bufs[victim]
	c.unlink(victim)
	if heldBkt != -1 {
		// The victim's old bucket lock was needed only for the unlink.
		c.buckets[heldBkt].mu.Unlock()
	}
	c.pushFront(target, victim)
	return b
}

// Read returns the locked slot for (dev, blockno), loading its contents
// from the backing device if the slot is not yet valid. A device error is
// returned verbatim (wrapped), with the slot already released; the cache
// never retries.
func (c *Cache) Read(dev, blockno uint64) (*Buf, error) {
	b := c.Get(dev, blockno)
	if !b.valid {
		d, ok := c.devs.Lookup(dev)
		if !ok {
			c.Release(b)
			return nil, fmt.Errorf("bufcache: read (%d, %d): %w", dev, blockno, disk.ErrUnknownDevice)
		}
		if err := d.ReadBlock(blockno, b.Data); err != nil {
			c.Release(b)
			return nil, fmt.Errorf("bufcache: read (%d, %d): %w", dev, blockno, err)
		}
		c.stats.reads.Add(1)
		b.valid = true
	}
	return b, nil
}

// Write stores b's contents to its backing device. The caller must hold
// b's content lock (panics with ErrNotLocked otherwise). Device errors
// are returned verbatim; the slot remains locked and held by the caller.
func (c *Cache) Write(b *Buf) error {
	if !b.lk.Holding() {
		panic(ErrNotLocked)
	}
	d, ok := c.devs.Lookup(b.dev)
	if !ok {
		return fmt.Errorf("bufcache: write (%d, %d): %w", b.dev, b.blockno, disk.ErrUnknownDevice)
	}
	if err := d.WriteBlock(b.blockno, b.Data); err != nil {
		return fmt.Errorf("bufcache: write (%d, %d): %w", b.dev, b.blockno, err)
	}
	c.stats.writes.Add(1)
	return nil
}

// Release unlocks b's content lock and drops the reference taken by Get
// or Read, stamping the last-release tick when the count reaches zero.
// The caller must hold the content lock (panics with ErrNotLocked) and
// must not touch b afterward. An unmatched Release panics with
// ErrRefUnderflow.
func (c *Cache) Release(b *Buf) {
	if !b.lk.Holding() {
		panic(ErrNotLocked)
	}
	b.lk.Unlock()

	// Recompute the bucket from the slot's present identity: the slot may
	// have been rehomed since the caller's Get. Our reference keeps the
	// identity stable until the decrement below.
	bkt := &c.buckets[c.bucketOf(b.dev, b.blockno)]
	bkt.mu.Lock()
	if b.refcnt <= 0 {
		bkt.mu.Unlock()
		panic(ErrRefUnderflow)
	}
	b.refcnt--
	if b.refcnt == 0 {
		b.lastRelease = c.clock.Now()
	}
	bkt.mu.Unlock()
}

// Pin takes an additional reference on b, keeping it off the eviction
// path without holding its content lock. Callers pair every Pin with one
// Unpin.
func (c *Cache) Pin(b *Buf) {
	bkt := &c.buckets[c.bucketOf(b.dev, b.blockno)]
	bkt.mu.Lock()
	b.refcnt++
	bkt.mu.Unlock()
}

// Unpin drops a reference taken by Pin. Panics with ErrRefUnderflow if no
// reference is outstanding.
func (c *Cache) Unpin(b *Buf) {
	bkt := &c.buckets[c.bucketOf(b.dev, b.blockno)]
	bkt.mu.Lock()
	if b.refcnt <= 0 {
		bkt.mu.Unlock()
		panic(ErrRefUnderflow)
	}
	b.refcnt--
	bkt.mu.Unlock()
}
