package bufcache

import (
	"github.com/miretskiy/bufcache/lock"
)

// Buf is one cache slot: an in-memory copy of a single fixed-size block
// on a backing device. Between a successful Get/Read and the matching
// Release the calling goroutine holds the slot's content lock and is the
// sole user of Data.
//
// Slots are created once at cache construction and recycled forever; the
// eviction path rewrites the identity fields in place.
type Buf struct {
	// Identity and state, guarded by the slot's current bucket lock.
	// dev and blockno are stable while the holder's refcount keeps the
	// slot off the eviction path.
	dev         uint64
	blockno     uint64
	valid       bool
	refcnt      int32
	lastRelease uint64 // tick of the last drop to refcount zero

	lk *lock.Sleep // content lock; held across backing-store I/O

	// Data is the slot's content buffer. Read or modify it only while
	// holding the content lock (i.e. between Get/Read and Release).
	Data []byte
}

// Dev returns the device ID the slot is currently assigned to.
func (b *Buf) Dev() uint64 { return b.dev }

// Blockno returns the block number the slot is currently assigned to.
func (b *Buf) Blockno() uint64 { return b.blockno }

// Valid reports whether Data holds the block's contents. False after an
// eviction reassigns the slot, until the next Read loads it.
func (b *Buf) Valid() bool { return b.valid }

// bucket is one lock partition of the slot pool. The spin lock guards the
// bucket's list linkage and the metadata of every slot on it.
type bucket struct {
	mu lock.Spin
}

// link is one node of the intrusive circular lists threading slots onto
// buckets. Links are stored as slot indices in an arena on the Cache
// rather than as pointers inside Buf: links[i] for slot i, and one
// sentinel node per bucket after the slot range.
type link struct {
	prev, next int32
}

// sentinel returns the arena index of bucket h's sentinel node.
func (c *Cache) sentinel(h int) int32 {
	return int32(len(c.bufs) + h)
}

// unlink removes slot i from whatever bucket list it is on. Caller holds
// that bucket's lock.
func (c *Cache) unlink(i int32) {
	l := c.links[i]
	c.links[l.prev].next = l.next
	c.links[l.next].prev = l.prev
}

// pushFront inserts slot i at the head of bucket h's list. Caller holds
// bucket h's lock.
func (c *Cache) pushFront(h int, i int32) {
	s := c.sentinel(h)
	n := c.links[s].next
	c.links[i] = link{prev: s, next: n}
	c.links[s].next = i
	c.links[n].prev = i
}

// scan walks bucket h looking for (dev, blockno). Caller holds bucket h's
// lock. Identity alone decides a hit: a slot claimed by a concurrent miss
// but not yet loaded (valid still false) must be found here, so the
// laggard blocks on the content lock instead of double-allocating.
func (c *Cache) scan(h int, dev, blockno uint64) *Buf {
	s := c.sentinel(h)
	for i := c.links[s].next; i != s; i = c.links[i].next {
		b := &c.bufs[i]
		if b.dev == dev && b.blockno == blockno {
			return b
		}
	}
	return nil
}
