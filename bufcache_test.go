package bufcache

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/miretskiy/bufcache/disk"
	"github.com/miretskiy/bufcache/tick"
)

const testDev = 1

// newTestCache builds a cache over a fresh in-memory device registered as
// device 1, with a manually advanced clock for deterministic eviction.
func newTestCache(t *testing.T, buffers, buckets int) (*Cache, *tick.Counter) {
	t.Helper()

	clk := &tick.Counter{}
	devs := disk.NewRegistry()
	require.NoError(t, devs.Attach(testDev, disk.NewMem(512)))

	c, err := New(devs,
		WithBuffers(buffers),
		WithBuckets(buckets),
		WithBlockSize(512),
		WithClock(clk))
	require.NoError(t, err)
	return c, clk
}

func TestNew_Validation(t *testing.T) {
	devs := disk.NewRegistry()

	_, err := New(nil)
	require.Error(t, err)

	_, err = New(devs, WithBuffers(0))
	require.Error(t, err)

	_, err = New(devs, WithBuckets(0))
	require.Error(t, err)

	_, err = New(devs, WithBlockSize(-1))
	require.Error(t, err)

	_, err = New(devs, WithClock(nil))
	require.Error(t, err)
}

func TestReadWriteRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, 8, 3)

	b, err := c.Read(testDev, 7)
	require.NoError(t, err)
	require.True(t, b.Valid())
	require.EqualValues(t, testDev, b.Dev())
	require.EqualValues(t, 7, b.Blockno())

	copy(b.Data, "hello, block 7")
	require.NoError(t, c.Write(b))
	c.Release(b)

	b, err = c.Read(testDev, 7)
	require.NoError(t, err)
	require.Equal(t, "hello, block 7", string(b.Data[:14]))
	c.Release(b)
}

func TestRead_ResidentBlockIssuesNoIO(t *testing.T) {
	c, _ := newTestCache(t, 4, 2)

	b, err := c.Read(testDev, 3)
	require.NoError(t, err)
	c.Release(b)
	require.EqualValues(t, 1, c.Stats().DiskReads)

	// Still resident: the second read must be satisfied from the slot.
	b, err = c.Read(testDev, 3)
	require.NoError(t, err)
	c.Release(b)
	require.EqualValues(t, 1, c.Stats().DiskReads)
	require.EqualValues(t, 1, c.Stats().Hits)
}

func TestRead_UnknownDevice(t *testing.T) {
	c, _ := newTestCache(t, 4, 2)

	_, err := c.Read(99, 0)
	require.ErrorIs(t, err, disk.ErrUnknownDevice)

	// The failed read must have released its slot: with a 4-slot pool we
	// can still acquire 4 blocks.
	for blockno := uint64(0); blockno < 4; blockno++ {
		b := c.Get(testDev, blockno)
		defer c.Release(b)
	}
}

func TestGet_SameBlockSerializes(t *testing.T) {
	c, _ := newTestCache(t, 4, 2)

	first := c.Get(testDev, 42)

	var second *Buf
	done := make(chan struct{})
	go func() {
		second = c.Get(testDev, 42) // blocks on the content lock
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Get returned while first holder had the content lock")
	case <-time.After(50 * time.Millisecond):
	}

	c.Release(first)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Get did not wake after release")
	}

	require.Same(t, first, second, "concurrent Gets for one block must share a slot")
	c.Release(second)
}

func TestGet_EvictsLeastRecentlyReleased(t *testing.T) {
	// Single bucket so all three slots compete directly.
	c, clk := newTestCache(t, 3, 1)

	b0 := c.Get(testDev, 10)
	b1 := c.Get(testDev, 11)
	b2 := c.Get(testDev, 12)

	// Release out of acquisition order with distinct ticks: b1 oldest,
	// then b2, then b0.
	c.Release(b1)
	clk.Advance(1)
	c.Release(b2)
	clk.Advance(1)
	c.Release(b0)

	got := c.Get(testDev, 13)
	require.Same(t, b1, got, "victim must be the slot with the smallest last-release tick")
	require.False(t, got.Valid(), "reassigned slot must not be valid until loaded")
	c.Release(got)
}

func TestGet_TickTieBreaksByEncounterOrder(t *testing.T) {
	// Three slots released at the same tick: the scan runs bucket 0 then
	// bucket 1, and within a bucket front-to-back. All slots start in
	// bucket 0; the most recently released sits nearest its bucket head
	// only after relocation, so pin the layout with fresh blocks first.
	c, _ := newTestCache(t, 3, 2)

	b0 := c.Get(testDev, 0) // bucket (1+0)%2 = 1
	b1 := c.Get(testDev, 1) // bucket 0
	b2 := c.Get(testDev, 3) // bucket 0
	c.Release(b0)
	c.Release(b1)
	c.Release(b2)

	// All last-release ticks equal zero advance: first minimal
	// encountered wins, scanning bucket 0 before bucket 1.
	got := c.Get(testDev, 5) // misses; any bucket
	require.NotSame(t, b0, got, "a bucket-0 slot must win the tie")
	c.Release(got)
}

func TestGet_HeldSlotsAreNeverVictims(t *testing.T) {
	c, _ := newTestCache(t, 2, 2)

	held0 := c.Get(testDev, 0)
	held1 := c.Get(testDev, 1)

	require.PanicsWithValue(t, ErrNoBuffers, func() {
		c.Get(testDev, 2)
	}, "a miss with every slot referenced must be fatal, not evict a held slot")

	// Both holders are untouched by the failed miss.
	require.EqualValues(t, 0, held0.Blockno())
	require.EqualValues(t, 1, held1.Blockno())

	c.Release(held0)
	b := c.Get(testDev, 2)
	require.Same(t, held0, b, "the released slot becomes the next victim")
	c.Release(b)
	c.Release(held1)
}

func TestEndToEnd_EvictionThenExhaustion(t *testing.T) {
	// Pool of 4 slots over 2 buckets, per the contract: hold 4 blocks,
	// release one, a 5th request reuses it; with all 4 held again a 6th
	// request is fatal.
	c, clk := newTestCache(t, 4, 2)

	var held []*Buf
	for blockno := uint64(0); blockno < 4; blockno++ {
		b, err := c.Read(testDev, blockno)
		require.NoError(t, err)
		held = append(held, b)
	}

	clk.Advance(1)
	c.Release(held[2])

	fifth, err := c.Read(testDev, 100)
	require.NoError(t, err)
	require.Same(t, held[2], fifth, "the only unreferenced slot must be the victim")
	require.EqualValues(t, 100, fifth.Blockno())

	require.PanicsWithValue(t, ErrNoBuffers, func() {
		c.Get(testDev, 200)
	})

	for _, b := range []*Buf{held[0], held[1], held[3], fifth} {
		c.Release(b)
	}
}

func TestWrite_WithoutContentLockPanics(t *testing.T) {
	c, _ := newTestCache(t, 4, 2)

	b := c.Get(testDev, 1)
	c.Release(b)

	require.PanicsWithValue(t, ErrNotLocked, func() {
		_ = c.Write(b)
	})
}

func TestRelease_WithoutContentLockPanics(t *testing.T) {
	c, _ := newTestCache(t, 4, 2)

	b := c.Get(testDev, 1)
	c.Release(b)

	require.PanicsWithValue(t, ErrNotLocked, func() {
		c.Release(b)
	})
}

func TestRelease_RefcountUnderflowPanics(t *testing.T) {
	c, _ := newTestCache(t, 4, 2)

	b := c.Get(testDev, 1)
	c.Unpin(b) // strips the Get reference while we still hold the lock

	require.PanicsWithValue(t, ErrRefUnderflow, func() {
		c.Release(b)
	})
}

func TestUnpin_UnderflowPanics(t *testing.T) {
	c, _ := newTestCache(t, 4, 2)

	b := c.Get(testDev, 1)
	c.Release(b)

	require.PanicsWithValue(t, ErrRefUnderflow, func() {
		c.Unpin(b)
	})
}

func TestPin_KeepsSlotResidentAcrossEvictions(t *testing.T) {
	c, clk := newTestCache(t, 2, 1)

	b, err := c.Read(testDev, 7)
	require.NoError(t, err)
	c.Pin(b)
	c.Release(b) // refcount drops to the pin's 1

	// Churn enough distinct blocks through the pool to recycle every
	// unreferenced slot several times over.
	for blockno := uint64(100); blockno < 110; blockno++ {
		clk.Advance(1)
		v, err := c.Read(testDev, blockno)
		require.NoError(t, err)
		c.Release(v)
	}

	reads := c.Stats().DiskReads
	again, err := c.Read(testDev, 7)
	require.NoError(t, err)
	require.Same(t, b, again, "pinned slot must have survived the churn")
	require.Equal(t, reads, c.Stats().DiskReads, "resident hit must not touch the device")
	c.Release(again)

	// Once unpinned the slot is an ordinary eviction candidate again.
	c.Unpin(b)
	clk.Advance(1)
	v, err := c.Read(testDev, 300)
	require.NoError(t, err)
	c.Release(v)
	v2, err := c.Read(testDev, 301)
	require.NoError(t, err)
	c.Release(v2)

	require.Greater(t, c.Stats().DiskReads, reads)
}

func TestStats_ColdVersusRecycledMisses(t *testing.T) {
	c, clk := newTestCache(t, 2, 1)

	b, err := c.Read(testDev, 1)
	require.NoError(t, err)
	c.Release(b)
	require.EqualValues(t, 1, c.Stats().ColdMisses)
	require.EqualValues(t, 0, c.Stats().RecycledMisses)

	// Push block 1 out of the pool, then fault it back in.
	for blockno := uint64(50); blockno < 54; blockno++ {
		clk.Advance(1)
		v, err := c.Read(testDev, blockno)
		require.NoError(t, err)
		c.Release(v)
	}
	clk.Advance(1)

	b, err = c.Read(testDev, 1)
	require.NoError(t, err)
	c.Release(b)

	st := c.Stats()
	require.EqualValues(t, 1, st.RecycledMisses, "re-faulting an evicted block is a capacity miss")
	require.Equal(t, st.Misses, st.ColdMisses+st.RecycledMisses)
	require.EqualValues(t, st.Misses, st.Evictions)
}

func TestStats_MissProfileDisabled(t *testing.T) {
	devs := disk.NewRegistry()
	require.NoError(t, devs.Attach(testDev, disk.NewMem(512)))

	c, err := New(devs, WithBlockSize(512), WithMissProfile(false))
	require.NoError(t, err)

	b, err := c.Read(testDev, 1)
	require.NoError(t, err)
	c.Release(b)

	st := c.Stats()
	require.EqualValues(t, 1, st.Misses)
	require.Zero(t, st.ColdMisses)
	require.Zero(t, st.RecycledMisses)
}

// TestConcurrentReaders hammers a working set that fits in the pool from
// many goroutines and checks that every reader observes the content its
// writer stored: one block's bytes never bleed into another's slot.
func TestConcurrentReaders(t *testing.T) {
	const (
		workers   = 16
		iters     = 200
		workingSt = 24
	)

	c, _ := newTestCache(t, 32, 13)

	// Seed every block with a recognizable pattern.
	for blockno := uint64(0); blockno < workingSt; blockno++ {
		b := c.Get(testDev, blockno)
		binary.LittleEndian.PutUint64(b.Data, blockno)
		b.valid = true
		require.NoError(t, c.Write(b))
		c.Release(b)
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		seed := uint64(w)
		g.Go(func() error {
			for i := 0; i < iters; i++ {
				blockno := (seed + uint64(i)*7) % workingSt
				b, err := c.Read(testDev, blockno)
				if err != nil {
					return err
				}
				got := binary.LittleEndian.Uint64(b.Data)
				c.Release(b)
				if got != blockno {
					t.Errorf("block %d: read stale content %d", blockno, got)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

// TestConcurrentMissStorm drives a working set larger than the pool so
// every goroutine constantly faults blocks in and out, exercising the
// allocation lock, the double-check, and cross-bucket relocation.
func TestConcurrentMissStorm(t *testing.T) {
	const (
		workers   = 8
		iters     = 300
		workingSt = 64 // pool is 8: roughly 8x over-committed
	)

	c, _ := newTestCache(t, 8, 3)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		seed := uint64(w * 31)
		g.Go(func() error {
			for i := 0; i < iters; i++ {
				blockno := (seed + uint64(i)) % workingSt
				b, err := c.Read(testDev, blockno)
				if err != nil {
					return err
				}
				if b.Blockno() != blockno || b.Dev() != testDev {
					t.Errorf("got slot (%d,%d), want (%d,%d)", b.Dev(), b.Blockno(), uint64(testDev), blockno)
				}
				c.Release(b)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st := c.Stats()
	require.Positive(t, st.Evictions)
	require.Equal(t, st.Misses, st.Evictions)
}

// TestConcurrentSameBlockMisses races many goroutines at a single absent
// block: exactly one of them may perform the eviction and load, the rest
// must converge on the same slot via the fast path or the double check.
func TestConcurrentSameBlockMisses(t *testing.T) {
	c, _ := newTestCache(t, 4, 2)

	const workers = 12
	var (
		mu    sync.Mutex
		slots = make(map[*Buf]struct{})
	)

	var g errgroup.Group
	start := make(chan struct{})
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			<-start
			b, err := c.Read(testDev, 777)
			if err != nil {
				return err
			}
			mu.Lock()
			slots[b] = struct{}{}
			mu.Unlock()
			c.Release(b)
			return nil
		})
	}
	close(start)
	require.NoError(t, g.Wait())

	require.Len(t, slots, 1, "all racers must resolve to one slot")
	require.EqualValues(t, 1, c.Stats().DiskReads, "only the miss winner loads from the device")
	require.EqualValues(t, 1, c.Stats().Misses)
}

func TestHitRatio(t *testing.T) {
	var st Stats
	require.Zero(t, st.HitRatio())

	st = Stats{Hits: 6, RecheckHits: 1, Misses: 3}
	require.InDelta(t, 0.7, st.HitRatio(), 1e-9)
}
