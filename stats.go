package bufcache

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
)

// stats holds the cache's internal counters. All counters are atomics and
// safe to bump from any path; the bloom filter is written only under the
// allocation lock (claims and miss classification both happen there).
type stats struct {
	hits        atomic.Uint64 // fast-path bucket hits
	recheckHits atomic.Uint64 // hits found by the slow-path double check
	misses      atomic.Uint64 // misses that went through eviction
	cold        atomic.Uint64 // misses for blocks never cached before
	recycled    atomic.Uint64 // misses for blocks cached earlier and evicted
	evictions   atomic.Uint64 // victims relocated and reassigned
	reads       atomic.Uint64 // backing-store block loads
	writes      atomic.Uint64 // backing-store block stores

	seen *bloom.BloomFilter // nil when miss profiling is disabled
}

func newStats(cfg config) *stats {
	s := &stats{}
	if cfg.MissProfile {
		s.seen = bloom.NewWithEstimates(uint(cfg.BloomEstimatedBlocks), cfg.BloomFPRate)
	}
	return s
}

// classifyMiss records a miss for (dev, blockno) as cold or recycled and
// marks the pair as seen. Caller must hold the allocation lock.
func (s *stats) classifyMiss(dev, blockno uint64) {
	s.misses.Add(1)
	if s.seen == nil {
		return
	}
	var key [16]byte
	binary.LittleEndian.PutUint64(key[:8], dev)
	binary.LittleEndian.PutUint64(key[8:], blockno)
	if s.seen.Test(key[:]) {
		// Bloom false positives overcount recycled misses by at most the
		// configured FP rate; fine for a profiling counter.
		s.recycled.Add(1)
	} else {
		s.cold.Add(1)
	}
	s.seen.Add(key[:])
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits           uint64 // fast-path hits
	RecheckHits    uint64 // slow-path double-check hits (lost the miss race)
	Misses         uint64 // misses that performed an eviction
	ColdMisses     uint64 // misses for never-before-seen blocks
	RecycledMisses uint64 // misses for blocks evicted earlier (capacity misses)
	Evictions      uint64
	DiskReads      uint64
	DiskWrites     uint64
}

// HitRatio returns hits (fast-path plus double-check) over all lookups,
// or zero before any traffic.
func (st Stats) HitRatio() float64 {
	total := st.Hits + st.RecheckHits + st.Misses
	if total == 0 {
		return 0
	}
	return float64(st.Hits+st.RecheckHits) / float64(total)
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:           c.stats.hits.Load(),
		RecheckHits:    c.stats.recheckHits.Load(),
		Misses:         c.stats.misses.Load(),
		ColdMisses:     c.stats.cold.Load(),
		RecycledMisses: c.stats.recycled.Load(),
		Evictions:      c.stats.evictions.Load(),
		DiskReads:      c.stats.reads.Load(),
		DiskWrites:     c.stats.writes.Load(),
	}
}
