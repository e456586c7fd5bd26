// Package statscache implements the per-region mark statistics and the
// small per-worker write-combining cache in front of them described in
// spec.md §4.4: accumulate live_words/incoming_refs locally, flush to the
// shared per-region counters only on eviction or an explicit drain.
//
// Grounded on the cache-line-padded semaphore table
// (semtable [semTabSize]struct{ root semaRoot; pad [...]byte }) in
// CongLeSolutionX-go_community/src/runtime/internal/sem/sema.go: the same
// "pad the direct-mapped slot to a cache line" idiom, here realized with
// golang.org/x/sys/cpu.CacheLinePad instead of a hand-computed byte array.
package statscache

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// RegionStats is the global, shared per-region statistic: live_words is the
// sum over objects marked in the region below TAMS of their word size;
// incoming_refs counts cross-region references discovered into the region.
type RegionStats struct {
	LiveWords    atomic.Int64
	IncomingRefs atomic.Int64
}

// Global holds one RegionStats per region.
type Global struct {
	regions []RegionStats
}

// NewGlobal allocates global stats for numRegions regions.
func NewGlobal(numRegions int) *Global {
	return &Global{regions: make([]RegionStats, numRegions)}
}

// LiveWords returns the live word count accumulated so far for region idx.
func (g *Global) LiveWords(idx int) int64 { return g.regions[idx].LiveWords.Load() }

// LiveBytes returns LiveWords(idx) * wordSize.
func (g *Global) LiveBytes(idx int, wordSize uintptr) uintptr {
	return uintptr(g.regions[idx].LiveWords.Load()) * wordSize
}

// IncomingRefs returns the incoming cross-region reference count for idx.
func (g *Global) IncomingRefs(idx int) int64 { return g.regions[idx].IncomingRefs.Load() }

// Reset zeroes every region's counters. Callers must ensure no cache holds
// buffered deltas first (FlushAll every worker cache), matching the
// "flushing an empty stats cache is a no-op" / "reset is idempotent"
// testable properties of spec.md §8.
func (g *Global) Reset() {
	for i := range g.regions {
		g.regions[i].LiveWords.Store(0)
		g.regions[i].IncomingRefs.Store(0)
	}
}

// AddLive applies a liveness/incoming-ref delta directly to the shared
// counters, bypassing any per-worker cache. Used when the caller has no
// worker-local cache to buffer through (e.g. an external mark call not
// attributed to a specific task).
func (g *Global) AddLive(regionIdx int, liveWordsDelta, incomingRefsDelta int64) {
	g.flush(regionIdx, liveWordsDelta, incomingRefsDelta)
}

func (g *Global) flush(regionIdx int, liveWordsDelta, incomingRefsDelta int64) {
	if regionIdx < 0 {
		return
	}
	if liveWordsDelta != 0 {
		g.regions[regionIdx].LiveWords.Add(liveWordsDelta)
	}
	if incomingRefsDelta != 0 {
		g.regions[regionIdx].IncomingRefs.Add(incomingRefsDelta)
	}
}

type cacheEntry struct {
	regionIdx         int
	liveWordsDelta    int64
	incomingRefsDelta int64
	_                 cpu.CacheLinePad // keep adjacent direct-mapped slots on separate cache lines
}

// Cache is a per-worker, direct-mapped, fixed-size cache of pending region
// stat deltas in front of a shared Global. Indexed by region_idx mod N.
type Cache struct {
	global  *Global
	entries []cacheEntry
	hits    int64
	misses  int64
}

// NewCache creates a cache of the given size in front of global.
func NewCache(global *Global, size int) *Cache {
	if size < 1 {
		size = 1
	}
	c := &Cache{global: global, entries: make([]cacheEntry, size)}
	for i := range c.entries {
		c.entries[i].regionIdx = -1
	}
	return c
}

// AddToLiveness accumulates words of live data for regionIdx, evicting and
// flushing whichever entry currently occupies that slot if it belongs to a
// different region.
func (c *Cache) AddToLiveness(regionIdx int, words int64) {
	c.access(regionIdx, words, 0)
}

// AddIncomingRef accumulates one cross-region incoming reference for
// regionIdx.
func (c *Cache) AddIncomingRef(regionIdx int) {
	c.access(regionIdx, 0, 1)
}

func (c *Cache) access(regionIdx int, liveWordsDelta, incomingRefsDelta int64) {
	slot := regionIdx % len(c.entries)
	e := &c.entries[slot]
	if e.regionIdx == regionIdx {
		e.liveWordsDelta += liveWordsDelta
		e.incomingRefsDelta += incomingRefsDelta
		c.hits++
		return
	}
	c.misses++
	if e.regionIdx >= 0 {
		c.global.flush(e.regionIdx, e.liveWordsDelta, e.incomingRefsDelta)
	}
	e.regionIdx = regionIdx
	e.liveWordsDelta = liveWordsDelta
	e.incomingRefsDelta = incomingRefsDelta
}

// FlushAll drains every occupied entry into the global stats and resets the
// cache to empty. Flushing an already-empty cache is a no-op.
func (c *Cache) FlushAll() {
	for i := range c.entries {
		e := &c.entries[i]
		if e.regionIdx < 0 {
			continue
		}
		c.global.flush(e.regionIdx, e.liveWordsDelta, e.incomingRefsDelta)
		e.regionIdx = -1
		e.liveWordsDelta = 0
		e.incomingRefsDelta = 0
	}
}

// Report returns the cumulative hit/miss counts since the cache was
// created (or since stats were last reset by the caller, if it chooses to
// track a baseline).
func (c *Cache) Report() (hits, misses int64) { return c.hits, c.misses }
