package markstack

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// bucket is one row of the bucketed allocator: a contiguously allocated run
// of chunks. Buckets are allocated once and never moved or resized; growth
// appends a new, larger bucket.
type bucket struct {
	chunks []Chunk
}

// bucketAllocator is the "array of arrays" chunk allocator from spec.md §3:
// bucket 0 holds the first minCapacity chunks; bucket k>0 holds
// minCapacity*2^(k-1) further chunks. Index math:
//
//	bucket(idx) = floor(log2(idx)) - floor(log2(minCapacity)) + 1   (0 if idx < minCapacity)
//	offset(idx) = idx - 2^floor(log2(idx))
//
// Grounded on the "implemented as Vec<AtomicPtr<Bucket>>... buckets are
// allocated once and never moved" design note in spec.md §9.
type bucketAllocator struct {
	minCapacity int
	minLog2     int

	mu      sync.Mutex // guards appends to buckets; reads use the atomic snapshot below
	buckets atomic.Pointer[[]*bucket]

	// once guards lazily installing bucket 0 on first use.
	initOnce sync.Once
}

func newBucketAllocator(minCapacity int) *bucketAllocator {
	if minCapacity <= 0 || minCapacity&(minCapacity-1) != 0 {
		panic("markstack: minCapacity must be a positive power of two")
	}
	a := &bucketAllocator{
		minCapacity: minCapacity,
		minLog2:     bits.Len(uint(minCapacity)) - 1,
	}
	return a
}

func (a *bucketAllocator) ensureInit() {
	a.initOnce.Do(func() {
		b0 := &bucket{chunks: make([]Chunk, a.minCapacity)}
		bs := []*bucket{b0}
		a.buckets.Store(&bs)
	})
}

// bucketAndOffset computes which bucket holds logical index idx and the
// offset within that bucket, per the index math documented above.
func (a *bucketAllocator) bucketAndOffset(idx int) (bucketIdx, offset int) {
	if idx < a.minCapacity {
		return 0, idx
	}
	log2idx := bits.Len(uint(idx)) - 1
	bucketIdx = log2idx - a.minLog2 + 1
	offset = idx - (1 << log2idx)
	return bucketIdx, offset
}

// capacity returns the total number of chunks currently backed by
// allocated buckets.
func (a *bucketAllocator) capacity() int {
	a.ensureInit()
	bs := *a.buckets.Load()
	if len(bs) == 0 {
		return 0
	}
	total := a.minCapacity
	for k := 1; k < len(bs); k++ {
		total += a.minCapacity << (k - 1)
	}
	return total
}

// at returns a pointer to the chunk at logical index idx, growing the
// allocator (appending new buckets) as needed. Growth only ever appends;
// previously returned pointers remain valid for the allocator's lifetime.
func (a *bucketAllocator) at(idx int) *Chunk {
	a.ensureInit()
	bucketIdx, offset := a.bucketAndOffset(idx)

	for {
		bs := *a.buckets.Load()
		if bucketIdx < len(bs) {
			return &bs[bucketIdx].chunks[offset]
		}
		a.growTo(bucketIdx)
	}
}

// growTo appends buckets until bucketIdx exists. Intended to run only at
// safepoints (spec.md §4.2: "expand() STW only, stack empty"), but is
// internally safe to call from multiple goroutines because it serializes on
// mu and re-checks before appending.
func (a *bucketAllocator) growTo(bucketIdx int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bs := *a.buckets.Load()
	next := append([]*bucket{}, bs...)
	for len(next) <= bucketIdx {
		k := len(next)
		size := a.minCapacity << (k - 1)
		next = append(next, &bucket{chunks: make([]Chunk, size)})
	}
	a.buckets.Store(&next)
}
