// Package bitmap implements the one-bit-per-heap-granule concurrent mark
// bitmap: atomic set with a 0→1 transition report, lock-free reads, and a
// parallel, yield-aware clear.
package bitmap

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"

	"concmark/heap"
)

const bitsPerWord = 64

// MarkBitmap is a concurrent bitmap covering [heapBase, heapEnd) at a
// granule of granule bytes per bit. Setting a bit is an atomic word CAS-OR;
// TryMark reports the 0→1 transition so that exactly one caller observes
// true for any given address, even under concurrent attempts.
type MarkBitmap struct {
	heapBase heap.Addr
	granule  uintptr
	words    []atomic.Uint64
}

// New allocates a bitmap sized for [heapBase, heapEnd) at the given granule
// (typically 8 bytes, per spec.md §3).
func New(heapBase, heapEnd heap.Addr, granule uintptr) *MarkBitmap {
	if granule == 0 {
		panic("bitmap: granule must be non-zero")
	}
	span := uintptr(heapEnd - heapBase)
	nbits := (span + uintptr(granule) - 1) / uintptr(granule)
	nwords := (nbits + bitsPerWord - 1) / bitsPerWord
	if nwords == 0 {
		nwords = 1
	}
	return &MarkBitmap{
		heapBase: heapBase,
		granule:  granule,
		words:    make([]atomic.Uint64, nwords),
	}
}

func (b *MarkBitmap) bitIndex(addr heap.Addr) uint64 {
	if addr < b.heapBase {
		panic("bitmap: address below heap base")
	}
	return uint64(uintptr(addr-b.heapBase) / b.granule)
}

// TryMark atomically sets the bit for addr and reports whether this call
// performed the 0→1 transition.
func (b *MarkBitmap) TryMark(addr heap.Addr) bool {
	bit := b.bitIndex(addr)
	w := &b.words[bit/bitsPerWord]
	mask := uint64(1) << (bit % bitsPerWord)
	for {
		old := w.Load()
		if old&mask != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

// IsMarked reports whether the bit for addr is set.
func (b *MarkBitmap) IsMarked(addr heap.Addr) bool {
	bit := b.bitIndex(addr)
	w := &b.words[bit/bitsPerWord]
	mask := uint64(1) << (bit % bitsPerWord)
	return w.Load()&mask != 0
}

// ClearRange zeroes the bits covering [start, end). Not safe to call
// concurrently with marking; use only at a safepoint, or use ParallelClear
// for the concurrency-safe, yield-aware variant.
func (b *MarkBitmap) ClearRange(start, end heap.Addr) {
	if end <= start {
		return
	}
	first := b.bitIndex(start)
	last := b.bitIndex(end - 1)
	for i := first / bitsPerWord; i <= last/bitsPerWord && i < uint64(len(b.words)); i++ {
		mask := ^uint64(0)
		if i == first/bitsPerWord {
			mask &^= (uint64(1) << (first % bitsPerWord)) - 1
		}
		if i == last/bitsPerWord {
			mask &= ^uint64(0) >> (bitsPerWord - 1 - last%bitsPerWord)
		}
		b.words[i].Store(b.words[i].Load() &^ mask)
	}
}

// stripeWords is how many bitmap words make up one cache-line-aligned
// stripe for ParallelClear: one atomic.Uint64 is 8 bytes, so a cache line
// (unsafe.Sizeof(cpu.CacheLinePad{}) bytes) holds that size divided by 8
// words. Sizing
// stripes to this boundary means two workers clearing adjacent stripes
// never write the same cache line, matching the "write-combining" intent
// spec.md calls out for the per-worker stats cache (§4.4) applied here to
// bitmap clearing.
var stripeWords = func() int {
	n := int(unsafe.Sizeof(cpu.CacheLinePad{})) / 8
	if n < 1 {
		n = 8
	}
	return n
}()

// ParallelClear zeroes the whole bitmap using up to numWorkers goroutines,
// each working a disjoint run of cache-line-aligned stripes. yield is
// polled between stripes; when it returns true, the worker calls
// heap.SafepointPoller-style cooperation is left to the caller -- yield
// itself performs whatever suspension is appropriate and returns once
// resumed.
func (b *MarkBitmap) ParallelClear(numWorkers int, yield func() bool) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	nstripes := (len(b.words) + stripeWords - 1) / stripeWords
	if nstripes == 0 {
		return
	}
	if numWorkers > nstripes {
		numWorkers = nstripes
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for {
				idx := next.Add(1) - 1
				if idx >= int64(nstripes) {
					return
				}
				start := int(idx) * stripeWords
				end := start + stripeWords
				if end > len(b.words) {
					end = len(b.words)
				}
				for i := start; i < end; i++ {
					b.words[i].Store(0)
				}
				if yield != nil && yield() {
					// yield already performed whatever suspension it needed;
					// proceed to the next stripe once it returns.
				}
			}
		}()
	}
	wg.Wait()
}

// IterateMarked calls fn once for every set bit's address in [start, end),
// in ascending order, stopping early if fn returns false.
func (b *MarkBitmap) IterateMarked(start, end heap.Addr, fn func(heap.Addr) bool) {
	if end <= start {
		return
	}
	first := b.bitIndex(start)
	last := b.bitIndex(end - 1)
	for bit := first; bit <= last; bit++ {
		w := b.words[bit/bitsPerWord].Load()
		if w&(uint64(1)<<(bit%bitsPerWord)) == 0 {
			continue
		}
		addr := b.heapBase + heap.Addr(bit*uint64(b.granule))
		if !fn(addr) {
			return
		}
	}
}
