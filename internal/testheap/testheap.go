// Package testheap is a reference in-memory heap used only by tests: a
// map of simulated objects with explicit reference graphs, no real
// memory allocation, so tests can build "root A, A→B→C→D" style graphs
// directly as data and drive the marking engine against them through the
// concmark/heap interfaces.
package testheap

import (
	"sync"

	"concmark/heap"
)

// object is the simulated heap object: either an ordinary object with a
// fixed reference list, or an object array whose elements are also
// references (possibly heap.NullAddr).
type object struct {
	sizeWords uintptr
	isArray   bool
	refs      []heap.Addr
}

func (o *object) SizeWords() uintptr  { return o.sizeWords }
func (o *object) IsObjArray() bool    { return o.isArray }
func (o *object) ObjArrayLength() int { return len(o.refs) }

func (o *object) IterateRefs(fn func(ref heap.Addr)) {
	for _, r := range o.refs {
		fn(r)
	}
}

func (o *object) IterateRefRange(from, to int, fn func(ref heap.Addr)) {
	if from < 0 {
		from = 0
	}
	if to > len(o.refs) {
		to = len(o.refs)
	}
	for i := from; i < to; i++ {
		fn(o.refs[i])
	}
}

// Heap is a fixed-region-size simulated heap. Objects are allocated
// sequentially within a region starting at that region's bottom; addresses
// are always 8-byte (one word) aligned, which satisfies queue.Entry's
// 2-byte alignment requirement.
type Heap struct {
	mu         sync.Mutex
	regionSize uintptr
	numRegions int
	base       heap.Addr

	objects map[heap.Addr]*object
	tops    []heap.Addr // current allocation top per region
}

// New creates an empty simulated heap of numRegions regions, each
// regionSize bytes, starting at heap.Addr(regionSize) (address 0 is reserved
// as the null sentinel).
func New(regionSize uintptr, numRegions int) *Heap {
	h := &Heap{
		regionSize: regionSize,
		numRegions: numRegions,
		base:       heap.Addr(regionSize), // reserve region 0 as a null-address buffer
		objects:    make(map[heap.Addr]*object),
		tops:       make([]heap.Addr, numRegions),
	}
	for i := range h.tops {
		h.tops[i] = h.RegionBottom(i)
	}
	return h
}

// --- heap.Layout ---

func (h *Heap) RegionSize() uintptr { return h.regionSize }
func (h *Heap) HeapBase() heap.Addr { return h.base }
func (h *Heap) HeapEnd() heap.Addr  { return h.base + heap.Addr(h.regionSize)*heap.Addr(h.numRegions) }
func (h *Heap) NumRegions() int     { return h.numRegions }

func (h *Heap) RegionIndex(addr heap.Addr) int {
	return int((addr - h.base) / heap.Addr(h.regionSize))
}

func (h *Heap) RegionBottom(idx int) heap.Addr {
	return h.base + heap.Addr(idx)*heap.Addr(h.regionSize)
}

func (h *Heap) RegionTop(idx int) heap.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tops[idx]
}

func (h *Heap) IsHumongous(idx int) bool { return false }

// --- heap.ObjectModel ---

func (h *Heap) At(addr heap.Addr) heap.Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.objects[addr]
	if !ok {
		return nil
	}
	return o
}

// NewObject allocates an ordinary object with the given outgoing
// references (heap.NullAddr entries are permitted and represent an
// unset/nil field) in region idx, and returns its address.
func (h *Heap) NewObject(idx int, refs ...heap.Addr) heap.Addr {
	return h.alloc(idx, &object{sizeWords: uintptr(1 + len(refs)), refs: refs})
}

// NewObjArray allocates an object array holding refs as its elements (any
// entry may be heap.NullAddr) in region idx, and returns its address.
func (h *Heap) NewObjArray(idx int, refs []heap.Addr) heap.Addr {
	return h.alloc(idx, &object{sizeWords: uintptr(1 + len(refs)), isArray: true, refs: refs})
}

func (h *Heap) alloc(idx int, o *object) heap.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := h.tops[idx]
	// Every allocation lands on an 8-byte-aligned address: the tag bit in
	// queue.Entry must never collide with a real address bit.
	stride := heap.Addr(o.sizeWords) * 8
	if stride&1 != 0 {
		stride++
	}
	h.tops[idx] = addr + stride
	h.objects[addr] = o
	return addr
}

// SetTop forcibly moves region idx's allocation top, used by tests that
// need to construct an "above TAMS" tail: allocate the object first, then
// call SetTop with an address below it so the coordinator's TAMS snapshot
// (taken from RegionTop at StartCycle) treats it as above-TAMS.
func (h *Heap) SetTop(idx int, top heap.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tops[idx] = top
}
