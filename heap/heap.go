// Package heap declares the address type and the narrow contracts the mark
// engine needs from the surrounding collected heap: region layout and the
// object model. Region allocation, evacuation, and write barriers live
// outside this package; it only describes enough of the heap for a mark
// engine to walk it.
package heap

import "fmt"

// Addr is a byte address in the simulated heap's address space (HeapBase
// and later) rather than a real pointer. The mark engine never dereferences
// memory itself; every field access happens through Layout and ObjectModel.
type Addr uint64

// NullAddr is the reserved "no address" value. It also doubles as the null
// sentinel for a task-queue entry (see package queue).
const NullAddr Addr = 0

func (a Addr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Layout describes the region partitioning of the heap. Implementations map
// addresses to region indices in O(1).
type Layout interface {
	// RegionSize returns the fixed size, in bytes, of every region.
	RegionSize() uintptr
	// HeapBase returns the first address covered by the heap.
	HeapBase() Addr
	// HeapEnd returns the address one past the last byte covered by the heap.
	HeapEnd() Addr
	// NumRegions returns HeapEnd-HeapBase divided by RegionSize.
	NumRegions() int
	// RegionIndex returns the index of the region containing addr.
	RegionIndex(addr Addr) int
	// RegionBottom returns the first address of region idx.
	RegionBottom(idx int) Addr
	// RegionTop returns the current allocation top of region idx. Unlike
	// RegionBottom this can change as the mutator allocates, which is why
	// the mark engine snapshots it into TAMS at cycle start rather than
	// reading it live while sweeping.
	RegionTop(idx int) Addr
	// IsHumongous reports whether region idx holds (part of) an object that
	// spans multiple regions.
	IsHumongous(idx int) bool
}

// Object is the narrow view of a heap object the mark engine needs: its
// size, whether it is an object array requiring slice-chunked scanning, and
// a way to iterate its outgoing references.
type Object interface {
	// SizeWords returns the object's size in heap words.
	SizeWords() uintptr
	// IsObjArray reports whether this object is an array of references,
	// which the engine may need to scan in bounded slices.
	IsObjArray() bool
	// ObjArrayLength returns the number of elements, valid only when
	// IsObjArray is true.
	ObjArrayLength() int
	// IterateRefs calls fn once for every outgoing reference slot in the
	// object, every element when the object is an array.
	// A nil slot is still passed through as heap.NullAddr; callers filter it.
	IterateRefs(fn func(ref Addr))
	// IterateRefRange is like IterateRefs but restricted to array elements
	// [from, to). Only meaningful when IsObjArray is true.
	IterateRefRange(from, to int, fn func(ref Addr))
}

// ObjectModel resolves an address to the Object header at that address.
type ObjectModel interface {
	At(addr Addr) Object
}

// SafepointPoller lets the engine cooperate with an external safepoint
// mechanism: workers check ShouldYield between coarse units of work and
// call DoYield to actually suspend.
type SafepointPoller interface {
	ShouldYield() bool
	DoYield()
}

// NopPoller never asks a worker to yield. It is useful for embedders and
// tests that have no safepoint mechanism of their own.
type NopPoller struct{}

func (NopPoller) ShouldYield() bool { return false }
func (NopPoller) DoYield()          {}
