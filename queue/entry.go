// Package queue provides the task-queue entry value type and the
// fixed-capacity work-stealing local queue used by each marking task.
//
// Grounded on the tagged G1TaskQueueEntry holder in
// original_source/src/hotspot/share/gc/g1/g1ConcurrentMark.hpp, reshaped as
// a plain Go value (a uint64) instead of a tagged void*, and on the
// Chase-Lev deque used throughout G1's GenericTaskQueue for the
// steal/push/pop discipline.
package queue

import (
	"fmt"

	"concmark/heap"
)

// Entry is one machine word: bit 0 discriminates an object reference from
// an array-slice continuation. The zero value is the reserved null sentinel
// and must never be pushed onto a queue.
//
// An array-slice entry additionally carries the element index to resume
// scanning from. The original task-queue entry this is grounded on
// (G1TaskQueueEntry in g1ConcurrentMark.hpp) instead tags a raw HeapWord*
// pointing directly at the resume address within the array, resolved back
// to an objArrayOop by the caller; Go's Addr is already a synthetic,
// arithmetic-free offset rather than a real pointer, so there is no
// "interior pointer into an array" to exploit the same way. Packing the
// array's header address into the low addrBits bits and the resume index
// into the remaining high bits keeps the entry a single lock-free word
// without requiring a real interior-pointer heap model.
type Entry uint64

const (
	sliceTag Entry = 1
	addrBits       = 40
	addrMask Entry = (1 << addrBits) - 1
)

// EntryFromObject builds an entry pointing at an ordinary object.
// It panics if addr is not at least 2-byte aligned, since the low tag bit
// would then collide with real address bits -- exactly the boundary
// behavior spec.md documents as "never occurs" and asserts.
func EntryFromObject(addr heap.Addr) Entry {
	if addr == heap.NullAddr {
		panic("queue: not allowed to push a null entry")
	}
	if addr&1 != 0 {
		panic(fmt.Sprintf("queue: address %s is not 2-byte aligned", addr))
	}
	return Entry(addr)
}

// EntryFromSlice builds an array-slice continuation entry for the object
// array at addr, resuming at element index startIndex.
func EntryFromSlice(addr heap.Addr, startIndex int) Entry {
	if addr == heap.NullAddr {
		panic("queue: not allowed to push a null entry")
	}
	if addr&1 != 0 {
		panic(fmt.Sprintf("queue: address %s is not 2-byte aligned", addr))
	}
	if Entry(addr)&^addrMask != 0 {
		panic(fmt.Sprintf("queue: address %s exceeds the %d-bit array-slice address range", addr, addrBits))
	}
	if startIndex < 0 || Entry(startIndex) > (1<<(64-addrBits))-1 {
		panic(fmt.Sprintf("queue: array-slice start index %d out of range", startIndex))
	}
	return sliceTag | (Entry(addr) &^ sliceTag) | (Entry(startIndex) << addrBits)
}

// IsNull reports whether e is the empty-slot sentinel.
func (e Entry) IsNull() bool { return e == 0 }

// IsObject reports whether e refers to an ordinary object.
func (e Entry) IsObject() bool { return e != 0 && e&sliceTag == 0 }

// IsSlice reports whether e is an array-slice continuation.
func (e Entry) IsSlice() bool { return e&sliceTag != 0 }

// Addr returns the untagged address carried by e: the object address for an
// ordinary reference, or the array's header address for a slice
// continuation.
func (e Entry) Addr() heap.Addr {
	if e.IsSlice() {
		return heap.Addr((e &^ sliceTag) & addrMask)
	}
	return heap.Addr(e &^ sliceTag)
}

// SliceStartIndex returns the element index a slice continuation resumes
// scanning from. Valid only when IsSlice is true.
func (e Entry) SliceStartIndex() int {
	return int((e &^ sliceTag) >> addrBits)
}
