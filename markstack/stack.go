package markstack

import (
	"sync/atomic"

	"concmark/queue"
)

// ChunkedStack is the global overflow mark stack: two lock-free singly
// linked lists of chunks (chunkList holds occupied chunks, freeList holds
// available ones), both manipulated with CAS push/pop. ABA is benign here
// because a chunk is never freed mid-cycle -- it only ever moves between
// these two lists, its backing storage owned for the process lifetime by
// the bucketed allocator.
type ChunkedStack struct {
	alloc      *bucketAllocator
	nextIdx    atomic.Int64
	maxChunks  int // 0 == unbounded
	chunkList  atomic.Pointer[Chunk]
	freeList   atomic.Pointer[Chunk]
	shouldGrow atomic.Bool
}

// NewChunkedStack creates a stack with initialChunks of pre-reserved
// capacity (rounded up to the allocator's minimum bucket size) and an
// optional maxChunks ceiling (0 disables the ceiling).
func NewChunkedStack(initialChunks, maxChunks int) *ChunkedStack {
	if initialChunks <= 0 {
		initialChunks = 1
	}
	minCap := 1
	for minCap < initialChunks {
		minCap <<= 1
	}
	return &ChunkedStack{
		alloc:     newBucketAllocator(minCap),
		maxChunks: maxChunks,
	}
}

// SetMaxChunks adjusts the stack's chunk ceiling (0 disables it). Intended
// to be called between cycles, alongside Expand, when a coordinator lifts
// the ceiling that bound the previous cycle's overflow.
func (s *ChunkedStack) SetMaxChunks(maxChunks int) { s.maxChunks = maxChunks }

// SetShouldGrow toggles overflow policy. false (the default, used during
// concurrent marking): allocation failure is reported to the caller, which
// sets the global overflow flag and triggers a cycle restart. true (used
// during the STW remark drain): allocation failure instead grows the
// backing allocator in place.
func (s *ChunkedStack) SetShouldGrow(v bool) { s.shouldGrow.Store(v) }

func listPush(head *atomic.Pointer[Chunk], c *Chunk) {
	for {
		old := head.Load()
		c.next.Store(old)
		if head.CompareAndSwap(old, c) {
			return
		}
	}
}

func listPop(head *atomic.Pointer[Chunk]) *Chunk {
	for {
		old := head.Load()
		if old == nil {
			return nil
		}
		next := old.next.Load()
		if head.CompareAndSwap(old, next) {
			old.next.Store(nil)
			return old
		}
	}
}

// acquireChunk returns a ready-to-fill chunk, preferring the free list and
// otherwise drawing from the bucketed allocator, subject to shouldGrow and
// maxChunks.
func (s *ChunkedStack) acquireChunk() (*Chunk, bool) {
	if c := listPop(&s.freeList); c != nil {
		c.Reset()
		return c, true
	}

	for {
		idx := s.nextIdx.Load()
		cap := int64(s.alloc.capacity())
		if idx >= cap {
			if !s.shouldGrow.Load() {
				return nil, false
			}
			// Grow policy is in effect: force the allocator to extend far
			// enough to cover idx, then retry the capacity check.
			s.alloc.at(int(idx))
			continue
		}
		if s.maxChunks > 0 && idx >= int64(s.maxChunks) {
			return nil, false
		}
		if s.nextIdx.CompareAndSwap(idx, idx+1) {
			c := s.alloc.at(int(idx))
			c.Reset()
			return c, true
		}
	}
}

// ParPushChunk acquires a chunk (from the free list, else the allocator),
// copies entries into it, and pushes it onto chunkList. It returns false
// only when allocation failed and shouldGrow is false; the caller is then
// expected to set the global overflow flag.
func (s *ChunkedStack) ParPushChunk(entries []queue.Entry) bool {
	if len(entries) == 0 || len(entries) > ChunkSize {
		panic("markstack: chunk push must carry between 1 and ChunkSize entries")
	}
	c, ok := s.acquireChunk()
	if !ok {
		return false
	}
	copy(c.Entries[:], entries)
	c.N = len(entries)
	listPush(&s.chunkList, c)
	return true
}

// ParPopChunk pops a chunk from chunkList into buf, returning the number of
// valid entries, then recycles the chunk onto the free list. It returns
// false iff chunkList was empty.
func (s *ChunkedStack) ParPopChunk(buf *[ChunkSize]queue.Entry) (int, bool) {
	c := listPop(&s.chunkList)
	if c == nil {
		return 0, false
	}
	n := c.N
	copy(buf[:n], c.Entries[:n])
	listPush(&s.freeList, c)
	return n, true
}

// Empty reports whether the occupied list currently holds no chunks. Racy
// under concurrent pushers; intended for the "should I bother pulling a
// chunk" heuristic, not a linearizable check.
func (s *ChunkedStack) Empty() bool {
	return s.chunkList.Load() == nil
}

// Expand doubles the allocator's reserved capacity. Callers must only
// invoke this at a safepoint with the stack empty (spec.md §4.2).
func (s *ChunkedStack) Expand() {
	if s.chunkList.Load() != nil {
		panic("markstack: Expand called with a non-empty chunk list")
	}
	s.alloc.at(s.alloc.capacity())
}

// Reset empties chunkList back onto freeList in bulk, without releasing any
// allocator storage; the allocation cursor is left as it is. Used by the
// coordinator's overflow-recovery reset between marking attempts and by
// GrowMarkStack.
func (s *ChunkedStack) Reset() {
	for {
		c := listPop(&s.chunkList)
		if c == nil {
			break
		}
		listPush(&s.freeList, c)
	}
}

// TotalAllocated returns how many chunks the allocator has handed out over
// the stack's lifetime (across both lists). Used by the "stack balance"
// testable property.
func (s *ChunkedStack) TotalAllocated() int { return int(s.nextIdx.Load()) }

// CountFree walks the free list and counts its chunks. Intended for tests
// and invariant checks at a safepoint, not the marking hot path.
func (s *ChunkedStack) CountFree() int { return countList(s.freeList.Load()) }

// CountOccupied walks the occupied list and counts its chunks.
func (s *ChunkedStack) CountOccupied() int { return countList(s.chunkList.Load()) }

func countList(head *Chunk) int {
	n := 0
	for c := head; c != nil; c = c.next.Load() {
		n++
	}
	return n
}
