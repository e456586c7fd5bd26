// Package rootregion implements the claim-once root-region set: memory
// ranges the coordinator must have workers pre-scan before ordinary marking
// begins, to preserve the SATB invariant for survivor/promoted content
// copied into old regions during the pause.
package rootregion

import (
	"sync"
	"sync/atomic"

	"concmark/heap"
)

// Range is a half-open memory range [Start, End) requiring a pre-scan.
type Range struct {
	Start, End heap.Addr
}

// Set is a fixed-capacity, claim-once collection of root regions. Workers
// claim ranges via an atomic fetch-add cursor; each claimed range is walked
// exactly once.
type Set struct {
	ranges  []Range
	cursor  atomic.Int64
	done    atomic.Int64
	aborted atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
}

// New creates an empty set. Call Add to populate it at cycle start, before
// any worker calls ClaimNext.
func New() *Set {
	s := &Set{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Add appends a range to the set. Not safe to call concurrently with
// ClaimNext; the coordinator populates the whole set before dispatching
// workers.
func (s *Set) Add(r Range) {
	s.ranges = append(s.ranges, r)
}

// Len returns the total number of ranges registered for this cycle.
func (s *Set) Len() int { return len(s.ranges) }

// ClaimNext atomically claims the next unclaimed range. ok is false once
// every range has been claimed or Abort has been called.
func (s *Set) ClaimNext() (r Range, ok bool) {
	if s.aborted.Load() {
		return Range{}, false
	}
	idx := s.cursor.Add(1) - 1
	if idx >= int64(len(s.ranges)) {
		return Range{}, false
	}
	return s.ranges[idx], true
}

// MarkClaimedDone records that a previously claimed range has been fully
// walked, and wakes any goroutine blocked in WaitUntilScanFinished once
// every range is accounted for.
func (s *Set) MarkClaimedDone() {
	n := s.done.Add(1)
	if int(n) >= len(s.ranges) {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// Abort makes subsequent ClaimNext calls return ok=false and wakes any
// waiter in WaitUntilScanFinished.
func (s *Set) Abort() {
	s.aborted.Store(true)
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Aborted reports whether Abort has been called for this cycle.
func (s *Set) Aborted() bool { return s.aborted.Load() }

// WaitUntilScanFinished blocks until every registered range has been
// claimed and marked done, or Abort is called.
func (s *Set) WaitUntilScanFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for int(s.done.Load()) < len(s.ranges) && !s.aborted.Load() {
		s.cond.Wait()
	}
}

// Reset clears the set for reuse on the next cycle.
func (s *Set) Reset() {
	s.ranges = s.ranges[:0]
	s.cursor.Store(0)
	s.done.Store(0)
	s.aborted.Store(false)
}
