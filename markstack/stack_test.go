package markstack

import (
	"sync"
	"testing"

	"concmark/heap"
	"concmark/queue"
)

// fill builds n distinct, non-null, 2-byte-aligned entries starting at
// start+2 so that a start of 0 never produces the reserved null address.
func fill(n int, start heap.Addr) []queue.Entry {
	out := make([]queue.Entry, n)
	for i := 0; i < n; i++ {
		out[i] = queue.EntryFromObject(start + heap.Addr(i+1)*2)
	}
	return out
}

func TestParPushPopRoundTrip(t *testing.T) {
	s := NewChunkedStack(2, 0)
	entries := fill(500, 100)
	if !s.ParPushChunk(entries) {
		t.Fatal("push failed unexpectedly")
	}
	if s.Empty() {
		t.Fatal("stack should not be empty after push")
	}
	var buf [ChunkSize]queue.Entry
	n, ok := s.ParPopChunk(&buf)
	if !ok || n != 500 {
		t.Fatalf("ParPopChunk() = %d, %v, want 500, true", n, ok)
	}
	for i := 0; i < n; i++ {
		if buf[i] != entries[i] {
			t.Fatalf("entry %d mismatch: got %v want %v", i, buf[i], entries[i])
		}
	}
	if !s.Empty() {
		t.Fatal("stack should be empty after popping the only chunk")
	}
}

func TestPopEmptyStack(t *testing.T) {
	s := NewChunkedStack(1, 0)
	var buf [ChunkSize]queue.Entry
	if _, ok := s.ParPopChunk(&buf); ok {
		t.Fatal("pop from empty stack must report false")
	}
}

// TestOverflowWithoutGrow matches the "forced overflow" scenario: a stack
// with 2 chunks of capacity and should_grow=false refuses a push once
// exhausted, reporting false so the caller can raise the overflow flag.
func TestOverflowWithoutGrow(t *testing.T) {
	s := NewChunkedStack(2, 0)
	s.SetShouldGrow(false)

	if !s.ParPushChunk(fill(10, 0)) {
		t.Fatal("first push should succeed")
	}
	if !s.ParPushChunk(fill(10, 1000)) {
		t.Fatal("second push should succeed (fills the 2-chunk allocator)")
	}
	if s.ParPushChunk(fill(10, 2000)) {
		t.Fatal("third push should fail: allocator exhausted and should_grow is false")
	}
}

func TestGrowOnDemand(t *testing.T) {
	s := NewChunkedStack(2, 0)
	s.SetShouldGrow(true)

	for i := 0; i < 10; i++ {
		if !s.ParPushChunk(fill(5, heap.Addr(i*1000))) {
			t.Fatalf("push %d should succeed once should_grow is true", i)
		}
	}
	if s.TotalAllocated() < 10 {
		t.Fatalf("TotalAllocated() = %d, want at least 10", s.TotalAllocated())
	}
}

func TestMaxChunksCeiling(t *testing.T) {
	s := NewChunkedStack(1, 2)
	s.SetShouldGrow(true) // even with grow allowed, maxChunks caps allocation
	if !s.ParPushChunk(fill(3, 0)) {
		t.Fatal("first push should succeed")
	}
	if !s.ParPushChunk(fill(3, 1000)) {
		t.Fatal("second push should succeed, reaching maxChunks")
	}
	if s.ParPushChunk(fill(3, 2000)) {
		t.Fatal("third push should fail: maxChunks ceiling reached")
	}
}

// TestStackBalance checks the "stack balance" invariant from spec.md §8:
// at cycle end, free_list plus chunk_list account for every chunk ever
// allocated.
func TestStackBalance(t *testing.T) {
	s := NewChunkedStack(4, 0)
	for i := 0; i < 6; i++ {
		s.ParPushChunk(fill(3, heap.Addr(i*100)))
	}
	total := s.TotalAllocated()
	s.Reset()
	if s.CountOccupied() != 0 {
		t.Fatalf("CountOccupied() = %d after Reset, want 0", s.CountOccupied())
	}
	if s.CountFree() != total {
		t.Fatalf("CountFree() = %d, want %d (total allocated)", s.CountFree(), total)
	}
}

func TestExpandPanicsWhenNonEmpty(t *testing.T) {
	s := NewChunkedStack(2, 0)
	s.ParPushChunk(fill(3, 0))
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling Expand with a non-empty chunk list")
		}
	}()
	s.Expand()
}

func TestConcurrentPushPopNoLoss(t *testing.T) {
	s := NewChunkedStack(2, 0)
	s.SetShouldGrow(true)

	const numChunks = 50
	var wg sync.WaitGroup
	for i := 0; i < numChunks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for !s.ParPushChunk(fill(ChunkSize, heap.Addr(i*ChunkSize*4))) {
			}
		}(i)
	}
	wg.Wait()

	total := 0
	var buf [ChunkSize]queue.Entry
	for {
		n, ok := s.ParPopChunk(&buf)
		if !ok {
			break
		}
		total += n
	}
	if total != numChunks*ChunkSize {
		t.Fatalf("popped %d entries total, want %d", total, numChunks*ChunkSize)
	}
}
