package bitmap

import (
	"sync"
	"testing"

	"concmark/heap"
)

func TestTryMarkReportsOnlyFirstTransition(t *testing.T) {
	b := New(0, 1024, 8)
	if !b.TryMark(heap.Addr(16)) {
		t.Fatal("first TryMark on an unmarked address must return true")
	}
	if b.TryMark(heap.Addr(16)) {
		t.Fatal("second TryMark on an already-marked address must return false")
	}
	if !b.IsMarked(heap.Addr(16)) {
		t.Fatal("IsMarked must report true after TryMark")
	}
}

func TestTryMarkConcurrentExactlyOneWinner(t *testing.T) {
	b := New(0, 1024, 8)
	addr := heap.Addr(400)
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryMark(addr) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("exactly one goroutine should observe the 0->1 transition, got %d", wins)
	}
}

func TestClearRangeUnmarksOnlyThatRange(t *testing.T) {
	b := New(0, 1024, 8)
	b.TryMark(heap.Addr(8))
	b.TryMark(heap.Addr(512))
	b.ClearRange(0, 256)
	if b.IsMarked(heap.Addr(8)) {
		t.Fatal("ClearRange should have unmarked address 8")
	}
	if !b.IsMarked(heap.Addr(512)) {
		t.Fatal("ClearRange must not affect addresses outside the cleared range")
	}
}

func TestIterateMarkedOrderAndEarlyStop(t *testing.T) {
	b := New(0, 1024, 8)
	marked := []heap.Addr{16, 32, 48, 800}
	for _, a := range marked {
		b.TryMark(a)
	}

	var seen []heap.Addr
	b.IterateMarked(0, 1024, func(a heap.Addr) bool {
		seen = append(seen, a)
		return true
	})
	if len(seen) != len(marked) {
		t.Fatalf("IterateMarked found %d addresses, want %d", len(seen), len(marked))
	}
	for i, a := range marked {
		if seen[i] != a {
			t.Fatalf("IterateMarked order[%d] = %v, want %v", i, seen[i], a)
		}
	}

	var stopped []heap.Addr
	b.IterateMarked(0, 1024, func(a heap.Addr) bool {
		stopped = append(stopped, a)
		return false
	})
	if len(stopped) != 1 || stopped[0] != 16 {
		t.Fatalf("early-stop iteration got %v, want [16]", stopped)
	}
}

func TestParallelClearZeroesEverything(t *testing.T) {
	b := New(0, 100000, 8)
	for a := heap.Addr(0); a < 100000; a += 800 {
		b.TryMark(a)
	}
	b.ParallelClear(4, nil)
	found := false
	b.IterateMarked(0, 100000, func(heap.Addr) bool {
		found = true
		return false
	})
	if found {
		t.Fatal("ParallelClear left at least one bit set")
	}
}
