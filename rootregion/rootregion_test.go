package rootregion

import (
	"sync"
	"testing"

	"concmark/heap"
)

func TestClaimNextExhausts(t *testing.T) {
	s := New()
	s.Add(Range{Start: 0, End: 100})
	s.Add(Range{Start: 100, End: 200})

	_, ok := s.ClaimNext()
	if !ok {
		t.Fatal("first claim should succeed")
	}
	_, ok = s.ClaimNext()
	if !ok {
		t.Fatal("second claim should succeed")
	}
	if _, ok := s.ClaimNext(); ok {
		t.Fatal("third claim should fail: set exhausted")
	}
}

func TestClaimNextEachRangeClaimedOnce(t *testing.T) {
	s := New()
	const n = 200
	for i := 0; i < n; i++ {
		s.Add(Range{Start: heap.Addr(i), End: heap.Addr(i + 1)})
	}

	claimed := make([]int32, n)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				r, ok := s.ClaimNext()
				if !ok {
					return
				}
				claimed[r.Start]++
				s.MarkClaimedDone()
			}
		}()
	}
	wg.Wait()

	for i, c := range claimed {
		if c != 1 {
			t.Fatalf("range %d claimed %d times, want exactly 1", i, c)
		}
	}
}

func TestWaitUntilScanFinishedBlocksUntilDone(t *testing.T) {
	s := New()
	s.Add(Range{Start: 0, End: 1})
	s.Add(Range{Start: 1, End: 2})

	done := make(chan struct{})
	go func() {
		s.WaitUntilScanFinished()
		close(done)
	}()

	r1, _ := s.ClaimNext()
	s.MarkClaimedDone()
	select {
	case <-done:
		t.Fatal("WaitUntilScanFinished returned before all ranges were done")
	default:
	}

	r2, _ := s.ClaimNext()
	if r1 == r2 {
		t.Fatal("the same range should not be claimed twice")
	}
	s.MarkClaimedDone()
	<-done
}

func TestAbortUnblocksWaiters(t *testing.T) {
	s := New()
	s.Add(Range{Start: 0, End: 1})
	s.Add(Range{Start: 1, End: 2})

	done := make(chan struct{})
	go func() {
		s.WaitUntilScanFinished()
		close(done)
	}()

	s.Abort()
	<-done // must not hang

	if _, ok := s.ClaimNext(); ok {
		t.Fatal("ClaimNext must fail once aborted")
	}
}

func TestResetAllowsReuse(t *testing.T) {
	s := New()
	s.Add(Range{Start: 0, End: 1})
	s.ClaimNext()
	s.Abort()
	s.Reset()

	if s.Aborted() {
		t.Fatal("Reset must clear the abort flag")
	}
	if s.Len() != 0 {
		t.Fatal("Reset must clear registered ranges")
	}
	s.Add(Range{Start: 5, End: 6})
	r, ok := s.ClaimNext()
	if !ok || r.Start != 5 {
		t.Fatalf("claim after reset = %v, %v, want {5,6}, true", r, ok)
	}
}
