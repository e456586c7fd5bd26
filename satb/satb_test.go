package satb

import (
	"testing"

	"concmark/heap"
)

func TestQueuePublishAndDrainFIFO(t *testing.T) {
	q := NewQueue()
	q.Publish([]heap.Addr{2, 4, 6})
	q.Publish([]heap.Addr{8})

	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	b, ok := q.NextBuffer()
	if !ok || len(b.Values) != 3 || b.Values[0] != 2 {
		t.Fatalf("first buffer = %+v, %v", b, ok)
	}
	b, ok = q.NextBuffer()
	if !ok || len(b.Values) != 1 || b.Values[0] != 8 {
		t.Fatalf("second buffer = %+v, %v", b, ok)
	}
	if _, ok := q.NextBuffer(); ok {
		t.Fatal("queue should be drained")
	}
}

func TestPublishEmptySliceIsNoOp(t *testing.T) {
	q := NewQueue()
	q.Publish(nil)
	if q.Len() != 0 {
		t.Fatal("publishing an empty slice must not enqueue a buffer")
	}
}

func TestPublishCopiesInput(t *testing.T) {
	q := NewQueue()
	values := []heap.Addr{2, 4}
	q.Publish(values)
	values[0] = 999
	b, _ := q.NextBuffer()
	if b.Values[0] != 2 {
		t.Fatal("Publish must copy the input slice, not alias it")
	}
}
