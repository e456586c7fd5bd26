// Package satb declares the contract for the snapshot-at-the-beginning
// buffer producer: the write-barrier machinery that logs pre-overwrite
// reference values so the mark engine can preserve the snapshot invariant.
// The producer itself is out of scope for this module (spec.md §1); this
// package only defines the consumer-facing contract and a simple
// reference implementation used by tests and by embedders without a real
// write barrier of their own.
package satb

import (
	"sync"

	"concmark/heap"
)

// Buffer is a batch of previous-values logged by a write barrier before an
// overwrite became observable.
type Buffer struct {
	Values []heap.Addr
}

// Provider hands out logged SATB buffers to draining marking tasks.
// NextBuffer returns ok=false once no more buffers are currently available
// (not necessarily "none will ever be available again" -- new buffers may
// be published later by the mutator).
type Provider interface {
	NextBuffer() (Buffer, bool)
}

// Queue is a simple FIFO Provider backed by a mutex-guarded slice. It plays
// the role a real write-barrier's global SATB buffer list would play, and
// is what the module's own tests use to drive concurrent-mark scenarios.
type Queue struct {
	mu      sync.Mutex
	buffers []Buffer
}

// NewQueue creates an empty SATB buffer queue.
func NewQueue() *Queue { return &Queue{} }

// Publish appends a buffer of previous-values, as a write barrier would
// after filling a local log.
func (q *Queue) Publish(values []heap.Addr) {
	if len(values) == 0 {
		return
	}
	cp := append([]heap.Addr(nil), values...)
	q.mu.Lock()
	q.buffers = append(q.buffers, Buffer{Values: cp})
	q.mu.Unlock()
}

// NextBuffer implements Provider.
func (q *Queue) NextBuffer() (Buffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buffers) == 0 {
		return Buffer{}, false
	}
	b := q.buffers[0]
	q.buffers = q.buffers[1:]
	return b, true
}

// Len reports how many buffers are currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffers)
}
