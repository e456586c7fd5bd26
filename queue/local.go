package queue

import (
	"fmt"
	"sync/atomic"
)

// LocalQueue is a fixed-capacity Chase-Lev work-stealing deque of Entry
// values. The owning task pushes and pops at the bottom without
// synchronization against itself; other tasks may concurrently Steal from
// the top via an atomic load plus CAS. Capacity must be a power of two.
//
// Grounded on the GenericTaskQueue push/pop/steal discipline referenced by
// G1TaskQueueEntry's typedef in g1ConcurrentMark.hpp, reimplemented as the
// classic Chase-Lev array deque since that is the idiomatic Go shape for a
// lock-free work-stealing queue (no GC-unsafe pointer tagging needed here:
// Entry is already a plain value).
type LocalQueue struct {
	buf  []atomic.Uint64 // stores Entry values; len(buf) == capacity
	mask uint64

	top    atomic.Int64 // steal index, only increased (by Steal, and by PopBottom's last-element CAS)
	bottom atomic.Int64 // owner index, only touched by the owning task
}

// NewLocalQueue creates a queue of the given power-of-two capacity.
func NewLocalQueue(capacity int) *LocalQueue {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("queue: capacity %d is not a positive power of two", capacity))
	}
	return &LocalQueue{
		buf:  make([]atomic.Uint64, capacity),
		mask: uint64(capacity - 1),
	}
}

// Cap returns the queue's fixed capacity.
func (q *LocalQueue) Cap() int { return len(q.buf) }

// Len returns the current occupancy. Only safe to treat as exact when
// called by the owner with no concurrent Steal in flight; otherwise it is a
// snapshot that may be stale by the time it is used, which is fine for the
// watermark heuristics it drives.
func (q *LocalQueue) Len() int {
	b := q.bottom.Load()
	t := q.top.Load()
	if b < t {
		return 0
	}
	return int(b - t)
}

// Empty reports whether the queue currently holds no entries.
func (q *LocalQueue) Empty() bool { return q.Len() == 0 }

// PushBottom pushes e onto the owner's end. Only the owning task may call
// this. It panics on overflow: callers are expected to drain to the global
// stack before the queue is completely full (see the high-water handling in
// the marking task), so a PushBottom overflow indicates a caller bug.
func (q *LocalQueue) PushBottom(e Entry) {
	if e.IsNull() {
		panic("queue: refusing to push a null entry")
	}
	b := q.bottom.Load()
	t := q.top.Load()
	if b-t >= int64(len(q.buf)) {
		panic("queue: local queue overflow, caller must drain before pushing")
	}
	q.buf[uint64(b)&q.mask].Store(uint64(e))
	q.bottom.Store(b + 1)
}

// PopBottom pops from the owner's end. Only the owning task may call this.
// It races benignly with concurrent Steal calls on the last element via the
// standard Chase-Lev CAS on top.
func (q *LocalQueue) PopBottom() (Entry, bool) {
	b := q.bottom.Load() - 1
	q.bottom.Store(b)
	t := q.top.Load()
	if t > b {
		// Queue was empty.
		q.bottom.Store(t)
		return 0, false
	}
	e := Entry(q.buf[uint64(b)&q.mask].Load())
	if t == b {
		// Last element: race against thieves.
		if !q.top.CompareAndSwap(t, t+1) {
			q.bottom.Store(t + 1)
			return 0, false
		}
		q.bottom.Store(t + 1)
	}
	return e, true
}

// Steal removes one entry from the top of the queue on behalf of another
// task. It returns ok=false if the queue appeared empty or lost a race with
// another thief or with the owner's PopBottom of the last element.
func (q *LocalQueue) Steal() (Entry, bool) {
	t := q.top.Load()
	b := q.bottom.Load()
	if t >= b {
		return 0, false
	}
	e := Entry(q.buf[uint64(t)&q.mask].Load())
	if !q.top.CompareAndSwap(t, t+1) {
		return 0, false
	}
	return e, true
}
