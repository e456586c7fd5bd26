// Package barrier implements a reusable rendezvous barrier for a fixed
// number of parties: a generation counter distinguishes successive uses so
// the same Generational value can be awaited round after round without being
// reallocated. The coordinator uses it for the remark STW rendezvous only;
// overflow recovery rejoins workers by waiting for them all to return.
//
// Grounded on spec.md §9's own design note ("two WorkerThreadsBarrierSync
// instances cycle per overflow; implement as a generational barrier
// (counter + generation) so reuse is race-free without reallocation"), and
// on the lock+condition-variable blocking idiom used for the background
// sweeper in CongLeSolutionX-go_community/src/runtime/internal/gc/mgc0.go
// (bgsweep's Lock/Goparkunlock pattern), translated to sync.Mutex/sync.Cond.
package barrier

import "sync"

// Generational is a unanimous rendezvous point for a fixed party count.
type Generational struct {
	parties int

	mu         sync.Mutex
	cond       *sync.Cond
	waiting    int
	generation uint64
}

// New creates a barrier for the given number of parties. parties must be
// at least 1.
func New(parties int) *Generational {
	if parties < 1 {
		panic("barrier: parties must be at least 1")
	}
	b := &Generational{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Parties returns the configured party count.
func (b *Generational) Parties() int { return b.parties }

// Await blocks the calling goroutine until every party has called Await
// for the current generation, then releases all of them and advances the
// generation so the barrier is immediately ready for reuse.
func (b *Generational) Await() {
	b.AwaitLeader()
}

// AwaitLeader behaves like Await but also reports whether this call was the
// one that completed the round (the last party to arrive). Because that
// party's arrival is serialized behind every other party's prior Unlock via
// the barrier's own mutex, it is guaranteed to observe whatever the other
// parties did before calling AwaitLeader, and whatever it writes before
// returning true is guaranteed visible to every party once they wake --
// letting exactly one party safely reset or inspect state shared across the
// round without a second barrier.
func (b *Generational) AwaitLeader() bool {
	b.mu.Lock()
	gen := b.generation
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.generation++
		b.cond.Broadcast()
		b.mu.Unlock()
		return true
	}
	for gen == b.generation {
		b.cond.Wait()
	}
	b.mu.Unlock()
	return false
}
