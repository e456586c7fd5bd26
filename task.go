package concmark

import (
	"context"
	"time"

	"concmark/heap"
	"concmark/markstack"
	"concmark/queue"
	"concmark/rootregion"
	"concmark/satb"
	"concmark/statscache"
)

// StepResult summarizes one Task.DoMarkingStep call.
type StepResult struct {
	// Terminated is true once this worker and every other worker
	// simultaneously observed no more work (spec.md §4.6 step 7).
	Terminated bool
	// Aborted is true if the step returned early because the coordinator's
	// abort flag was observed.
	Aborted bool
	// WordsScanned is how many heap words this step scanned.
	WordsScanned int64
}

// Task is one marking worker's state: its local work-stealing queue, its
// claimed region and local finger within it, its per-region stats cache,
// and the adaptive clock counters that bound how long a single
// DoMarkingStep call runs before checking in with the coordinator.
//
// Grounded on G1CMTask in g1ConcurrentMark.hpp (the region/finger/queue
// fields and the do_marking_step/drain_local_queue/drain_global_stack
// method names it specifies), realized with goroutines and
// golang.org/x/sys/cpu-padded per-worker state instead of G1's worker-id
// indexed C arrays.
type Task struct {
	id    int
	coord *Coordinator

	local      *queue.LocalQueue
	statsCache *statscache.Cache

	hasRegion    bool
	region       Region
	localFinger  heap.Addr
	drainingSATB bool

	wordsScanned     int64
	refsReached      int64
	wordsScanLimit   int64
	refsReachedLimit int64

	stepDeadline time.Time
}

func newTask(id int, c *Coordinator) *Task {
	return &Task{
		id:               id,
		coord:            c,
		local:            queue.NewLocalQueue(c.tunables.LocalQueueCapacity),
		statsCache:       statscache.NewCache(c.globalStats, c.tunables.StatsCacheSize),
		wordsScanLimit:   c.tunables.WordsScanPeriod,
		refsReachedLimit: c.tunables.RefsReachedPeriod,
	}
}

// resetForRestart clears per-cycle state that must not survive an
// overflow-triggered restart: the claimed region, local finger, and local
// queue contents (the queue's entries are discarded, not drained, since a
// restart means re-deriving all work from the bitmap/root set again).
func (t *Task) resetForRestart() {
	t.hasRegion = false
	t.region = Region{}
	t.localFinger = 0
	t.drainingSATB = false
	for {
		if _, ok := t.local.PopBottom(); !ok {
			break
		}
	}
}

// resetClock restores the adaptive clock's periods to their configured
// defaults, matching spec.md §4.6.2's recalculate_limits, called at the
// start of every DoMarkingStep.
func (t *Task) resetClock() {
	t.wordsScanned = 0
	t.refsReached = 0
	t.wordsScanLimit = t.coord.tunables.WordsScanPeriod
	t.refsReachedLimit = t.coord.tunables.RefsReachedPeriod
}

// decreaseLimits sets both clock limits to half their configured periods so
// check_limits is revisited sooner. Called after each of the three "expensive" operations
// spec.md §4.6.2 names: a global-stack transfer (moveChunkToGlobal,
// drainGlobalStack), a SATB buffer drained, and a region claim
// (claimNextRegion) -- never after array-slice chunking, which is not one
// of the named triggers.
func (t *Task) decreaseLimits() {
	t.wordsScanLimit = t.coord.tunables.WordsScanPeriod / 2
	t.refsReachedLimit = t.coord.tunables.RefsReachedPeriod / 2
}

// shouldCheckClock reports whether the accumulated scan/ref-reach counters
// have crossed the current period, i.e. it is time to check the deadline
// and any pending coordinator-level condition (abort, overflow, yield).
func (t *Task) shouldCheckClock() bool {
	return t.wordsScanned >= t.wordsScanLimit || t.refsReached >= t.refsReachedLimit
}

// DoMarkingStep performs one bounded quantum of marking work: it claims
// regions and drains local/global/SATB work until the target duration
// elapses, the coordinator signals overflow or abort, or (if doTermination)
// this worker and every other worker simultaneously run out of work.
//
// Grounded on G1CMTask::do_marking_step's documented control flow (claim a
// region, scan forward to its limit, drain the local queue, drain the
// global stack, drain SATB buffers, attempt to steal, then attempt
// termination), reshaped as an explicit Go state machine instead of a
// single long C++ method with goto-style early returns.
func (t *Task) DoMarkingStep(ctx context.Context, targetDuration time.Duration, doTermination bool, isSerial bool) StepResult {
	t.resetClock()
	t.stepDeadline = timeNowPlus(targetDuration)

	for {
		if t.coord.hasAborted.Load() {
			t.statsCache.FlushAll()
			return StepResult{Aborted: true, WordsScanned: t.wordsScanned}
		}
		if t.coord.hasOverflown.Load() {
			t.statsCache.FlushAll()
			return StepResult{WordsScanned: t.wordsScanned}
		}

		if !t.hasRegion {
			if !t.claimNextRegion() {
				// No region available: drain whatever's left, then try to
				// terminate (or, if not asked to, just report progress so
				// the coordinator can decide what to do next).
				t.drainLocalQueue()
				t.drainGlobalStack()
				if t.drainSATBBuffers() {
					continue
				}
				if !t.local.Empty() || !t.coord.stack.Empty() {
					continue
				}
				if t.attemptStealing() {
					continue
				}
				if !doTermination {
					t.statsCache.FlushAll()
					return StepResult{WordsScanned: t.wordsScanned}
				}
				if isSerial || t.coord.attemptTermination(ctx) {
					t.statsCache.FlushAll()
					return StepResult{Terminated: true, WordsScanned: t.wordsScanned}
				}
				continue
			}
		}

		t.processCurrentRegion()

		if t.coord.hasOverflown.Load() {
			t.statsCache.FlushAll()
			return StepResult{WordsScanned: t.wordsScanned}
		}

		if t.shouldCheckClock() {
			t.resetClock()
			if t.coord.poller.ShouldYield() {
				t.coord.poller.DoYield()
			}
			if time.Now().After(t.stepDeadline) {
				t.statsCache.FlushAll()
				return StepResult{WordsScanned: t.wordsScanned}
			}
		}
	}
}

// timeNowPlus exists so the deadline computation reads as a single
// expression at the DoMarkingStep call site.
func timeNowPlus(d time.Duration) time.Time { return time.Now().Add(d) }

// claimNextRegion asks the coordinator for the next region to scan,
// retrying past empty regions (spec.md §4.7.1's "try again" contract)
// until one is claimed or the heap is exhausted.
func (t *Task) claimNextRegion() bool {
	for {
		r, ok, exhausted := t.coord.ClaimRegion(t.id)
		if ok {
			t.hasRegion = true
			t.region = r
			t.localFinger = r.Bottom
			t.decreaseLimits()
			return true
		}
		if exhausted {
			return false
		}
		// try again: an empty region was skipped
	}
}

// processCurrentRegion bitmap-sweeps from the local finger to the region's
// limit, scanning every already-marked object it finds (marking during
// scan_task_entry/push may have set bits ahead of the finger; sweeping
// picks them up in address order). It gives up the region, recording
// localFinger so a later call resumes where this one left off, once the
// clock trips or the region is exhausted.
func (t *Task) processCurrentRegion() {
	r := t.region
	if t.localFinger >= r.Limit {
		t.giveUpCurrentRegion()
		return
	}

	last := t.localFinger
	stopped := false
	t.coord.bitmap.IterateMarked(t.localFinger, r.Limit, func(addr heap.Addr) bool {
		t.scanObjectAt(addr)
		last = addr
		if t.shouldCheckClock() {
			stopped = true
			return false
		}
		return true
	})

	if stopped {
		t.localFinger = last + heap.Addr(t.coord.tunables.WordSizeBytes)
		return
	}
	t.giveUpCurrentRegion()
}

// giveUpCurrentRegion releases the claimed region once it has been fully
// swept to its limit.
func (t *Task) giveUpCurrentRegion() {
	t.hasRegion = false
	t.region = Region{}
	t.localFinger = 0
}

// scanObjectAt scans one marked object's outgoing references, chunking
// large object arrays per ArraySliceChunkWords and pushing the remainder
// back as a slice-continuation entry (spec.md §4.6.1). Used both for
// objects discovered by the bitmap sweep and for ordinary (non-slice)
// entries pulled off a queue, so an object array is chunked the same way
// regardless of how it was discovered.
func (t *Task) scanObjectAt(addr heap.Addr) {
	obj := t.coord.objects.At(addr)
	chunkWords := t.coord.tunables.ArraySliceChunkWords

	if obj.IsObjArray() {
		length := obj.ObjArrayLength()
		if length > chunkWords {
			t.pushEntry(queue.EntryFromSlice(addr, chunkWords))
			t.scanArraySlice(addr, obj, 0, chunkWords)
			return
		}
		t.scanArraySlice(addr, obj, 0, length)
		return
	}

	obj.IterateRefs(func(ref heap.Addr) {
		t.refsReached++
		t.markAndPush(ref)
	})
	t.wordsScanned += int64(obj.SizeWords())
}

// processEntry resumes a slice continuation or scans an ordinary object
// reference pulled from a queue, used by both the local-queue drain and
// the remark-time global-stack drain.
func (t *Task) processEntry(e queue.Entry) {
	if e.IsNull() {
		return
	}
	if e.IsSlice() {
		addr := e.Addr()
		from := e.SliceStartIndex()
		obj := t.coord.objects.At(addr)
		length := obj.ObjArrayLength()
		chunkWords := t.coord.tunables.ArraySliceChunkWords
		to := from + chunkWords
		if to > length {
			to = length
		}
		if to < length {
			t.pushEntry(queue.EntryFromSlice(addr, to))
		}
		t.scanArraySlice(addr, obj, from, to)
		return
	}
	t.scanObjectAt(e.Addr())
}

func (t *Task) scanArraySlice(addr heap.Addr, obj heap.Object, from, to int) {
	obj.IterateRefRange(from, to, func(ref heap.Addr) {
		t.refsReached++
		t.markAndPush(ref)
	})
	t.wordsScanned += int64(to - from)
}

// markAndPush applies the concurrent-mark grey-set discipline: a reference
// strictly below TAMS that makes the 0→1 bitmap transition is newly grey;
// it only needs to be queued for scanning if it lies below the current
// global finger, since an object at or above the finger will still be
// swept by the ordinary bitmap walk once its region is claimed (spec.md
// §4.6.1: "marking reachable objects strictly below TAMS").
func (t *Task) markAndPush(ref heap.Addr) {
	if ref == heap.NullAddr {
		return
	}
	// After an overflow no new references are marked: the referrer is
	// already marked, so the restart's bitmap sweep reaches ref again. SATB
	// values are still marked, since nothing else would re-derive them.
	if t.coord.hasOverflown.Load() && !t.drainingSATB {
		return
	}
	idx := t.coord.layout.RegionIndex(ref)
	tams := t.coord.tams[idx]
	if ref >= tams {
		return
	}
	if !t.coord.bitmap.TryMark(ref) {
		return
	}
	obj := t.coord.objects.At(ref)
	t.statsCache.AddToLiveness(idx, int64(obj.SizeWords()))

	finger := heap.Addr(t.coord.finger.Load())
	if ref < finger {
		t.statsCache.AddIncomingRef(idx)
		t.pushEntry(queue.EntryFromObject(ref))
	}
}

// pushEntry pushes e onto the local queue, moving a chunk's worth to the
// global stack first if the local queue is at or near capacity (spec.md
// §4.3: "when near full, the task moves a chunk's worth to the global
// stack").
func (t *Task) pushEntry(e queue.Entry) {
	if t.local.Len() >= t.local.Cap()-1 {
		t.moveChunkToGlobal()
		if t.local.Len() >= t.local.Cap() {
			// The global stack overflowed and the queue is still full. e is
			// already marked, so the restart's bitmap sweep rescans it.
			return
		}
	}
	t.local.PushBottom(e)
}

// moveChunkToGlobal drains up to one chunk's worth of entries from the
// bottom of the local queue into the global stack. On allocation failure
// (should_grow false and the allocator exhausted) it sets the coordinator's
// overflow flag, per spec.md §4.2's par_push_chunk contract, and leaves
// whatever it could not push still sitting in the local queue.
func (t *Task) moveChunkToGlobal() {
	var buf [markstack.ChunkSize]queue.Entry
	n := 0
	for n < len(buf) {
		e, ok := t.local.PopBottom()
		if !ok {
			break
		}
		buf[n] = e
		n++
	}
	if n == 0 {
		return
	}
	t.decreaseLimits()
	if !t.coord.stack.ParPushChunk(buf[:n]) {
		// Could not push: restore the entries to the local queue so no
		// work is lost, and report overflow.
		for i := 0; i < n; i++ {
			t.local.PushBottom(buf[i])
		}
		t.coord.hasOverflown.Store(true)
	}
}

// drainLocalQueue pops and processes every entry in the local queue.
func (t *Task) drainLocalQueue() {
	for {
		e, ok := t.local.PopBottom()
		if !ok {
			return
		}
		t.processEntry(e)
		if t.coord.hasAborted.Load() || t.coord.hasOverflown.Load() {
			return
		}
	}
}

// drainGlobalStack pulls chunks from the global stack into the local queue
// until the global stack is empty or the local queue fills, matching
// spec.md §4.3 step 4 ("drain_global_stack(partially=true) to pull a chunk
// from the global stack when local queue is low AND global stack
// non-empty").
func (t *Task) drainGlobalStack() {
	var buf [markstack.ChunkSize]queue.Entry
	for t.local.Len() < t.local.Cap()/2 {
		n, ok := t.coord.stack.ParPopChunk(&buf)
		if !ok {
			return
		}
		t.decreaseLimits()
		for i := 0; i < n; i++ {
			t.local.PushBottom(buf[i])
		}
		t.drainLocalQueue()
		if t.coord.hasAborted.Load() || t.coord.hasOverflown.Load() {
			return
		}
	}
}

// drainSATBBuffers drains every currently-available SATB buffer, marking
// and pushing each logged previous-value. drainingSATB is set while it runs
// so markAndPush keeps marking logged values after an overflow. Returns
// whether any buffer was found.
func (t *Task) drainSATBBuffers() bool {
	if t.coord.satbProvider == nil {
		return false
	}
	t.drainingSATB = true
	defer func() { t.drainingSATB = false }()

	any := false
	for {
		buf, ok := t.coord.satbProvider.NextBuffer()
		if !ok {
			return any
		}
		any = true
		t.decreaseLimits()
		t.drainSATBBuffer(buf)
		if t.coord.hasAborted.Load() {
			return any
		}
	}
}

func (t *Task) drainSATBBuffer(buf satb.Buffer) {
	for _, addr := range buf.Values {
		t.markAndPush(addr)
	}
}

// attemptStealing tries to steal one entry from another worker's local
// queue, processes it if successful, and reports whether it found work.
func (t *Task) attemptStealing() bool {
	for i, other := range t.coord.tasks {
		if i == t.id {
			continue
		}
		if e, ok := other.local.Steal(); ok {
			t.processEntry(e)
			return true
		}
	}
	return false
}

// scanRootRange walks the objects laid out back to back in [r.Start, r.End),
// starting with the object at r.Start, and marks and pushes every outgoing
// reference each one holds (spec.md §4.5). The walk stops early at an
// address with no object. It does not consult the bitmap for "already
// scanned" state, since by construction each range is claimed exactly once.
func (t *Task) scanRootRange(r rootregion.Range) {
	for addr := r.Start; addr < r.End; {
		obj := t.coord.objects.At(addr)
		if obj == nil {
			return
		}
		obj.IterateRefs(func(ref heap.Addr) {
			t.markAndPush(ref)
		})
		addr += heap.Addr(obj.SizeWords() * t.coord.tunables.WordSizeBytes)
	}
}
