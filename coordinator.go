package concmark

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"concmark/barrier"
	"concmark/bitmap"
	"concmark/heap"
	"concmark/markstack"
	"concmark/queue"
	"concmark/rootregion"
	"concmark/satb"
	"concmark/statscache"
)

// Coordinator drives one marking cycle at a time over a region-partitioned
// heap: it owns the marking bitmap, the per-region TAMS/TARS arrays and
// live-word statistics, the region-claim finger, and the global chunked
// mark stack, and it manages the worker tasks that do the actual scanning.
//
// Grounded on the phase-transition structure documented in
// CongLeSolutionX-go_community/src/runtime/internal/gc/mgc.go's header
// comment (GCoff -> GCscan -> GCmark -> GCmarktermination -> GCoff), reshaped
// around spec.md's region-at-a-time claim-and-sweep instead of a single
// global phase flag, and on the Sweepone atomic-cursor claim pattern in
// that same package's mgcsweep.go for ClaimRegion.
type Coordinator struct {
	layout       heap.Layout
	objects      heap.ObjectModel
	poller       heap.SafepointPoller
	satbProvider satb.Provider
	tunables     Tunables
	logger       *slog.Logger

	numRegions int
	regionSize uintptr

	bitmap      *bitmap.MarkBitmap
	tams        []heap.Addr
	tars        []heap.Addr
	globalStats *statscache.Global
	rootRegions *rootregion.Set
	stack       *markstack.ChunkedStack

	numWorkers int
	tasks      []*Task

	finger          atomic.Uint64
	hasOverflown    atomic.Bool
	hasAborted      atomic.Bool
	concurrentPhase atomic.Bool
	needsRSRebuild  atomic.Bool

	remarkBarrier *barrier.Generational
	termWaiting   atomic.Int32

	completedCycles atomic.Uint32
	cycleRunning    atomic.Bool
	overflowCount   atomic.Int32
	lastCycleCause  atomic.Int32

	cycleID atomic.Uint64
}

// NewCoordinator constructs a coordinator over the given heap collaborators.
// It returns ErrCycleInitFailed if tunables do not validate, matching
// spec.md §7's "the coordinator refuses to start a cycle" on
// initialization failure -- here, at construction rather than at the first
// StartCycle, since the failure is deterministic and has nothing to do
// with cycle-local state.
func NewCoordinator(layout heap.Layout, objects heap.ObjectModel, poller heap.SafepointPoller, satbProvider satb.Provider, tunables Tunables, logger *slog.Logger) (*Coordinator, error) {
	if err := tunables.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleInitFailed, err)
	}
	if poller == nil {
		poller = heap.NopPoller{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	numWorkers := tunables.NumWorkers
	if numWorkers == 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	numRegions := layout.NumRegions()
	c := &Coordinator{
		layout:       layout,
		objects:      objects,
		poller:       poller,
		satbProvider: satbProvider,
		tunables:     tunables,
		logger:       logger,
		numRegions:   numRegions,
		regionSize:   layout.RegionSize(),
		bitmap:       bitmap.New(layout.HeapBase(), layout.HeapEnd(), tunables.WordSizeBytes),
		tams:         make([]heap.Addr, numRegions),
		tars:         make([]heap.Addr, numRegions),
		globalStats:  statscache.NewGlobal(numRegions),
		rootRegions:  rootregion.New(),
		stack:        markstack.NewChunkedStack(tunables.InitialStackChunks, tunables.MaxStackChunks),
		numWorkers:   numWorkers,
	}
	for i := range c.tars {
		c.tars[i] = noTARS
	}

	c.tasks = make([]*Task, numWorkers)
	for i := range c.tasks {
		c.tasks[i] = newTask(i, c)
	}
	c.remarkBarrier = barrier.New(numWorkers)

	return c, nil
}

// AddRootRegion registers a memory range to be pre-scanned at the start of
// the next cycle, preserving the SATB invariant for content copied into old
// regions during the pause (spec.md §4.5).
func (c *Coordinator) AddRootRegion(r rootregion.Range) {
	c.rootRegions.Add(r)
}

// IsMarked reports whether addr is marked in the active bitmap.
func (c *Coordinator) IsMarked(addr heap.Addr) bool { return c.bitmap.IsMarked(addr) }

// ConcurrentMarkingActive reports whether a cycle is between StartCycle and
// Remark, the window during which a real write barrier must log
// pre-overwrite values to a satb.Provider to preserve the snapshot
// invariant (spec.md §1's data-flow: "mutator (via write barriers) → SATB
// buffers → task drain"). It is already true during root-region scanning,
// and false during Remark itself and once a cycle has ended.
func (c *Coordinator) ConcurrentMarkingActive() bool { return c.concurrentPhase.Load() }

// MarkInBitmap lets an external collaborator (e.g. evacuation-failure
// handling) mark an object directly, exactly as a worker task would,
// including the stats bump on a true 0→1 transition. worker picks which
// per-worker stats cache absorbs the liveness delta.
func (c *Coordinator) MarkInBitmap(worker int, addr heap.Addr, sizeWords uintptr) bool {
	if !c.bitmap.TryMark(addr) {
		return false
	}
	idx := c.layout.RegionIndex(addr)
	if worker >= 0 && worker < len(c.tasks) {
		c.tasks[worker].statsCache.AddToLiveness(idx, int64(sizeWords))
	} else {
		c.globalStats.AddLive(idx, int64(sizeWords), 0)
	}
	return true
}

// SeedRoot marks addr as reachable and pushes it onto the global mark
// stack for scanning. This is the entry point an embedder's own root
// discovery (thread stacks, globals, JNI handles -- all external to this
// module) uses to hand the marking engine its starting set, once per cycle
// between StartCycle and MarkFromRoots. It reports false if addr is not
// below its region's TAMS or was already marked.
func (c *Coordinator) SeedRoot(addr heap.Addr) bool {
	idx := c.layout.RegionIndex(addr)
	if addr >= c.tams[idx] {
		return false
	}
	if !c.bitmap.TryMark(addr) {
		return false
	}
	obj := c.objects.At(addr)
	c.globalStats.AddLive(idx, int64(obj.SizeWords()), 0)
	if !c.stack.ParPushChunk([]queue.Entry{queue.EntryFromObject(addr)}) {
		c.hasOverflown.Store(true)
	}
	return true
}

// LiveBytes returns the region's accumulated live byte count.
func (c *Coordinator) LiveBytes(idx int) uintptr {
	return c.globalStats.LiveBytes(idx, c.tunables.WordSizeBytes)
}

// TopAtMarkStart returns the TAMS snapshot for region idx.
func (c *Coordinator) TopAtMarkStart(idx int) heap.Addr { return c.tams[idx] }

// CompletedMarkCycles returns how many cycles have completed without abort.
func (c *Coordinator) CompletedMarkCycles() uint32 { return c.completedCycles.Load() }

// ConcurrentCycleAbort sets the abort flag a full-GC observer uses to make
// every worker and the root-region scan unwind (spec.md §4.7.3).
func (c *Coordinator) ConcurrentCycleAbort() {
	c.hasAborted.Store(true)
	c.rootRegions.Abort()
}

// GrowMarkStack doubles the global mark stack's reserved chunk capacity
// (markstack.ChunkedStack.Expand, spec.md §4.2: "expand() STW only, stack
// empty") and, when MaxStackChunks is non-zero, doubles that ceiling too,
// so a coordinator that exhausted its in-cycle overflow retry can actually
// make headway on a subsequent attempt (spec.md §8 scenario 4: "the
// coordinator grows stack only at the subsequent cycle-level retry").
// Must only be called between cycles -- StartCycle calls it automatically
// when the immediately preceding cycle on this coordinator ended with
// CauseOverflowRetryExhausted, so callers driving cycles through RunCycle
// or StartCycle/MarkFromRoots directly never need to call this themselves;
// it remains exported for callers that want to pre-grow the stack ahead of
// a cycle they expect to overflow.
func (c *Coordinator) GrowMarkStack() {
	c.stack.Reset()
	c.stack.Expand()
	if c.tunables.MaxStackChunks > 0 {
		c.tunables.MaxStackChunks *= 2
		c.stack.SetMaxChunks(c.tunables.MaxStackChunks)
	}
}

// RunCycle drives one full cycle: pre-start, application-root seeding,
// root-region scan, mark-from-roots (with overflow-restart handling),
// remark, and cleanup. It is the convenience entry point; the phase
// methods below are also exposed individually for callers (and tests) that
// want to interleave external safepoints between phases. seedRoots is
// called once, immediately after StartCycle, and is expected to call
// SeedRoot for every application root (thread stacks, globals) the
// embedder discovered; it may be nil if roots were already seeded another
// way, or if this cycle's live set is reached entirely through root-region
// scanning.
func (c *Coordinator) RunCycle(ctx context.Context, cause string, seedRoots func()) (CycleResult, error) {
	if err := c.StartCycle(ctx, cause); err != nil {
		return CycleResult{}, err
	}
	if seedRoots != nil {
		seedRoots()
	}

	c.ScanRootRegions(ctx)
	if c.hasAborted.Load() {
		c.lastCycleCause.Store(int32(CauseAbortedByFullGC))
		c.ConcurrentCycleEnd(false)
		return CycleResult{Completed: false, Cause: CauseAbortedByFullGC}, nil
	}

	result := c.MarkFromRoots(ctx)
	if !result.Completed {
		c.ConcurrentCycleEnd(false)
		return result, nil
	}

	c.Remark(ctx)
	if c.hasAborted.Load() {
		c.lastCycleCause.Store(int32(CauseAbortedByFullGC))
		c.ConcurrentCycleEnd(false)
		return CycleResult{Completed: false, Cause: CauseAbortedByFullGC, OverflowCount: result.OverflowCount}, nil
	}

	total := c.Cleanup()
	c.ConcurrentCycleEnd(true)
	return CycleResult{
		Completed:      true,
		Cause:          CauseCompleted,
		LiveBytesTotal: total,
		OverflowCount:  result.OverflowCount,
	}, nil
}

// StartCycle implements pre_concurrent_start: it snapshots TAMS for every
// region, resets the active bitmap, clears overflow/abort flags, and marks
// the coordinator as running a concurrent cycle.
func (c *Coordinator) StartCycle(ctx context.Context, cause string) error {
	if !c.cycleRunning.CompareAndSwap(false, true) {
		return ErrCycleAlreadyRunning
	}

	if CycleEndCause(c.lastCycleCause.Load()) == CauseOverflowRetryExhausted {
		// spec.md §8 scenario 4 / §4.7: the prior cycle exhausted its
		// in-cycle overflow retry without growing the stack ("Expansion
		// policy during this phase: NO expansion"); growth happens only
		// here, at the subsequent cycle-level retry.
		c.GrowMarkStack()
		c.lastCycleCause.Store(int32(CauseCompleted))
	}

	c.cycleID.Add(1)
	c.hasOverflown.Store(false)
	c.hasAborted.Store(false)
	c.needsRSRebuild.Store(false)
	c.overflowCount.Store(0)
	c.stack.SetShouldGrow(false)
	c.rootRegions.Reset()

	c.bitmap.ClearRange(c.layout.HeapBase(), c.layout.HeapEnd())
	c.globalStats.Reset()

	for i := 0; i < c.numRegions; i++ {
		c.tams[i] = c.layout.RegionTop(i)
		c.tars[i] = noTARS
	}
	c.finger.Store(uint64(c.layout.HeapBase()))
	c.concurrentPhase.Store(true)

	c.logger.InfoContext(ctx, "concurrent mark cycle started",
		slog.Uint64("cycle_id", c.cycleID.Load()),
		slog.String("cause", cause),
		slog.Int("num_regions", c.numRegions),
		slog.Int("num_workers", c.numWorkers),
	)
	return nil
}

// ScanRootRegions dispatches workers over the root-region set registered
// via AddRootRegion, marking and pushing every reference discovered in each
// claimed range before ordinary region-at-a-time marking begins.
func (c *Coordinator) ScanRootRegions(ctx context.Context) {
	if c.rootRegions.Len() == 0 {
		return
	}
	c.runWorkers(ctx, func(workerID int) {
		t := c.tasks[workerID]
		for {
			if c.hasAborted.Load() {
				return
			}
			r, ok := c.rootRegions.ClaimNext()
			if !ok {
				return
			}
			t.scanRootRange(r)
			c.rootRegions.MarkClaimedDone()
			if c.poller.ShouldYield() {
				c.poller.DoYield()
			}
		}
	})
	c.rootRegions.WaitUntilScanFinished()
}

// MarkFromRoots runs every worker's do_marking_step loop to completion,
// handling mark-stack overflow by restarting the marking phase from the
// current (SATB-consistent) bitmap state after every worker has been joined
// (spec.md §4.7.2; see recoverFromOverflow), up to one restart attempt per spec.md's
// scenario 4 ("second attempt still overflows -> coordinator grows the
// stack only at the next cycle-level retry"). It returns once every worker
// has terminated, overflowed with no more retries, or observed abort.
func (c *Coordinator) MarkFromRoots(ctx context.Context) CycleResult {
	for attempt := 0; ; attempt++ {
		c.hasOverflown.Store(false)
		c.termWaiting.Store(0)
		c.runWorkers(ctx, func(workerID int) {
			t := c.tasks[workerID]
			for {
				res := t.DoMarkingStep(ctx, c.tunables.TargetStepDuration, true, false)
				if res.Terminated || res.Aborted || c.hasOverflown.Load() || c.hasAborted.Load() {
					return
				}
			}
		})

		if c.hasAborted.Load() {
			c.lastCycleCause.Store(int32(CauseAbortedByFullGC))
			return CycleResult{Completed: false, Cause: CauseAbortedByFullGC, OverflowCount: int(c.overflowCount.Load())}
		}
		if !c.hasOverflown.Load() {
			c.lastCycleCause.Store(int32(CauseCompleted))
			return CycleResult{Completed: true, Cause: CauseCompleted, OverflowCount: int(c.overflowCount.Load())}
		}

		c.overflowCount.Add(1)
		c.logger.WarnContext(ctx, "mark stack overflow, restarting marking phase",
			slog.Uint64("cycle_id", c.cycleID.Load()),
			slog.Int("attempt", attempt),
		)
		if attempt >= 1 {
			// A second consecutive overflow within the same cycle: give up
			// restarting indefinitely and let the caller retry at the next
			// GC. Record the cause so the next StartCycle on this
			// coordinator grows the stack before marking resumes (spec.md
			// §4.7: "Expansion policy during this phase: NO expansion" --
			// expansion is deferred to the next cycle-level retry, never
			// done inline here).
			c.lastCycleCause.Store(int32(CauseOverflowRetryExhausted))
			return CycleResult{Completed: false, Cause: CauseOverflowRetryExhausted, OverflowCount: int(c.overflowCount.Load())}
		}
		c.recoverFromOverflow(ctx)
	}
}

// recoverFromOverflow resets the marking state for a restart attempt.
// spec.md §9's design note describes G1's own recovery as two
// WorkerThreadsBarrierSync rendezvous points bracketing the reset, so that
// workers still concurrently running never observe a half-reset stack or
// finger. This coordinator's do_marking_step loop instead has each worker
// return from runWorkers's closure the moment it observes overflow (see
// MarkFromRoots), so by the time recoverFromOverflow runs, every worker has
// already unwound and the WaitGroup in runWorkers has rejoined them -- the
// rendezvous a barrier would provide already happened, for free, as part of
// joining the round. A barrier-based mid-round recovery is deliberately not
// implemented here: workers exit the round at different points (some via
// overflow, some via ordinary termination), so a fixed-party barrier could
// deadlock waiting for a worker that already returned. remarkBarrier is
// reserved for Remark's STW rendezvous below, where every worker's round
// count is guaranteed to match.
func (c *Coordinator) recoverFromOverflow(ctx context.Context) {
	c.resetMarkingForRestart()
}

// resetMarkingForRestart empties the mark stack into the free list,
// resets every task's local queue and region-claim state, and resets the
// global finger, without touching the bitmap (already-marked bits remain
// valid: SATB plus "never mark above TAMS" together guarantee restarting
// from the current bitmap is sound). Idempotent, per spec.md §8.
func (c *Coordinator) resetMarkingForRestart() {
	c.stack.Reset()
	c.finger.Store(uint64(c.layout.HeapBase()))
	for _, t := range c.tasks {
		t.resetForRestart()
	}
}

// Remark runs the STW finalization protocol: grows the stack in place on
// overflow (spec.md §4.2: should_grow=true during remark), drains whatever
// SATB buffers and global-stack work remain across every worker in
// parallel, and captures TARS for any region selected for remembered-set
// rebuild. A real reference-processing sub-phase and weak-ref handling are
// external collaborators (spec.md §1); this method only performs the drain
// loop and the bookkeeping that belongs to the CORE.
//
// Every worker runs the same fixed sequence each round (drain SATB, drain
// the global stack into its local queue, drain its local queue, rendezvous)
// so all of them call remarkBarrier exactly once per round -- unlike
// MarkFromRoots's workers, none of them can exit early, so the barrier
// cannot deadlock waiting for a party that already left.
func (c *Coordinator) Remark(ctx context.Context) {
	c.concurrentPhase.Store(false)
	c.stack.SetShouldGrow(true)

	var anyWorkThisRound atomic.Bool
	var keepGoing atomic.Bool
	keepGoing.Store(true)

	c.runWorkers(ctx, func(workerID int) {
		t := c.tasks[workerID]
		for keepGoing.Load() {
			did := t.drainSATBBuffers()
			t.drainGlobalStack()
			t.drainLocalQueue()
			if did || !t.local.Empty() {
				anyWorkThisRound.Store(true)
			}

			if c.remarkBarrier.AwaitLeader() {
				if !anyWorkThisRound.Load() || c.hasAborted.Load() {
					keepGoing.Store(false)
				}
				anyWorkThisRound.Store(false)
			}
		}
	})

	c.logger.InfoContext(ctx, "remark finished",
		slog.Uint64("cycle_id", c.cycleID.Load()))
}

// SelectForRemSetRebuild captures TARS for region idx and marks the cycle
// as needing a remembered-set rebuild pass. This is a narrow contract: the
// actual rebuild (external collaborator) is out of scope.
func (c *Coordinator) SelectForRemSetRebuild(idx int) {
	c.tars[idx] = c.layout.RegionTop(idx)
	c.needsRSRebuild.Store(true)
}

// NeedsRemSetRebuild reports whether any region was selected for rebuild
// during remark.
func (c *Coordinator) NeedsRemSetRebuild() bool { return c.needsRSRebuild.Load() }

// TopAtRebuildStart returns the TARS for region idx, or ok=false if the
// region was not selected.
func (c *Coordinator) TopAtRebuildStart(idx int) (heap.Addr, bool) {
	v := c.tars[idx]
	return v, v != noTARS
}

// Cleanup computes final per-region live_bytes and returns their sum. Empty
// regions and heap-size bookkeeping are left to the external region
// allocator; this returns the figure that collaborator needs.
func (c *Coordinator) Cleanup() uint64 {
	var total uint64
	for i := 0; i < c.numRegions; i++ {
		total += uint64(c.LiveBytes(i))
	}
	return total
}

// ConcurrentCycleEnd finalizes bookkeeping for the cycle: bumps
// completedMarkCycles iff completed, and releases the "a cycle is running"
// latch so StartCycle can be called again.
func (c *Coordinator) ConcurrentCycleEnd(completed bool) {
	if completed {
		c.completedCycles.Add(1)
	}
	c.concurrentPhase.Store(false)
	c.cycleRunning.Store(false)
	c.logger.Info("concurrent mark cycle ended",
		slog.Uint64("cycle_id", c.cycleID.Load()),
		slog.Bool("completed", completed),
	)
}

// ClaimRegion atomically advances the global finger by one region stride
// and returns the next non-empty region for worker to scan. It skips empty
// regions (bottom == TAMS) without yielding the clock, per spec.md §4.7.1,
// and returns (zero, false, false) — "try again" — when it skipped an
// empty region but the heap is not exhausted, or (zero, false, true) when
// the finger has reached heap_end.
func (c *Coordinator) ClaimRegion(workerID int) (r Region, ok bool, exhausted bool) {
	for {
		cur := heap.Addr(c.finger.Load())
		if cur >= c.layout.HeapEnd() {
			return Region{}, false, true
		}
		next := cur + heap.Addr(c.regionSize)
		if !c.finger.CompareAndSwap(uint64(cur), uint64(next)) {
			continue
		}
		idx := c.layout.RegionIndex(cur)
		bottom := c.layout.RegionBottom(idx)
		limit := c.tams[idx]
		if bottom >= limit {
			// Empty region: bounded "try again" rather than recursing, so
			// the caller returns to its clock promptly as spec.md requires.
			return Region{}, false, false
		}
		return Region{Index: idx, Bottom: bottom, Limit: limit}, true, false
	}
}

// runWorkers fans body out across numWorkers goroutines and waits for all
// of them to return. Grounded on the range-splitting parfor dispatch in
// CongLeSolutionX-go_community/src/runtime/internal/gc/parfor.go, reshaped
// from a callback+counter C struct into a closure fan-out per spec.md §9's
// "static polymorphism via closures" design note.
func (c *Coordinator) runWorkers(ctx context.Context, body func(workerID int)) {
	var wg sync.WaitGroup
	wg.Add(c.numWorkers)
	for w := 0; w < c.numWorkers; w++ {
		w := w
		go func() {
			defer wg.Done()
			defer c.recoverWorkerPanic(w)
			body(w)
		}()
	}
	wg.Wait()
}

// recoverWorkerPanic implements spec.md §7's "worker panic/fault: fatal; no
// local recovery": it logs, sets the abort flag and aborts the root-region
// set, then re-panics at once in the worker's own goroutine. Sibling workers
// are not joined first; the unrecovered panic ends the process.
func (c *Coordinator) recoverWorkerPanic(workerID int) {
	if r := recover(); r != nil {
		c.logger.Error("marking worker panicked",
			slog.Uint64("cycle_id", c.cycleID.Load()),
			slog.Int("worker_id", workerID),
			slog.Any("panic", r),
		)
		c.hasAborted.Store(true)
		c.rootRegions.Abort()
		panic(r)
	}
}

// attemptTermination implements the unanimous task terminator of spec.md
// §4.6 step 7: a worker that finds no region, empty queues, and an empty
// global stack waits here; it returns true (terminate) only once every
// worker has simultaneously observed the same exhausted state, and false
// (resume) if new work appears for anyone while waiting.
//
// Grounded on the Nwait/Nproc rendezvous loop in getfull
// (CongLeSolutionX-go_community/src/runtime/internal/base/mgcwork.go),
// including its escalating backoff (spin, then yield, then sleep) before
// re-checking global state.
func (c *Coordinator) attemptTermination(ctx context.Context) bool {
	c.termWaiting.Add(1)
	backoff := time.Duration(0)
	for i := 0; ; i++ {
		if int(c.termWaiting.Load()) == c.numWorkers {
			return true
		}
		if c.hasWorkAvailable() || c.hasOverflown.Load() || c.hasAborted.Load() {
			c.termWaiting.Add(-1)
			return false
		}
		if int(c.termWaiting.Load()) == c.numWorkers {
			return true
		}
		switch {
		case i < 20:
			runtime.Gosched()
		case i < 40:
			backoff = 50 * time.Microsecond
			time.Sleep(backoff)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func (c *Coordinator) hasWorkAvailable() bool {
	if !c.stack.Empty() {
		return true
	}
	for _, t := range c.tasks {
		if !t.local.Empty() {
			return true
		}
	}
	return false
}

