package concmark

import (
	"context"
	"testing"

	"concmark/internal/testheap"
)

// TestGrowMarkStackLiftsCeiling checks the half of GrowMarkStack's contract
// that RunCycle-level tests can't observe directly: MaxStackChunks doubles
// alongside the allocator capacity each time it's called, so a ceiling that
// bound a prior cycle's overflow doesn't silently keep binding forever.
func TestGrowMarkStackLiftsCeiling(t *testing.T) {
	h := testheap.New(4096, 1)
	tu := DefaultTunables()
	tu.NumWorkers = 1
	tu.InitialStackChunks = 2
	tu.MaxStackChunks = 2
	c, err := NewCoordinator(h, h, nil, nil, tu, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	c.GrowMarkStack()
	if c.tunables.MaxStackChunks != 4 {
		t.Fatalf("MaxStackChunks after one GrowMarkStack call = %d, want 4", c.tunables.MaxStackChunks)
	}
	c.GrowMarkStack()
	if c.tunables.MaxStackChunks != 8 {
		t.Fatalf("MaxStackChunks after two GrowMarkStack calls = %d, want 8", c.tunables.MaxStackChunks)
	}
}

// TestStartCycleGrowsMarkStackAfterOverflowExhausted checks that StartCycle
// itself calls GrowMarkStack when the immediately preceding cycle on this
// coordinator ended with CauseOverflowRetryExhausted, per spec.md §8
// scenario 4 ("the coordinator grows stack only at the subsequent
// cycle-level retry"), and that it does not keep re-growing on every
// following cycle once the cause has been consumed.
func TestStartCycleGrowsMarkStackAfterOverflowExhausted(t *testing.T) {
	h := testheap.New(4096, 1)
	tu := DefaultTunables()
	tu.NumWorkers = 1
	tu.InitialStackChunks = 4
	tu.MaxStackChunks = 4
	c, err := NewCoordinator(h, h, nil, nil, tu, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	c.lastCycleCause.Store(int32(CauseOverflowRetryExhausted))
	ctx := context.Background()
	if err := c.StartCycle(ctx, "test"); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	if c.tunables.MaxStackChunks != 8 {
		t.Fatalf("StartCycle did not grow the stack after a CauseOverflowRetryExhausted cycle: MaxStackChunks = %d, want 8", c.tunables.MaxStackChunks)
	}
	if got := CycleEndCause(c.lastCycleCause.Load()); got != CauseCompleted {
		t.Fatalf("lastCycleCause not cleared after growth, got %v", got)
	}
	c.ConcurrentCycleEnd(true)

	if err := c.StartCycle(ctx, "test-again"); err != nil {
		t.Fatalf("StartCycle (second): %v", err)
	}
	if c.tunables.MaxStackChunks != 8 {
		t.Fatalf("StartCycle grew the stack again without an intervening overflow-exhausted cycle: MaxStackChunks = %d, want 8", c.tunables.MaxStackChunks)
	}
}
