package concmark

import (
	"fmt"
	"time"
)

// Tunables collects the engine's configuration knobs, enumerated in
// spec.md §6: initial/max mark-stack capacity, worker count, per-step
// target duration, the adaptive clock's periods, region stats cache size,
// local queue capacity, and the array-slice chunking size.
type Tunables struct {
	// InitialStackChunks is the mark stack's pre-reserved chunk capacity.
	InitialStackChunks int
	// MaxStackChunks bounds the mark stack; 0 means unbounded.
	MaxStackChunks int
	// NumWorkers is the number of marking tasks the coordinator runs. If 0,
	// NewCoordinator defaults it to runtime.GOMAXPROCS(0).
	NumWorkers int
	// TargetStepDuration is the soft per-step deadline passed to
	// Task.DoMarkingStep.
	TargetStepDuration time.Duration
	// WordsScanPeriod is the initial words-scanned clock period (spec.md
	// §4.6.2 default: 12288).
	WordsScanPeriod int64
	// RefsReachedPeriod is the initial refs-reached clock period (spec.md
	// §4.6.2 default: 1024).
	RefsReachedPeriod int64
	// StatsCacheSize is the number of direct-mapped slots in each worker's
	// region mark stats cache.
	StatsCacheSize int
	// LocalQueueCapacity is the fixed capacity of each task's local
	// work-stealing deque; must be a power of two.
	LocalQueueCapacity int
	// ArraySliceChunkWords bounds how many array elements a task scans
	// before re-chunking the remainder as a slice continuation.
	ArraySliceChunkWords int
	// WordSizeBytes is the heap word size, used both as the mark bitmap's
	// granule (spec.md §3: "1 bit per heap granule of size G, typically 8
	// bytes") and as the multiplier converting live_words to live_bytes.
	WordSizeBytes uintptr
}

// DefaultTunables returns spec.md's documented defaults, leaving NumWorkers
// at 0 (meaning "pick from GOMAXPROCS at construction time").
func DefaultTunables() Tunables {
	return Tunables{
		InitialStackChunks:   16,
		MaxStackChunks:       0,
		NumWorkers:           0,
		TargetStepDuration:   10 * time.Millisecond,
		WordsScanPeriod:      12288,
		RefsReachedPeriod:    1024,
		StatsCacheSize:       16,
		LocalQueueCapacity:   1024,
		ArraySliceChunkWords: 4096,
		WordSizeBytes:        8,
	}
}

// Validate rejects tunables the engine cannot safely run with. This is the
// one place spec.md §7 permits a "local error... never possible by
// construction" to instead be surfaced early, at configuration time rather
// than mid-cycle.
func (t Tunables) Validate() error {
	if t.LocalQueueCapacity <= 0 || t.LocalQueueCapacity&(t.LocalQueueCapacity-1) != 0 {
		return fmt.Errorf("concmark: LocalQueueCapacity %d must be a positive power of two", t.LocalQueueCapacity)
	}
	if t.InitialStackChunks <= 0 {
		return fmt.Errorf("concmark: InitialStackChunks must be positive")
	}
	if t.MaxStackChunks < 0 {
		return fmt.Errorf("concmark: MaxStackChunks must not be negative")
	}
	if t.MaxStackChunks > 0 && t.MaxStackChunks < t.InitialStackChunks {
		return fmt.Errorf("concmark: MaxStackChunks must be >= InitialStackChunks")
	}
	if t.WordsScanPeriod <= 0 || t.RefsReachedPeriod <= 0 {
		return fmt.Errorf("concmark: WordsScanPeriod and RefsReachedPeriod must be positive")
	}
	if t.StatsCacheSize <= 0 {
		return fmt.Errorf("concmark: StatsCacheSize must be positive")
	}
	if t.ArraySliceChunkWords <= 0 {
		return fmt.Errorf("concmark: ArraySliceChunkWords must be positive")
	}
	if t.NumWorkers < 0 {
		return fmt.Errorf("concmark: NumWorkers must not be negative")
	}
	if t.WordSizeBytes == 0 {
		return fmt.Errorf("concmark: WordSizeBytes must be positive")
	}
	return nil
}
