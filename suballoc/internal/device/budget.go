package device

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/suballoc/backend"
	"github.com/vkngwrapper/gpumem/suballoc/internal/utils"
	"golang.org/x/exp/slog"
)

// DefaultBudgetRefreshInterval is the number of reservation and allocation operations after which
// a cached backend budget is considered stale
const DefaultBudgetRefreshInterval = 30

// Budget reports the current state of a single memory heap
type Budget struct {
	// Statistics holds the reservation ("block") and allocation counts and byte totals for the heap
	Statistics memutils.Statistics
	// Usage is the estimated number of bytes of the heap in use, by this process and, when the
	// backend can report it, by other processes
	Usage int
	// Budget is the estimated number of bytes of the heap that are available to this process
	Budget int
}

type heapCounters struct {
	blockCount      atomic.Int32
	allocationCount atomic.Int32
	blockBytes      atomic.Int64
	allocationBytes atomic.Int64
}

type budgetSnapshot struct {
	usage             [common.MaxMemoryHeaps]int
	budget            [common.MaxMemoryHeaps]int
	blockBytesAtFetch [common.MaxMemoryHeaps]int
}

// BudgetTracker tracks reserved and allocated memory per heap with lock-free counters. When the
// backend can report heap budgets, a snapshot of them is kept and refreshed every refreshInterval
// operations.
type BudgetTracker struct {
	logger          *slog.Logger
	backend         backend.BudgetBackend
	heaps           []core1_0.MemoryHeap
	refreshInterval uint32

	counters             [common.MaxMemoryHeaps]heapCounters
	operationsSinceFetch atomic.Uint32

	snapshotLock utils.OptionalRWMutex
	snapshot     budgetSnapshot
}

// NewBudgetTracker creates a tracker over the provided heaps. budgetBackend may be nil, in which case
// budgets are estimated from the heap sizes.
func NewBudgetTracker(logger *slog.Logger, budgetBackend backend.BudgetBackend, heaps []core1_0.MemoryHeap, refreshInterval int, useMutex bool) *BudgetTracker {
	if refreshInterval <= 0 {
		refreshInterval = DefaultBudgetRefreshInterval
	}

	tracker := &BudgetTracker{
		logger:          logger,
		backend:         budgetBackend,
		heaps:           heaps,
		refreshInterval: uint32(refreshInterval),
	}
	tracker.snapshotLock.Init(useMutex)
	// Nothing has been fetched yet, so the first budget read must go to the backend
	tracker.operationsSinceFetch.Store(tracker.refreshInterval)

	return tracker
}

// HasBackendBudget returns true if heap budgets come from the backend rather than a heuristic
func (t *BudgetTracker) HasBackendBudget() bool {
	return t.backend != nil
}

func (t *BudgetTracker) AddBlockAllocation(heapIndex, size int) {
	t.counters[heapIndex].blockBytes.Add(int64(size))
	t.counters[heapIndex].blockCount.Add(1)
	t.operationsSinceFetch.Add(1)
}

// AddBlockAllocationWithLimit records a new reservation of size bytes, unless doing so would take
// the heap's reserved bytes past maxBytes, in which case VKErrorOutOfDeviceMemory is returned and
// nothing is recorded
func (t *BudgetTracker) AddBlockAllocationWithLimit(heapIndex, size, maxBytes int) (common.VkResult, error) {
	counters := &t.counters[heapIndex]
	for {
		current := counters.blockBytes.Load()
		target := current + int64(size)

		if target > int64(maxBytes) {
			return core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(core1_0.VKErrorOutOfDeviceMemory.ToError(),
				"reserving %d bytes would exceed the %d byte limit of heap %d", size, maxBytes, heapIndex)
		}

		if counters.blockBytes.CompareAndSwap(current, target) {
			break
		}
	}

	counters.blockCount.Add(1)
	t.operationsSinceFetch.Add(1)
	return core1_0.VKSuccess, nil
}

func (t *BudgetTracker) RemoveBlockAllocation(heapIndex, size int) {
	newBytes := t.counters[heapIndex].blockBytes.Add(int64(-size))
	if newBytes < 0 {
		panic(fmt.Sprintf("block bytes for heap %d went negative", heapIndex))
	}

	newCount := t.counters[heapIndex].blockCount.Add(-1)
	if newCount < 0 {
		panic(fmt.Sprintf("block count for heap %d went negative", heapIndex))
	}

	t.operationsSinceFetch.Add(1)
}

func (t *BudgetTracker) AddAllocation(heapIndex, size int) {
	t.counters[heapIndex].allocationBytes.Add(int64(size))
	t.counters[heapIndex].allocationCount.Add(1)
	t.operationsSinceFetch.Add(1)
}

func (t *BudgetTracker) RemoveAllocation(heapIndex, size int) {
	newBytes := t.counters[heapIndex].allocationBytes.Add(int64(-size))
	if newBytes < 0 {
		panic(fmt.Sprintf("allocation bytes for heap %d went negative", heapIndex))
	}

	newCount := t.counters[heapIndex].allocationCount.Add(-1)
	if newCount < 0 {
		panic(fmt.Sprintf("allocation count for heap %d went negative", heapIndex))
	}

	t.operationsSinceFetch.Add(1)
}

// Refresh queries the backend for fresh heap budgets. It does nothing if the backend cannot
// report budgets. It must not be called while holding a block list lock.
func (t *BudgetTracker) Refresh() error {
	if t.backend == nil {
		return nil
	}

	reported := make([]backend.HeapBudget, len(t.heaps))
	err := t.backend.QueryHeapBudgets(reported)
	if err != nil {
		t.logger.LogAttrs(context.Background(), slog.LevelError, "failed to query heap budgets", slog.Any("error", err))
		return errors.Wrap(err, "failed to query heap budgets")
	}

	t.snapshotLock.Lock()
	defer t.snapshotLock.Unlock()

	for heapIndex, heap := range t.heaps {
		usage := reported[heapIndex].Usage
		budget := reported[heapIndex].Budget
		blockBytes := int(t.counters[heapIndex].blockBytes.Load())

		// Some drivers report nonsense budgets
		if budget == 0 || budget > heap.Size {
			budget = heap.Size * 8 / 10
		}

		if usage == 0 && blockBytes > 0 {
			usage = blockBytes
		}

		t.snapshot.usage[heapIndex] = usage
		t.snapshot.budget[heapIndex] = budget
		t.snapshot.blockBytesAtFetch[heapIndex] = blockBytes

		t.logger.LogAttrs(context.Background(), slog.LevelDebug, "refreshed heap budget",
			slog.Int("heapIndex", heapIndex),
			slog.Int("usage", usage),
			slog.Int("budget", budget),
		)
	}

	t.operationsSinceFetch.Store(0)
	return nil
}

// HeapBudgets fills budgets with the state of len(budgets) heaps, starting at firstHeap. A stale
// backend snapshot is refreshed first.
func (t *BudgetTracker) HeapBudgets(firstHeap int, budgets []Budget) {
	if t.backend != nil && t.operationsSinceFetch.Load() >= t.refreshInterval {
		// A failed refresh leaves the previous snapshot in place, which is still the best estimate
		_ = t.Refresh()
	}

	t.snapshotLock.RLock()
	defer t.snapshotLock.RUnlock()

	for i := range budgets {
		heapIndex := firstHeap + i
		counters := &t.counters[heapIndex]
		out := &budgets[i]

		out.Statistics.BlockCount = int(counters.blockCount.Load())
		out.Statistics.AllocationCount = int(counters.allocationCount.Load())
		out.Statistics.BlockBytes = int(counters.blockBytes.Load())
		out.Statistics.AllocationBytes = int(counters.allocationBytes.Load())

		heapSize := t.heaps[heapIndex].Size
		if t.backend == nil {
			out.Usage = out.Statistics.BlockBytes
			out.Budget = heapSize * 8 / 10
			continue
		}

		usage := t.snapshot.usage[heapIndex] + out.Statistics.BlockBytes - t.snapshot.blockBytesAtFetch[heapIndex]
		if usage < 0 {
			usage = 0
		}
		out.Usage = usage

		out.Budget = t.snapshot.budget[heapIndex]
		if out.Budget > heapSize {
			out.Budget = heapSize
		}
	}
}
