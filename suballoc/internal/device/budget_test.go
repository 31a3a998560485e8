package device

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpumem/suballoc/backend"
	"github.com/vkngwrapper/gpumem/suballoc/backend/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const mib = 1024 * 1024

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard))
}

func testHeaps() []core1_0.MemoryHeap {
	return []core1_0.MemoryHeap{
		{Size: 1000 * mib, Flags: core1_0.MemoryHeapDeviceLocal},
		{Size: 500 * mib},
	}
}

func TestBudget_NoBackendEstimates(t *testing.T) {
	tracker := NewBudgetTracker(testLogger(), nil, testHeaps(), 0, true)

	tracker.AddBlockAllocation(0, 64*mib)
	tracker.AddAllocation(0, 3*mib)
	tracker.AddAllocation(0, 1*mib)
	tracker.AddBlockAllocation(1, 16*mib)

	budgets := make([]Budget, 2)
	tracker.HeapBudgets(0, budgets)

	require.Equal(t, 1, budgets[0].Statistics.BlockCount)
	require.Equal(t, 64*mib, budgets[0].Statistics.BlockBytes)
	require.Equal(t, 2, budgets[0].Statistics.AllocationCount)
	require.Equal(t, 4*mib, budgets[0].Statistics.AllocationBytes)
	require.Equal(t, 64*mib, budgets[0].Usage)
	require.Equal(t, 800*mib, budgets[0].Budget)

	require.Equal(t, 16*mib, budgets[1].Usage)
	require.Equal(t, 400*mib, budgets[1].Budget)

	tracker.RemoveAllocation(0, 3*mib)
	tracker.RemoveBlockAllocation(1, 16*mib)

	var second [1]Budget
	tracker.HeapBudgets(1, second[:])
	require.Equal(t, 0, second[0].Statistics.BlockCount)
	require.Equal(t, 0, second[0].Usage)

	tracker.HeapBudgets(0, budgets[:1])
	require.Equal(t, 1, budgets[0].Statistics.AllocationCount)
	require.Equal(t, 1*mib, budgets[0].Statistics.AllocationBytes)
}

func TestBudget_LimitCAS(t *testing.T) {
	tracker := NewBudgetTracker(testLogger(), nil, testHeaps(), 0, true)

	_, err := tracker.AddBlockAllocationWithLimit(1, 64*mib, 100*mib)
	require.NoError(t, err)

	res, err := tracker.AddBlockAllocationWithLimit(1, 64*mib, 100*mib)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	budgets := make([]Budget, 1)
	tracker.HeapBudgets(1, budgets)
	require.Equal(t, 1, budgets[0].Statistics.BlockCount)
	require.Equal(t, 64*mib, budgets[0].Statistics.BlockBytes)
}

func TestBudget_NegativeCountersPanic(t *testing.T) {
	tracker := NewBudgetTracker(testLogger(), nil, testHeaps(), 0, true)

	require.Panics(t, func() { tracker.RemoveBlockAllocation(0, 1) })
	require.Panics(t, func() { tracker.RemoveAllocation(0, 1) })
}

func TestBudget_BackendClamps(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	b := mocks.NewMockBudgetBackend(ctrl)
	tracker := NewBudgetTracker(testLogger(), b, testHeaps(), 30, true)
	tracker.AddBlockAllocation(0, 32*mib)

	b.EXPECT().QueryHeapBudgets(gomock.Any()).DoAndReturn(func(out []backend.HeapBudget) error {
		// Heap 0 reports no usage and no budget, heap 1 reports a budget larger than the heap
		out[0] = backend.HeapBudget{}
		out[1] = backend.HeapBudget{Usage: 10 * mib, Budget: 900 * mib}
		return nil
	})

	budgets := make([]Budget, 2)
	tracker.HeapBudgets(0, budgets)

	require.Equal(t, 32*mib, budgets[0].Usage)
	require.Equal(t, 800*mib, budgets[0].Budget)
	require.Equal(t, 10*mib, budgets[1].Usage)
	require.Equal(t, 400*mib, budgets[1].Budget)
}

func TestBudget_BackendUsageTracksLocalChanges(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	b := mocks.NewMockBudgetBackend(ctrl)
	tracker := NewBudgetTracker(testLogger(), b, testHeaps(), 30, true)

	b.EXPECT().QueryHeapBudgets(gomock.Any()).DoAndReturn(func(out []backend.HeapBudget) error {
		out[0] = backend.HeapBudget{Usage: 100 * mib, Budget: 700 * mib}
		out[1] = backend.HeapBudget{Usage: 5 * mib, Budget: 300 * mib}
		return nil
	})
	require.NoError(t, tracker.Refresh())

	tracker.AddBlockAllocation(0, 64*mib)

	budgets := make([]Budget, 1)
	tracker.HeapBudgets(0, budgets)
	require.Equal(t, 164*mib, budgets[0].Usage)
	require.Equal(t, 700*mib, budgets[0].Budget)
}

func TestBudget_RefreshInterval(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	b := mocks.NewMockBudgetBackend(ctrl)
	tracker := NewBudgetTracker(testLogger(), b, testHeaps(), 3, true)

	fetches := 0
	b.EXPECT().QueryHeapBudgets(gomock.Any()).DoAndReturn(func(out []backend.HeapBudget) error {
		fetches++
		out[0] = backend.HeapBudget{Usage: 1, Budget: 700 * mib}
		out[1] = backend.HeapBudget{Usage: 1, Budget: 300 * mib}
		return nil
	}).Times(2)

	budgets := make([]Budget, 2)

	// The first read always fetches
	tracker.HeapBudgets(0, budgets)
	require.Equal(t, 1, fetches)

	tracker.AddAllocation(0, 1)
	tracker.AddAllocation(0, 1)
	tracker.HeapBudgets(0, budgets)
	require.Equal(t, 1, fetches)

	tracker.AddAllocation(0, 1)
	tracker.HeapBudgets(0, budgets)
	require.Equal(t, 2, fetches)
}

func TestBudget_RefreshError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	b := mocks.NewMockBudgetBackend(ctrl)
	tracker := NewBudgetTracker(testLogger(), b, testHeaps(), 30, true)

	queryErr := errors.New("device lost")
	b.EXPECT().QueryHeapBudgets(gomock.Any()).Return(queryErr)

	err := tracker.Refresh()
	require.ErrorIs(t, err, queryErr)
}
