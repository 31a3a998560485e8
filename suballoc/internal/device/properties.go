package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/suballoc/backend"
	"golang.org/x/exp/slog"
)

// MemoryCallbacks receives a notification after every successful reservation and before every
// release
type MemoryCallbacks interface {
	Allocate(memoryType int, reservation backend.Reservation, size int)
	Free(memoryType int, reservation backend.Reservation, size int)
}

// DeviceMemoryProperties is the allocator's view of the device: its memory types and heaps, its
// limits, and the set of live reservations made from it. All reservations go through Reserve and
// Release so that the heap counters, heap limits, and reservation cap stay accurate.
type DeviceMemoryProperties struct {
	logger          *slog.Logger
	backend         backend.Backend
	useMutex        bool
	memoryCallbacks MemoryCallbacks

	deviceProperties *core1_0.PhysicalDeviceProperties
	memoryProperties core1_0.PhysicalDeviceMemoryProperties
	heapLimits       []int

	reservationCount atomic.Int32
	budget           *BudgetTracker

	registryLock sync.Mutex
	registry     *swiss.Map[backend.Reservation, *SynchronizedReservation]
}

func NewDeviceMemoryProperties(
	logger *slog.Logger,
	b backend.Backend,
	useMutex bool,
	memoryCallbacks MemoryCallbacks,
	heapSizeLimits []int,
	budgetRefreshInterval int,
) (*DeviceMemoryProperties, error) {
	deviceProperties := b.DeviceProperties()
	if deviceProperties == nil || deviceProperties.Limits == nil {
		return nil, errors.New("the backend did not provide device limits")
	}

	memoryProperties := b.MemoryProperties()
	if memoryProperties == nil {
		return nil, errors.New("the backend did not provide memory properties")
	}

	if len(memoryProperties.MemoryTypes) > common.MaxMemoryTypes {
		return nil, errors.Newf("the backend reported %d memory types, but at most %d are supported", len(memoryProperties.MemoryTypes), common.MaxMemoryTypes)
	}

	if len(memoryProperties.MemoryHeaps) > common.MaxMemoryHeaps {
		return nil, errors.Newf("the backend reported %d memory heaps, but at most %d are supported", len(memoryProperties.MemoryHeaps), common.MaxMemoryHeaps)
	}

	err := memutils.CheckPow2(deviceProperties.Limits.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(deviceProperties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	heapCount := len(memoryProperties.MemoryHeaps)
	if len(heapSizeLimits) > 0 && len(heapSizeLimits) != heapCount {
		return nil, errors.Newf("CreateOptions.HeapSizeLimits has %d entries, but the device has %d heaps", len(heapSizeLimits), heapCount)
	}

	for typeIndex, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= heapCount {
			return nil, errors.Newf("memory type %d refers to heap %d, but the device has %d heaps", typeIndex, memoryType.HeapIndex, heapCount)
		}
	}

	properties := &DeviceMemoryProperties{
		logger:           logger,
		backend:          b,
		useMutex:         useMutex,
		memoryCallbacks:  memoryCallbacks,
		deviceProperties: deviceProperties,
		heapLimits:       make([]int, heapCount),
		registry:         swiss.NewMap[backend.Reservation, *SynchronizedReservation](16),
	}

	// Heap limits are applied by shrinking the heap as the rest of the allocator sees it
	properties.memoryProperties.MemoryTypes = append([]core1_0.MemoryType(nil), memoryProperties.MemoryTypes...)
	properties.memoryProperties.MemoryHeaps = append([]core1_0.MemoryHeap(nil), memoryProperties.MemoryHeaps...)
	for heapIndex, limit := range heapSizeLimits {
		if limit <= 0 {
			continue
		}

		properties.heapLimits[heapIndex] = limit
		if limit < properties.memoryProperties.MemoryHeaps[heapIndex].Size {
			properties.memoryProperties.MemoryHeaps[heapIndex].Size = limit
		}
	}

	budgetBackend, _ := b.(backend.BudgetBackend)
	properties.budget = NewBudgetTracker(logger, budgetBackend, properties.memoryProperties.MemoryHeaps, budgetRefreshInterval, useMutex)
	err = properties.budget.Refresh()
	if err != nil {
		return nil, err
	}

	return properties, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memoryTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

// MemoryHeapProperties returns the heap's properties. The size has already been reduced to the
// heap's size limit, if one was set.
func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

func (m *DeviceMemoryProperties) DeviceProperties() *core1_0.PhysicalDeviceProperties {
	return m.deviceProperties
}

func (m *DeviceMemoryProperties) IsIntegratedGPU() bool {
	return m.deviceProperties.DriverType == core1_0.PhysicalDeviceTypeIntegratedGPU
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// MemoryTypeMinimumAlignment is the smallest alignment any suballocation of the memory type may have.
// Non-coherent memory has to be flushed in units of nonCoherentAtomSize, so allocations are kept from
// sharing an atom.
func (m *DeviceMemoryProperties) MemoryTypeMinimumAlignment(memoryTypeIndex int) uint {
	if m.IsMemoryTypeHostNonCoherent(memoryTypeIndex) {
		alignment := uint(m.deviceProperties.Limits.NonCoherentAtomSize)
		if alignment < 1 {
			return 1
		}
		return alignment
	}

	return 1
}

func (m *DeviceMemoryProperties) BufferImageGranularity() int {
	granularity := m.deviceProperties.Limits.BufferImageGranularity
	if granularity < 1 {
		return 1
	}
	return granularity
}

func (m *DeviceMemoryProperties) GlobalMemoryTypeBits() uint32 {
	var typeBits uint32

	for memoryTypeIndex := range m.memoryProperties.MemoryTypes {
		typeBits |= 1 << memoryTypeIndex
	}

	return typeBits
}

// MaxReservationCount is the device's cap on live reservations. Zero means the device did not report one.
func (m *DeviceMemoryProperties) MaxReservationCount() int {
	return m.deviceProperties.Limits.MaxMemoryAllocationCount
}

func (m *DeviceMemoryProperties) ReservationCount() int {
	return int(m.reservationCount.Load())
}

// Reserve obtains a new reservation from the backend, charging it against the reservation cap and
// the heap's limit first. Nothing is charged if the reservation fails.
func (m *DeviceMemoryProperties) Reserve(memoryTypeIndex, size int, useHysteresis bool) (r *SynchronizedReservation, res common.VkResult, err error) {
	newCount := m.reservationCount.Add(1)
	defer func() {
		if err != nil {
			m.reservationCount.Add(-1)
		}
	}()

	maxCount := m.MaxReservationCount()
	if maxCount > 0 && int(newCount) > maxCount {
		return nil, core1_0.VKErrorTooManyObjects, errors.Wrapf(core1_0.VKErrorTooManyObjects.ToError(),
			"the device supports at most %d live reservations", maxCount)
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	if m.heapLimits[heapIndex] > 0 {
		res, err = m.budget.AddBlockAllocationWithLimit(heapIndex, size, m.memoryProperties.MemoryHeaps[heapIndex].Size)
		if err != nil {
			return nil, res, err
		}
	} else {
		m.budget.AddBlockAllocation(heapIndex, size)
	}
	defer func() {
		if err != nil {
			m.budget.RemoveBlockAllocation(heapIndex, size)
		}
	}()

	handle, res, err := m.backend.Reserve(memoryTypeIndex, size)
	if err != nil {
		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "backend reservation failed",
			slog.Int("memoryType", memoryTypeIndex),
			slog.Int("size", size),
			slog.Any("error", err),
		)
		return nil, res, err
	}

	if handle == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("the backend returned a zero reservation handle")
	}

	r = newSynchronizedReservation(m.backend, handle, memoryTypeIndex, size, m.useMutex, useHysteresis)

	m.registryLock.Lock()
	m.registry.Put(handle, r)
	m.registryLock.Unlock()

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, handle, size)
	}

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "reserved device memory",
		slog.Int("memoryType", memoryTypeIndex),
		slog.Int("size", size),
		slog.Uint64("reservation", uint64(handle)),
	)

	return r, res, nil
}

// Release returns a reservation to the backend. The reservation must not hold any consumer map
// references.
func (m *DeviceMemoryProperties) Release(r *SynchronizedReservation) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(r.memoryTypeIndex, r.handle, r.size)
	}

	r.release()

	m.registryLock.Lock()
	m.registry.Delete(r.handle)
	m.registryLock.Unlock()

	heapIndex := m.MemoryTypeIndexToHeapIndex(r.memoryTypeIndex)
	m.budget.RemoveBlockAllocation(heapIndex, r.size)
	m.reservationCount.Add(-1)

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "released device memory",
		slog.Int("memoryType", r.memoryTypeIndex),
		slog.Int("size", r.size),
		slog.Uint64("reservation", uint64(r.handle)),
	)
}

// VisitReservations calls visit for every live reservation until it returns true
func (m *DeviceMemoryProperties) VisitReservations(visit func(r *SynchronizedReservation) (stop bool)) {
	m.registryLock.Lock()
	defer m.registryLock.Unlock()

	m.registry.Iter(func(_ backend.Reservation, r *SynchronizedReservation) bool {
		return visit(r)
	})
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex, size int) {
	m.budget.AddAllocation(heapIndex, size)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex, size int) {
	m.budget.RemoveAllocation(heapIndex, size)
}

func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	m.budget.HeapBudgets(firstHeap, budgets)
}

// HeapBudget returns the current state of a single heap
func (m *DeviceMemoryProperties) HeapBudget(heapIndex int) Budget {
	var budget [1]Budget
	m.budget.HeapBudgets(heapIndex, budget[:])
	return budget[0]
}

func (m *DeviceMemoryProperties) RefreshBudget() error {
	return m.budget.Refresh()
}
