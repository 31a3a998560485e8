package suballoc

import (
	"io"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpumem/suballoc/backend"
	"github.com/vkngwrapper/gpumem/suballoc/backend/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const mib = 1024 * 1024

type fakeBinding struct {
	resource    any
	reservation backend.Reservation
	offset      int
}

// fakeMemory serves backend calls from host memory. Host buffers are only created on first map, so
// large reservations cost nothing unless they are mapped.
type fakeMemory struct {
	lock         sync.Mutex
	nextHandle   backend.Reservation
	sizes        map[backend.Reservation]int
	buffers      map[backend.Reservation][]byte
	mapped       map[backend.Reservation]bool
	reserveSizes []int
	bindings     []fakeBinding
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{
		sizes:   make(map[backend.Reservation]int),
		buffers: make(map[backend.Reservation][]byte),
		mapped:  make(map[backend.Reservation]bool),
	}
}

func (m *fakeMemory) reserve(memoryTypeIndex int, size int) (backend.Reservation, common.VkResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.nextHandle++
	m.sizes[m.nextHandle] = size
	m.reserveSizes = append(m.reserveSizes, size)
	return m.nextHandle, core1_0.VKSuccess, nil
}

func (m *fakeMemory) release(r backend.Reservation) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.sizes[r]; !ok {
		panic("released an unknown reservation")
	}
	if m.mapped[r] {
		panic("released a mapped reservation")
	}
	delete(m.sizes, r)
	delete(m.buffers, r)
}

func (m *fakeMemory) mapToHost(r backend.Reservation) (unsafe.Pointer, common.VkResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.mapped[r] {
		panic("mapped a reservation twice")
	}
	buffer, ok := m.buffers[r]
	if !ok {
		buffer = make([]byte, m.sizes[r])
		m.buffers[r] = buffer
	}
	m.mapped[r] = true
	return unsafe.Pointer(&buffer[0]), core1_0.VKSuccess, nil
}

func (m *fakeMemory) unmapFromHost(r backend.Reservation) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.mapped[r] {
		panic("unmapped a reservation that was not mapped")
	}
	delete(m.mapped, r)
}

func (m *fakeMemory) bindResource(resource any, r backend.Reservation, offset int) (common.VkResult, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.bindings = append(m.bindings, fakeBinding{resource: resource, reservation: r, offset: offset})
	return core1_0.VKSuccess, nil
}

func (m *fakeMemory) LiveCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.sizes)
}

func (m *fakeMemory) MappedCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.mapped)
}

func (m *fakeMemory) ReserveSizes() []int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]int(nil), m.reserveSizes...)
}

type AllocatorSetup struct {
	MemoryTypes      []core1_0.MemoryType
	MemoryHeaps      []core1_0.MemoryHeap
	DeviceProperties core1_0.PhysicalDeviceProperties
	AllocatorOptions CreateOptions
}

func defaultSetup() AllocatorSetup {
	return AllocatorSetup{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1024 * mib, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 256 * mib},
		},
		DeviceProperties: core1_0.PhysicalDeviceProperties{
			DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
			Limits: &core1_0.PhysicalDeviceLimits{
				BufferImageGranularity:   1,
				NonCoherentAtomSize:      1,
				MaxMemoryAllocationCount: 4096,
			},
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard))
}

func readyAllocator(t *testing.T, ctrl *gomock.Controller, setup AllocatorSetup) (*fakeMemory, *Allocator) {
	memory := newFakeMemory()

	b := mocks.NewMockBackend(ctrl)
	b.EXPECT().DeviceProperties().Return(&setup.DeviceProperties).AnyTimes()
	b.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: setup.MemoryTypes,
		MemoryHeaps: setup.MemoryHeaps,
	}).AnyTimes()
	b.EXPECT().Reserve(gomock.Any(), gomock.Any()).DoAndReturn(memory.reserve).AnyTimes()
	b.EXPECT().Release(gomock.Any()).Do(memory.release).AnyTimes()
	b.EXPECT().MapToHost(gomock.Any()).DoAndReturn(memory.mapToHost).AnyTimes()
	b.EXPECT().UnmapFromHost(gomock.Any()).Do(memory.unmapFromHost).AnyTimes()
	b.EXPECT().BindResource(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(memory.bindResource).AnyTimes()

	allocator, err := New(testLogger(), b, setup.AllocatorOptions)
	require.NoError(t, err)

	return memory, allocator
}

func requireAllocate(t *testing.T, allocator *Allocator, size int, kind ResourceKind, o AllocationCreateInfo) *Allocation {
	var allocation Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           size,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, kind, o, &allocation)
	require.NoError(t, err)

	return &allocation
}

func TestAllocateMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	memory, allocator := readyAllocator(t, ctrl, defaultSetup())

	var allocation Allocation
	res, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      16,
		MemoryTypeBits: 0xffffffff,
	}, ResourceKindBuffer, AllocationCreateInfo{
		Usage: MemoryUsageAuto,
		Name:  "first",
	}, &allocation)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	require.Equal(t, 0, allocation.MemoryTypeIndex())
	require.Equal(t, 1000, allocation.Size())
	require.Equal(t, uint(16), allocation.Alignment())
	require.Equal(t, ResourceKindBuffer, allocation.Kind())
	require.Equal(t, "first", allocation.Name())
	require.False(t, allocation.IsDedicated())
	require.Nil(t, allocation.ParentPool())
	require.Equal(t, 1, memory.LiveCount())

	err = allocation.Free()
	require.NoError(t, err)
	require.Error(t, allocation.Free())

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, memory.LiveCount())
}

func TestAllocateMemory_GrowthRamp(t *testing.T) {
	ctrl := gomock.NewController(t)
	memory, allocator := readyAllocator(t, ctrl, defaultSetup())

	// A 1GiB heap prefers 128MiB blocks, but the first block is halved three times for a small request
	require.Equal(t, 128*mib, allocator.calculatePreferredBlockSize(0))

	allocation := requireAllocate(t, allocator, mib, ResourceKindBuffer, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
	})
	require.Equal(t, []int{16 * mib}, memory.ReserveSizes())
	require.Equal(t, 0, allocation.FindOffset())

	info := allocation.Info()
	require.Equal(t, 16*mib, info.ReservationSize)
	require.Equal(t, 0, info.Offset)
	require.False(t, info.Dedicated)

	require.NoError(t, allocation.Free())

	// The sole empty block stays resident
	require.Equal(t, 1, memory.LiveCount())

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, memory.LiveCount())
}

func TestAllocateMemory_LargeRequestsAreDedicated(t *testing.T) {
	ctrl := gomock.NewController(t)
	memory, allocator := readyAllocator(t, ctrl, defaultSetup())

	allocation := requireAllocate(t, allocator, 100*mib, ResourceKindImageOptimal, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
	})
	require.True(t, allocation.IsDedicated())
	require.Equal(t, []int{100 * mib}, memory.ReserveSizes())
	require.Equal(t, 100*mib, allocation.Info().ReservationSize)
	require.Equal(t, 0, allocation.FindOffset())

	require.NoError(t, allocation.Free())
	require.Equal(t, 0, memory.LiveCount())

	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_ExplicitDedicated(t *testing.T) {
	ctrl := gomock.NewController(t)
	memory, allocator := readyAllocator(t, ctrl, defaultSetup())

	allocation := requireAllocate(t, allocator, 4096, ResourceKindBuffer, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
		Flags: AllocationCreateDedicatedMemory,
	})
	require.True(t, allocation.IsDedicated())
	require.Equal(t, []int{4096}, memory.ReserveSizes())
	require.Equal(t, 1, allocator.dedicatedAllocations[0].Count())

	require.NoError(t, allocator.CheckConsistency())
	require.NoError(t, allocation.Free())
	require.Equal(t, 0, allocator.dedicatedAllocations[0].Count())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_LazilyAllocatedIsDedicated(t *testing.T) {
	ctrl := gomock.NewController(t)
	setup := defaultSetup()
	setup.MemoryTypes = append(setup.MemoryTypes, core1_0.MemoryType{
		PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyLazilyAllocated,
		HeapIndex:     0,
	})
	_, allocator := readyAllocator(t, ctrl, setup)

	allocation := requireAllocate(t, allocator, 4096, ResourceKindImageOptimal, AllocationCreateInfo{
		Usage: MemoryUsageGPULazilyAllocated,
	})
	require.Equal(t, 3, allocation.MemoryTypeIndex())
	require.True(t, allocation.IsDedicated())

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_NeverAllocate(t *testing.T) {
	ctrl := gomock.NewController(t)
	memory, allocator := readyAllocator(t, ctrl, defaultSetup())

	var allocation Allocation
	res, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           mib,
		Alignment:      1,
		MemoryTypeBits: 1,
	}, ResourceKindBuffer, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
		Flags: AllocationCreateNeverAllocate,
	}, &allocation)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Equal(t, 0, memory.LiveCount())

	first := requireAllocate(t, allocator, mib, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})

	// Once a block exists, NeverAllocate can use it
	second := requireAllocate(t, allocator, mib, ResourceKindBuffer, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
		Flags: AllocationCreateNeverAllocate,
	})
	require.Equal(t, 1, memory.LiveCount())
	require.Same(t, first.reservation, second.reservation)

	require.NoError(t, first.Free())
	require.NoError(t, second.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_InvalidArguments(t *testing.T) {
	ctrl := gomock.NewController(t)
	memory, allocator := readyAllocator(t, ctrl, defaultSetup())

	testCases := map[string]struct {
		Size      int
		Alignment int
		Kind      ResourceKind
		Options   AllocationCreateInfo
	}{
		"ZeroSize": {
			Size:      0,
			Alignment: 1,
			Kind:      ResourceKindBuffer,
		},
		"NonPowerOfTwoAlignment": {
			Size:      256,
			Alignment: 3,
			Kind:      ResourceKindBuffer,
		},
		"FreeKind": {
			Size:      256,
			Alignment: 1,
			Kind:      resourceKindFree,
		},
		"UnknownKind": {
			Size:      256,
			Alignment: 1,
			Kind:      resourceKindCount,
		},
		"BothHostAccessFlags": {
			Size:      256,
			Alignment: 1,
			Kind:      ResourceKindBuffer,
			Options: AllocationCreateInfo{
				Usage: MemoryUsageAuto,
				Flags: AllocationCreateHostAccessRandom | AllocationCreateHostAccessSequentialWrite,
			},
		},
		"TransferInsteadWithoutHostAccess": {
			Size:      256,
			Alignment: 1,
			Kind:      ResourceKindBuffer,
			Options: AllocationCreateInfo{
				Usage: MemoryUsageAuto,
				Flags: AllocationCreateHostAccessAllowTransferInstead,
			},
		},
		"AutoMappedWithoutHostAccess": {
			Size:      256,
			Alignment: 1,
			Kind:      ResourceKindBuffer,
			Options: AllocationCreateInfo{
				Usage: MemoryUsageAuto,
				Flags: AllocationCreateMapped,
			},
		},
		"DedicatedNeverAllocate": {
			Size:      256,
			Alignment: 1,
			Kind:      ResourceKindBuffer,
			Options: AllocationCreateInfo{
				Usage: MemoryUsageGPUOnly,
				Flags: AllocationCreateDedicatedMemory | AllocationCreateNeverAllocate,
			},
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			var allocation Allocation
			res, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
				Size:           testCase.Size,
				Alignment:      testCase.Alignment,
				MemoryTypeBits: 0xffffffff,
			}, testCase.Kind, testCase.Options, &allocation)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidArgument))
			require.Equal(t, core1_0.VKErrorUnknown, res)
		})
	}

	_, err := allocator.AllocateMemory(nil, ResourceKindBuffer, AllocationCreateInfo{}, &Allocation{})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = allocator.AllocateMemory(&core1_0.MemoryRequirements{Size: 1, MemoryTypeBits: 1}, ResourceKindBuffer, AllocationCreateInfo{}, nil)
	require.True(t, errors.Is(err, ErrInvalidArgument))

	live := requireAllocate(t, allocator, 256, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	_, err = allocator.AllocateMemory(&core1_0.MemoryRequirements{Size: 256, MemoryTypeBits: 1}, ResourceKindBuffer, AllocationCreateInfo{}, live)
	require.True(t, errors.Is(err, ErrInvalidArgument))
	require.NoError(t, live.Free())

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, memory.LiveCount())
}

func TestAllocateMemory_NoCompatibleType(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, allocator := readyAllocator(t, ctrl, defaultSetup())

	var allocation Allocation
	res, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           256,
		Alignment:      1,
		MemoryTypeBits: 0b1000,
	}, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageAuto}, &allocation)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorFeatureNotPresent, res)

	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_FallsBackToNextType(t *testing.T) {
	ctrl := gomock.NewController(t)
	setup := defaultSetup()
	// Heap 0 can hold nothing more than 8MiB
	setup.AllocatorOptions.HeapSizeLimits = []int{8 * mib, 0}
	memory, allocator := readyAllocator(t, ctrl, setup)

	first := requireAllocate(t, allocator, 6*mib, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	require.Equal(t, 0, first.MemoryTypeIndex())

	// The device-local heap is full, so the next best type is used
	second := requireAllocate(t, allocator, 6*mib, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	require.Equal(t, 1, second.MemoryTypeIndex())
	require.Equal(t, 2, memory.LiveCount())

	require.NoError(t, first.Free())
	require.NoError(t, second.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_HeapSizeLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	setup := defaultSetup()
	setup.AllocatorOptions.HeapSizeLimits = []int{64 * mib, 0}
	memory, allocator := readyAllocator(t, ctrl, setup)

	require.Equal(t, 64*mib, allocator.MemoryHeapProperties(0).Size)

	first := requireAllocate(t, allocator, 40*mib, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})

	var second Allocation
	res, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           40 * mib,
		Alignment:      1,
		MemoryTypeBits: 1,
	}, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly}, &second)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Equal(t, 1, memory.LiveCount())

	require.NoError(t, first.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_NoOverlap(t *testing.T) {
	ctrl := gomock.NewController(t)
	setup := defaultSetup()
	setup.DeviceProperties.Limits.BufferImageGranularity = 256
	memory, allocator := readyAllocator(t, ctrl, setup)

	rng := rand.New(rand.NewSource(7))
	kinds := []ResourceKind{ResourceKindBuffer, ResourceKindImageLinear, ResourceKindImageOptimal, ResourceKindUnknown}

	var live []*Allocation
	allocate := func() {
		var allocation Allocation
		size := 1 + rng.Intn(256*1024)
		alignment := 1 << rng.Intn(12)
		_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
			Size:           size,
			Alignment:      alignment,
			MemoryTypeBits: 1,
		}, kinds[rng.Intn(len(kinds))], AllocationCreateInfo{Usage: MemoryUsageGPUOnly}, &allocation)
		require.NoError(t, err)
		require.GreaterOrEqual(t, allocation.Size(), size)
		require.Zero(t, allocation.FindOffset()%alignment)
		live = append(live, &allocation)
	}

	requireDisjoint := func() {
		type span struct {
			reservation backend.Reservation
			offset      int
			size        int
		}

		spans := make([]span, 0, len(live))
		for _, allocation := range live {
			info := allocation.Info()
			require.LessOrEqual(t, info.Offset+info.Size, info.ReservationSize)
			spans = append(spans, span{reservation: info.Reservation, offset: info.Offset, size: info.Size})
		}

		sort.Slice(spans, func(i, j int) bool {
			if spans[i].reservation != spans[j].reservation {
				return spans[i].reservation < spans[j].reservation
			}
			return spans[i].offset < spans[j].offset
		})

		for i := 1; i < len(spans); i++ {
			if spans[i].reservation != spans[i-1].reservation {
				continue
			}
			require.LessOrEqual(t, spans[i-1].offset+spans[i-1].size, spans[i].offset)
		}
	}

	for i := 0; i < 200; i++ {
		allocate()
	}
	requireDisjoint()
	require.NoError(t, allocator.CheckConsistency())

	// Free every other allocation and refill the holes
	remaining := live[:0]
	for i, allocation := range live {
		if i%2 == 0 {
			require.NoError(t, allocation.Free())
			continue
		}
		remaining = append(remaining, allocation)
	}
	live = remaining

	for i := 0; i < 100; i++ {
		allocate()
	}
	requireDisjoint()
	require.NoError(t, allocator.CheckConsistency())

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, len(live), stats.Total.AllocationCount)

	for _, allocation := range live {
		require.NoError(t, allocation.Free())
	}

	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.Total.AllocationCount)
	require.Equal(t, 0, stats.Total.AllocationBytes)

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, memory.LiveCount())
}

func TestAllocateMemory_GranularitySeparatesKinds(t *testing.T) {
	ctrl := gomock.NewController(t)
	setup := defaultSetup()
	setup.DeviceProperties.Limits.BufferImageGranularity = 1024
	_, allocator := readyAllocator(t, ctrl, setup)

	buffer := requireAllocate(t, allocator, 100, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	image := requireAllocate(t, allocator, 100, ResourceKindImageOptimal, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	require.Same(t, buffer.reservation, image.reservation)

	bufferPages := [2]int{buffer.FindOffset() / 1024, (buffer.FindOffset() + buffer.Size() - 1) / 1024}
	imagePages := [2]int{image.FindOffset() / 1024, (image.FindOffset() + image.Size() - 1) / 1024}
	require.True(t, bufferPages[1] < imagePages[0] || imagePages[1] < bufferPages[0])

	require.NoError(t, allocator.CheckConsistency())
	require.NoError(t, buffer.Free())
	require.NoError(t, image.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_Bind(t *testing.T) {
	ctrl := gomock.NewController(t)
	memory, allocator := readyAllocator(t, ctrl, defaultSetup())

	first := requireAllocate(t, allocator, 4096, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	second := requireAllocate(t, allocator, 4096, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})

	_, err := first.Bind("first buffer")
	require.NoError(t, err)
	_, err = second.BindWithOffset(128, "second buffer")
	require.NoError(t, err)

	require.Equal(t, []fakeBinding{
		{resource: "first buffer", reservation: first.Info().Reservation, offset: first.FindOffset()},
		{resource: "second buffer", reservation: second.Info().Reservation, offset: second.FindOffset() + 128},
	}, memory.bindings)

	_, err = second.BindWithOffset(4096, "out of range")
	require.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = first.Bind(nil)
	require.Error(t, err)

	require.NoError(t, first.Free())
	require.NoError(t, second.Free())

	_, err = first.Bind("freed")
	require.Error(t, err)

	require.NoError(t, allocator.Destroy())
}

func TestAllocator_DestroyWithoutFree(t *testing.T) {
	ctrl := gomock.NewController(t)
	memory, allocator := readyAllocator(t, ctrl, defaultSetup())

	block := requireAllocate(t, allocator, mib, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	dedicated := requireAllocate(t, allocator, 100*mib, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})

	require.Error(t, allocator.Destroy())
	require.NoError(t, dedicated.Free())

	require.Error(t, allocator.Destroy())
	require.Equal(t, 1, memory.LiveCount())

	// A failed Destroy leaves the allocator usable
	require.NoError(t, block.Free())
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, memory.LiveCount())
}

func TestAllocator_MemoryCallbacks(t *testing.T) {
	ctrl := gomock.NewController(t)

	var allocated, freed []int
	setup := defaultSetup()
	setup.AllocatorOptions.MemoryCallbackOptions = &MemoryCallbackOptions{
		Allocate: func(allocator *Allocator, memoryType int, reservation backend.Reservation, size int, userData any) {
			require.Equal(t, "callback data", userData)
			allocated = append(allocated, size)
		},
		Free: func(allocator *Allocator, memoryType int, reservation backend.Reservation, size int, userData any) {
			freed = append(freed, size)
		},
		UserData: "callback data",
	}
	_, allocator := readyAllocator(t, ctrl, setup)

	block := requireAllocate(t, allocator, mib, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	dedicated := requireAllocate(t, allocator, 100*mib, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	require.Equal(t, []int{16 * mib, 100 * mib}, allocated)

	require.NoError(t, dedicated.Free())
	require.Equal(t, []int{100 * mib}, freed)

	require.NoError(t, block.Free())
	require.NoError(t, allocator.Destroy())
	require.Equal(t, []int{100 * mib, 16 * mib}, freed)
}

func TestNew_InvalidArguments(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)

	_, err := New(nil, b, CreateOptions{})
	require.Error(t, err)

	_, err = New(testLogger(), nil, CreateOptions{})
	require.Error(t, err)

	_, err = New(testLogger(), b, CreateOptions{PreferredLargeHeapBlockSize: -1})
	require.Error(t, err)
}

func TestAllocateMemory_Concurrent(t *testing.T) {
	ctrl := gomock.NewController(t)
	memory, allocator := readyAllocator(t, ctrl, defaultSetup())

	var wg sync.WaitGroup
	errs := make(chan error, 8)

	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(seed))
			var live []*Allocation
			for i := 0; i < 100; i++ {
				if len(live) > 0 && rng.Intn(3) == 0 {
					index := rng.Intn(len(live))
					if err := live[index].Free(); err != nil {
						errs <- err
						return
					}
					live = append(live[:index], live[index+1:]...)
					continue
				}

				var allocation Allocation
				_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
					Size:           1 + rng.Intn(mib),
					Alignment:      1 << rng.Intn(8),
					MemoryTypeBits: 0xffffffff,
				}, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageAuto}, &allocation)
				if err != nil {
					errs <- err
					return
				}
				live = append(live, &allocation)
			}

			for _, allocation := range live {
				if err := allocation.Free(); err != nil {
					errs <- err
					return
				}
			}
		}(int64(worker))
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, allocator.CheckConsistency())
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, memory.LiveCount())
}

func TestAllocateMemory_ConcurrentWithMapAndBind(t *testing.T) {
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(4))

	ctrl := gomock.NewController(t)
	memory, allocator := readyAllocator(t, ctrl, defaultSetup())

	options := AllocationCreateInfo{Usage: MemoryUsageCPUOnly}
	first := requireAllocate(t, allocator, 256, ResourceKindBuffer, options)
	firstInfo := first.Info()

	done := make(chan struct{})
	errs := make(chan error, 5)

	var readerWg sync.WaitGroup
	readerWg.Add(1)
	go func() {
		defer readerWg.Done()

		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}

			info := first.Info()
			if info.Offset != firstInfo.Offset || info.Reservation != firstInfo.Reservation {
				errs <- errors.Newf("allocation moved from offset %d to %d", firstInfo.Offset, info.Offset)
				return
			}

			ptr, _, err := first.Map()
			if err != nil {
				errs <- err
				return
			}
			*(*byte)(ptr) = byte(i)
			if err := first.Unmap(); err != nil {
				errs <- err
				return
			}

			if _, err := first.Bind(i); err != nil {
				errs <- err
				return
			}
		}
	}()

	var workerWg sync.WaitGroup
	allocations := make([][]*Allocation, 4)
	for worker := 0; worker < 4; worker++ {
		workerWg.Add(1)
		go func(worker int) {
			defer workerWg.Done()

			for i := 0; i < 500; i++ {
				var allocation Allocation
				_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
					Size:           256,
					Alignment:      1,
					MemoryTypeBits: 0xffffffff,
				}, ResourceKindBuffer, options, &allocation)
				if err != nil {
					errs <- err
					return
				}
				allocations[worker] = append(allocations[worker], &allocation)
			}
		}(worker)
	}

	workerWg.Wait()
	close(done)
	readerWg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Every allocation shares the first allocation's block
	for _, workerAllocations := range allocations {
		require.Len(t, workerAllocations, 500)
		for _, allocation := range workerAllocations {
			require.Equal(t, firstInfo.Reservation, allocation.Info().Reservation)
		}
	}
	require.NoError(t, allocator.CheckConsistency())

	for _, workerAllocations := range allocations {
		for _, allocation := range workerAllocations {
			require.NoError(t, allocation.Free())
		}
	}
	require.NoError(t, first.Free())
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, memory.LiveCount())
}
