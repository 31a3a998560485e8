package suballoc

import (
	"context"
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/suballoc/backend"
	"github.com/vkngwrapper/gpumem/suballoc/internal/device"
	"github.com/vkngwrapper/gpumem/suballoc/internal/utils"
	"golang.org/x/exp/slog"
)

// Budget is the state of a single memory heap, as returned from Allocator.HeapBudgets
type Budget = device.Budget

// Allocator places allocations of device memory into a small number of large reservations obtained
// from a backend.Backend. All methods are safe for concurrent use unless the allocator was created
// with CreateExternallySynchronized.
type Allocator struct {
	useMutex bool
	logger   *slog.Logger
	backend  backend.Backend

	createFlags CreateFlags

	preferredLargeHeapBlockSize int
	globalMemoryTypeBits        uint32

	nextPoolId int
	poolsMutex utils.OptionalRWMutex
	pools      *swiss.Map[int, *Pool]

	deviceMemory         *device.DeviceMemoryProperties
	memoryBlockLists     [common.MaxMemoryTypes]*memoryBlockList
	dedicatedAllocations [common.MaxMemoryTypes]*dedicatedAllocationList
}

func (a *Allocator) calcAllocationParams(o *AllocationCreateInfo) (common.VkResult, error) {
	hostAccessFlags := o.Flags & (AllocationCreateHostAccessSequentialWrite | AllocationCreateHostAccessRandom)
	if hostAccessFlags == (AllocationCreateHostAccessSequentialWrite | AllocationCreateHostAccessRandom) {
		return invalidArgument("AllocationCreateHostAccessSequentialWrite and AllocationCreateHostAccessRandom cannot both be specified")
	}

	if hostAccessFlags == 0 && (o.Flags&AllocationCreateHostAccessAllowTransferInstead) != 0 {
		return invalidArgument("if AllocationCreateHostAccessAllowTransferInstead is specified, " +
			"either AllocationCreateHostAccessSequentialWrite or AllocationCreateHostAccessRandom must be specified as well")
	}

	if o.Usage.isAuto() && hostAccessFlags == 0 && o.Flags&AllocationCreateMapped != 0 {
		return invalidArgument("when using MemoryUsageAuto* with AllocationCreateMapped, either " +
			"AllocationCreateHostAccessSequentialWrite or AllocationCreateHostAccessRandom must be specified as well")
	}

	// Lazily allocated memory cannot be shared between allocations
	if o.Usage == MemoryUsageGPULazilyAllocated {
		o.Flags |= AllocationCreateDedicatedMemory
	}

	if o.Flags&AllocationCreateDedicatedMemory != 0 && o.Flags&AllocationCreateNeverAllocate != 0 {
		return invalidArgument("AllocationCreateDedicatedMemory and AllocationCreateNeverAllocate cannot be specified together")
	}

	if o.Pool != nil && o.Pool.blockList.HasExplicitBlockSize() && o.Flags&AllocationCreateDedicatedMemory != 0 {
		return core1_0.VKErrorFeatureNotPresent, errors.Wrapf(core1_0.VKErrorFeatureNotPresent.ToError(),
			"pool %d has an explicit block size and cannot hold dedicated allocations", o.Pool.id)
	}

	if !o.Usage.isAuto() && hostAccessFlags == 0 {
		o.Flags |= AllocationCreateHostAccessRandom
	}

	return core1_0.VKSuccess, nil
}

func (a *Allocator) findMemoryPreferences(o *AllocationCreateInfo) (requiredFlags, preferredFlags, notPreferredFlags core1_0.MemoryPropertyFlags) {
	isIntegratedGPU := a.deviceMemory.IsIntegratedGPU()
	requiredFlags = o.RequiredFlags
	preferredFlags = o.PreferredFlags

	switch o.Usage {
	case MemoryUsageGPUOnly:
		if !isIntegratedGPU || preferredFlags&core1_0.MemoryPropertyHostVisible == 0 {
			preferredFlags |= core1_0.MemoryPropertyDeviceLocal
		}
	case MemoryUsageCPUOnly:
		requiredFlags |= core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	case MemoryUsageCPUToGPU:
		requiredFlags |= core1_0.MemoryPropertyHostVisible
		if !isIntegratedGPU || preferredFlags&core1_0.MemoryPropertyHostVisible == 0 {
			preferredFlags |= core1_0.MemoryPropertyDeviceLocal
		}
	case MemoryUsageGPUToCPU:
		requiredFlags |= core1_0.MemoryPropertyHostVisible
		preferredFlags |= core1_0.MemoryPropertyHostCached
	case MemoryUsageCPUCopy:
		notPreferredFlags |= core1_0.MemoryPropertyDeviceLocal
	case MemoryUsageGPULazilyAllocated:
		requiredFlags |= core1_0.MemoryPropertyLazilyAllocated
	case MemoryUsageAuto, MemoryUsageAutoPreferDevice, MemoryUsageAutoPreferHost:
		deviceAccess := !o.TransferOnly
		hostAccessSequentialWrite := o.Flags&AllocationCreateHostAccessSequentialWrite != 0
		hostAccessRandom := o.Flags&AllocationCreateHostAccessRandom != 0
		hostAccessAllowTransferInstead := o.Flags&AllocationCreateHostAccessAllowTransferInstead != 0
		preferDevice := o.Usage == MemoryUsageAutoPreferDevice
		preferHost := o.Usage == MemoryUsageAutoPreferHost

		if hostAccessRandom && !isIntegratedGPU && deviceAccess && hostAccessAllowTransferInstead && !preferHost {
			// Host-accessible memory that should live on the device. Host visibility would be nice,
			// but the caller can stage through a transfer instead.
			preferredFlags |= core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostCached
		} else if hostAccessRandom {
			requiredFlags |= core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached
		} else if hostAccessSequentialWrite {
			// Uncached write-combined memory
			notPreferredFlags |= core1_0.MemoryPropertyHostCached

			if !isIntegratedGPU && deviceAccess && hostAccessAllowTransferInstead && !preferHost {
				preferredFlags |= core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible
			} else {
				requiredFlags |= core1_0.MemoryPropertyHostVisible

				if deviceAccess && preferHost {
					notPreferredFlags |= core1_0.MemoryPropertyDeviceLocal
				} else if deviceAccess || preferDevice {
					preferredFlags |= core1_0.MemoryPropertyDeviceLocal
				} else {
					notPreferredFlags |= core1_0.MemoryPropertyDeviceLocal
				}
			}
		} else if preferHost {
			notPreferredFlags |= core1_0.MemoryPropertyDeviceLocal
		} else {
			preferredFlags |= core1_0.MemoryPropertyDeviceLocal
		}
	}

	return requiredFlags, preferredFlags, notPreferredFlags
}

// FindMemoryTypeIndex returns the memory type that best matches the provided options, out of the
// memory types permitted by memoryTypeBits. If no memory type is compatible, it returns
// core1_0.VKErrorFeatureNotPresent.
func (a *Allocator) FindMemoryTypeIndex(
	memoryTypeBits uint32,
	o AllocationCreateInfo,
) (int, common.VkResult, error) {
	return a.findMemoryTypeIndex(memoryTypeBits, &o)
}

func (a *Allocator) findMemoryTypeIndex(
	memoryTypeBits uint32,
	o *AllocationCreateInfo,
) (int, common.VkResult, error) {
	memoryTypeBits &= a.globalMemoryTypeBits
	if o.MemoryTypeBits != 0 {
		memoryTypeBits &= o.MemoryTypeBits
	}

	requiredFlags, preferredFlags, notPreferredFlags := a.findMemoryPreferences(o)

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, core1_0.VKSuccess, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, core1_0.VKErrorFeatureNotPresent, errors.Wrapf(core1_0.VKErrorFeatureNotPresent.ToError(),
			"no memory type in bits %b has property flags %d", memoryTypeBits, requiredFlags)
	}

	return bestMemoryTypeIndex, core1_0.VKSuccess, nil
}

// AllocateMemory creates a new allocation satisfying the provided requirements and places it in
// outAlloc, which must not hold a live allocation. kind describes the resource that will be bound to
// the allocation and is used to keep conflicting resources apart.
//
// If the allocation fails, no existing allocation or block is changed.
func (a *Allocator) AllocateMemory(memoryRequirements *core1_0.MemoryRequirements, kind ResourceKind, o AllocationCreateInfo, outAlloc *Allocation) (common.VkResult, error) {
	if outAlloc == nil {
		return invalidArgument("attempted to allocate into a nil allocation")
	} else if memoryRequirements == nil {
		return invalidArgument("attempted to allocate with nil memory requirements")
	} else if outAlloc.allocationType != allocationTypeNone {
		return invalidArgument("attempted to allocate into an allocation that is still live")
	}

	if kind <= resourceKindFree || kind >= resourceKindCount {
		return invalidArgument("unknown resource kind %d", kind)
	}

	if memoryRequirements.Size < 1 {
		return invalidArgument("memory requirement size %d was not a positive integer", memoryRequirements.Size)
	}

	alignment := uint(memoryRequirements.Alignment)
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "memory requirement alignment")
	if err != nil {
		return core1_0.VKErrorUnknown, errors.Mark(err, ErrInvalidArgument)
	}

	res, err := a.calcAllocationParams(&o)
	if err != nil {
		return res, err
	}

	size := memoryRequirements.Size

	if o.Pool != nil {
		pool := o.Pool
		if memoryRequirements.MemoryTypeBits&(1<<pool.blockList.memoryTypeIndex) == 0 {
			return core1_0.VKErrorFeatureNotPresent, errors.Wrapf(core1_0.VKErrorFeatureNotPresent.ToError(),
				"pool %d uses memory type %d, which the memory requirements do not permit", pool.id, pool.blockList.memoryTypeIndex)
		}

		return a.allocateMemoryOfType(
			pool,
			size,
			alignment,
			&o,
			pool.blockList.memoryTypeIndex,
			kind,
			&pool.dedicatedAllocations,
			&pool.blockList,
			outAlloc,
		)
	}

	memoryBits := memoryRequirements.MemoryTypeBits
	memoryTypeIndex, res, err := a.findMemoryTypeIndex(memoryBits, &o)
	if err != nil {
		return res, err
	}

	var lastErr error
	for memoryTypeIndex >= 0 {
		blockList := a.memoryBlockLists[memoryTypeIndex]
		if blockList == nil {
			return core1_0.VKErrorUnknown, errors.Newf("attempted to allocate from unsupported memory type index %d", memoryTypeIndex)
		}

		res, err = a.allocateMemoryOfType(
			nil,
			size,
			alignment,
			&o,
			memoryTypeIndex,
			kind,
			a.dedicatedAllocations[memoryTypeIndex],
			blockList,
			outAlloc,
		)

		// Allocation succeeded or irrevocably failed
		if err == nil || res == core1_0.VKErrorUnknown {
			return res, err
		}
		lastErr = err

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocation failed in memory type, trying the next",
			slog.Int("memoryType", memoryTypeIndex),
			slog.Int("size", size),
			slog.Any("error", err),
		)

		// Remove the memory type from the candidates and find the next best
		memoryBits &= ^(uint32(1) << memoryTypeIndex)
		memoryTypeIndex, _, err = a.findMemoryTypeIndex(memoryBits, &o)
		if err != nil {
			break
		}
	}

	if res == core1_0.VKErrorMemoryMapFailed {
		return res, lastErr
	}
	return core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(lastErr, "no compatible memory type could hold an allocation of %d bytes", size)
}

func (a *Allocator) calculateMemoryTypeParameters(
	options *AllocationCreateInfo,
	memoryTypeIndex int,
) {
	// Persistent mapping is ignored for memory types that cannot be mapped
	if options.Flags&AllocationCreateMapped != 0 &&
		a.deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
		options.Flags &= ^AllocationCreateMapped
	}
}

func (a *Allocator) allocateMemoryOfType(
	pool *Pool,
	size int,
	alignment uint,
	createInfo *AllocationCreateInfo,
	memoryTypeIndex int,
	kind ResourceKind,
	dedicatedAllocations *dedicatedAllocationList,
	blockAllocations *memoryBlockList,
	outAlloc *Allocation,
) (common.VkResult, error) {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::allocateMemoryOfType",
		slog.Int("memoryType", memoryTypeIndex),
		slog.Int("size", size),
		slog.String("kind", kind.String()),
	)

	finalCreateInfo := *createInfo
	a.calculateMemoryTypeParameters(&finalCreateInfo, memoryTypeIndex)

	if finalCreateInfo.Flags&AllocationCreateDedicatedMemory != 0 {
		return a.allocateDedicatedMemory(pool, size, alignment, kind, dedicatedAllocations, memoryTypeIndex, &finalCreateInfo, outAlloc)
	}

	canAllocateDedicated := finalCreateInfo.Flags&AllocationCreateNeverAllocate == 0 && !blockAllocations.HasExplicitBlockSize()
	dedicatedPreferred := false

	if canAllocateDedicated {
		// Allocations of more than half a block get a reservation of their own
		if size > blockAllocations.PreferredBlockSize()/2 {
			dedicatedPreferred = true
		}

		// Near the device's reservation cap, share blocks instead
		maxReservations := a.deviceMemory.MaxReservationCount()
		if maxReservations > 0 && a.deviceMemory.ReservationCount() > maxReservations*3/4 {
			dedicatedPreferred = false
		}
	}

	var dedicatedRes common.VkResult
	var dedicatedErr error
	if dedicatedPreferred {
		dedicatedRes, dedicatedErr = a.allocateDedicatedMemory(pool, size, alignment, kind, dedicatedAllocations, memoryTypeIndex, &finalCreateInfo, outAlloc)
		if dedicatedErr == nil {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "  Allocated as DedicatedMemory")
			return dedicatedRes, nil
		}
	}

	res, err := blockAllocations.Allocate(size, alignment, &finalCreateInfo, kind, outAlloc)
	if err == nil {
		return res, nil
	}

	if canAllocateDedicated && !dedicatedPreferred {
		dedicatedRes, dedicatedErr = a.allocateDedicatedMemory(pool, size, alignment, kind, dedicatedAllocations, memoryTypeIndex, &finalCreateInfo, outAlloc)
		if dedicatedErr == nil {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "  Allocated as DedicatedMemory")
			return dedicatedRes, nil
		}
	}

	// A budget refusal says more about the request than the block list's failure does
	if dedicatedErr != nil && errors.Is(dedicatedErr, ErrBudgetExceeded) && !errors.Is(err, ErrBudgetExceeded) {
		res, err = dedicatedRes, dedicatedErr
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "  AllocateMemory FAILED",
		slog.Int("memoryType", memoryTypeIndex),
		slog.Any("error", err),
	)
	return res, err
}

func (a *Allocator) allocateDedicatedMemory(
	pool *Pool,
	size int,
	alignment uint,
	kind ResourceKind,
	dedicatedAllocations *dedicatedAllocationList,
	memoryTypeIndex int,
	createInfo *AllocationCreateInfo,
	outAlloc *Allocation,
) (res common.VkResult, err error) {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	if createInfo.Flags&AllocationCreateWithinBudget != 0 {
		budget := a.deviceMemory.HeapBudget(heapIndex)
		if budget.Usage+size > budget.Budget {
			return budgetExceeded(heapIndex, budget.Usage, size, budget.Budget)
		}
	}

	reservation, res, err := a.deviceMemory.Reserve(memoryTypeIndex, size, false)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			a.deviceMemory.Release(reservation)
		}
	}()

	doMap := createInfo.Flags&AllocationCreateMapped != 0
	if doMap {
		_, res, err = reservation.Map(1)
		if err != nil {
			return res, err
		}
	}

	outAlloc.init(a, createInfo.Flags.hostAccess())
	outAlloc.initDedicatedAllocation(pool, reservation, alignment, kind, doMap)
	outAlloc.SetUserData(createInfo.UserData)
	outAlloc.SetName(createInfo.Name)

	err = dedicatedAllocations.Register(outAlloc)
	if err != nil {
		if doMap {
			_ = reservation.Unmap(1)
		}
		outAlloc.allocationType = allocationTypeNone
		outAlloc.reservation = nil
		return core1_0.VKErrorUnknown, err
	}

	a.deviceMemory.AddAllocation(heapIndex, size)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated DedicatedMemory",
		slog.Int("memoryType", memoryTypeIndex),
		slog.Int("size", size),
	)
	return core1_0.VKSuccess, nil
}

func (a *Allocator) freeMemory(alloc *Allocation) error {
	var err error

	switch alloc.allocationType {
	case allocationTypeBlock:
		blockList := a.memoryBlockLists[alloc.memoryTypeIndex]
		if pool := alloc.blockData.block.parentPool; pool != nil {
			blockList = &pool.blockList
		}
		err = blockList.Free(alloc)
	case allocationTypeDedicated:
		err = a.freeDedicatedMemory(alloc)
	default:
		return errors.Newf("attempted to free an allocation of unknown type %s", alloc.allocationType)
	}

	if err != nil {
		return err
	}

	alloc.allocationType = allocationTypeNone
	alloc.reservation = nil
	alloc.blockData = blockData{}
	alloc.dedicatedData.parentPool = nil
	return nil
}

func (a *Allocator) freeDedicatedMemory(alloc *Allocation) error {
	memoryTypeIndex := alloc.MemoryTypeIndex()
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	if alloc.isPersistentMap() {
		err := alloc.reservation.Unmap(1)
		if err != nil {
			return err
		}
	}

	dedicatedAllocations := a.dedicatedAllocations[memoryTypeIndex]
	if parentPool := alloc.dedicatedData.parentPool; parentPool != nil {
		dedicatedAllocations = &parentPool.dedicatedAllocations
	}

	err := dedicatedAllocations.Unregister(alloc)
	if err != nil {
		return err
	}

	a.deviceMemory.Release(alloc.reservation)
	a.deviceMemory.RemoveAllocation(heapIndex, alloc.size)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed DedicatedMemory",
		slog.Int("memoryType", memoryTypeIndex),
		slog.Int("size", alloc.size),
	)
	return nil
}

// CreatePool creates a custom pool of blocks of a single memory type
func (a *Allocator) CreatePool(createInfo PoolCreateInfo) (*Pool, common.VkResult, error) {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::CreatePool",
		slog.Int("memoryType", createInfo.MemoryTypeIndex),
		slog.String("flags", createInfo.Flags.String()),
	)

	if createInfo.MaxBlockCount == 0 {
		createInfo.MaxBlockCount = math.MaxInt
	}
	if createInfo.MinBlockCount < 0 || createInfo.MaxBlockCount < 0 || createInfo.BlockSize < 0 {
		res, err := invalidArgument("pool block sizes and counts may not be negative")
		return nil, res, err
	}
	if createInfo.MinBlockCount > createInfo.MaxBlockCount {
		res, err := invalidArgument("provided MinBlockCount %d was greater than provided MaxBlockCount %d", createInfo.MinBlockCount, createInfo.MaxBlockCount)
		return nil, res, err
	}

	if createInfo.MemoryTypeIndex < 0 || createInfo.MemoryTypeIndex >= a.deviceMemory.MemoryTypeCount() ||
		(1<<createInfo.MemoryTypeIndex)&a.globalMemoryTypeBits == 0 {
		return nil, core1_0.VKErrorFeatureNotPresent, errors.Wrapf(core1_0.VKErrorFeatureNotPresent.ToError(),
			"memory type %d is not available", createInfo.MemoryTypeIndex)
	}

	if createInfo.MinAllocationAlignment > 0 {
		err := memutils.CheckPow2(createInfo.MinAllocationAlignment, "createInfo.MinAllocationAlignment")
		if err != nil {
			return nil, core1_0.VKErrorUnknown, errors.Mark(err, ErrInvalidArgument)
		}
	}

	pool := &Pool{
		logger:          a.logger,
		parentAllocator: a,
	}

	blockSize := a.calculatePreferredBlockSize(createInfo.MemoryTypeIndex)
	if createInfo.BlockSize != 0 {
		blockSize = createInfo.BlockSize
	}

	bufferImageGranularity := 1
	if createInfo.Flags&PoolCreateIgnoreBufferImageGranularity == 0 {
		bufferImageGranularity = a.deviceMemory.BufferImageGranularity()
	}

	alignment := a.deviceMemory.MemoryTypeMinimumAlignment(createInfo.MemoryTypeIndex)
	if createInfo.MinAllocationAlignment > alignment {
		alignment = createInfo.MinAllocationAlignment
	}

	pool.blockList.Init(
		a.useMutex,
		a,
		pool,
		createInfo.MemoryTypeIndex,
		blockSize,
		createInfo.MinBlockCount,
		createInfo.MaxBlockCount,
		bufferImageGranularity,
		createInfo.BlockSize != 0,
		createInfo.Flags.allocationStrategy(),
		alignment,
	)
	pool.dedicatedAllocations.Init(a.useMutex)

	res, err := pool.blockList.CreateMinBlocks()
	if err != nil {
		destroyErr := pool.destroyAfterLock()
		if destroyErr != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "error attempting to destroy pool after creation failure", slog.Any("error", destroyErr))
		}
		return nil, res, err
	}

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	pool.id = a.nextPoolId
	a.nextPoolId++
	a.pools.Put(pool.id, pool)

	return pool, core1_0.VKSuccess, nil
}

// HeapBudgets fills budgets with the state of len(budgets) memory heaps, starting with firstHeap
func (a *Allocator) HeapBudgets(firstHeap int, budgets []Budget) error {
	if firstHeap < 0 || firstHeap+len(budgets) > a.deviceMemory.MemoryHeapCount() {
		return errors.Newf("requested budgets for heaps %d through %d, but the device has %d heaps",
			firstHeap, firstHeap+len(budgets)-1, a.deviceMemory.MemoryHeapCount())
	}

	a.deviceMemory.HeapBudgets(firstHeap, budgets)
	return nil
}

// RefreshBudget fetches the heap budgets from the backend immediately, instead of waiting for the
// refresh interval to elapse. It does nothing for backends that do not report budgets.
func (a *Allocator) RefreshBudget() error {
	return a.deviceMemory.RefreshBudget()
}

func (a *Allocator) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return a.deviceMemory.MemoryTypeProperties(memoryTypeIndex)
}

func (a *Allocator) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return a.deviceMemory.MemoryHeapProperties(heapIndex)
}

func (a *Allocator) visitPools(visit func(pool *Pool) (stop bool)) {
	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()

	a.pools.Iter(func(_ int, pool *Pool) bool {
		return visit(pool)
	})
}

// CheckConsistency validates the metadata of every block and dedicated allocation in the allocator,
// including those in custom pools. An error indicates a bug in the allocator.
func (a *Allocator) CheckConsistency() error {
	for memoryTypeIndex := 0; memoryTypeIndex < a.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		if a.memoryBlockLists[memoryTypeIndex] == nil {
			continue
		}

		err := a.memoryBlockLists[memoryTypeIndex].Validate()
		if err != nil {
			return err
		}

		err = a.dedicatedAllocations[memoryTypeIndex].Validate()
		if err != nil {
			return errors.Wrapf(err, "dedicated allocations of memory type %d", memoryTypeIndex)
		}
	}

	var poolErr error
	a.visitPools(func(pool *Pool) bool {
		poolErr = pool.CheckConsistency()
		return poolErr != nil
	})
	return poolErr
}

// Destroy releases every block in the allocator's default pools. It fails if any custom pool has not
// been destroyed or any allocation has not been freed, logging each unfreed allocation.
func (a *Allocator) Destroy() error {
	a.poolsMutex.RLock()
	poolCount := a.pools.Count()
	a.poolsMutex.RUnlock()

	if poolCount > 0 {
		return errors.Newf("%d custom pools were not destroyed before the allocator", poolCount)
	}

	liveDedicated := 0
	for memoryTypeIndex := 0; memoryTypeIndex < a.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		if a.dedicatedAllocations[memoryTypeIndex] == nil {
			continue
		}

		count := a.dedicatedAllocations[memoryTypeIndex].Count()
		if count > 0 {
			a.dedicatedAllocations[memoryTypeIndex].logLeaks(a.logger)
			liveDedicated += count
		}
	}

	if liveDedicated > 0 {
		return errors.Newf("%d dedicated allocations were not freed before the allocator was destroyed", liveDedicated)
	}

	// Check every list before destroying any of them, so a failed Destroy leaves the allocator usable
	for memoryTypeIndex := 0; memoryTypeIndex < a.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		blockList := a.memoryBlockLists[memoryTypeIndex]
		if blockList == nil || blockList.HasNoAllocations() {
			continue
		}

		// Destroy refuses to release a list with live allocations and logs each of them
		return errors.Wrap(blockList.Destroy(), "the allocator still has live allocations")
	}

	for memoryTypeIndex := 0; memoryTypeIndex < a.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		if a.memoryBlockLists[memoryTypeIndex] == nil {
			continue
		}

		err := a.memoryBlockLists[memoryTypeIndex].Destroy()
		if err != nil {
			return err
		}
	}

	a.deviceMemory.VisitReservations(func(r *device.SynchronizedReservation) bool {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] reservation outlived the allocator",
			slog.Int("memoryType", r.MemoryTypeIndex()),
			slog.Int("size", r.Size()),
		)
		return false
	})

	return nil
}
