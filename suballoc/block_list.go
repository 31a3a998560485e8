package suballoc

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"github.com/vkngwrapper/gpumem/suballoc/internal/device"
	"github.com/vkngwrapper/gpumem/suballoc/internal/utils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

const maxNewBlockSizeShift = 3

// memoryBlockList is the set of blocks for a single memory type, either for one of the allocator's
// default pools or for a custom pool
type memoryBlockList struct {
	parentAllocator *Allocator
	parentPool      *Pool
	deviceMemory    *device.DeviceMemoryProperties
	logger          *slog.Logger

	memoryTypeIndex        int
	preferredBlockSize     int
	minBlockCount          int
	maxBlockCount          int
	bufferImageGranularity int

	explicitBlockSize      bool
	strategy               AllocationCreateFlags
	minAllocationAlignment uint

	mutex       utils.OptionalRWMutex
	blocks      []*deviceMemoryBlock
	nextBlockId int
}

func (l *memoryBlockList) MemoryTypeIndex() int       { return l.memoryTypeIndex }
func (l *memoryBlockList) PreferredBlockSize() int    { return l.preferredBlockSize }
func (l *memoryBlockList) HasExplicitBlockSize() bool { return l.explicitBlockSize }

func (l *memoryBlockList) BlockCount() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks)
}

func (l *memoryBlockList) Init(
	useMutex bool,
	allocator *Allocator,
	pool *Pool,
	memoryTypeIndex int,
	preferredBlockSize int,
	minBlockCount, maxBlockCount int,
	bufferImageGranularity int,
	explicitBlockSize bool,
	strategy AllocationCreateFlags,
	minAllocationAlignment uint,
) {
	l.parentAllocator = allocator
	l.parentPool = pool
	l.logger = allocator.logger
	l.deviceMemory = allocator.deviceMemory
	l.memoryTypeIndex = memoryTypeIndex
	l.preferredBlockSize = preferredBlockSize
	l.minBlockCount = minBlockCount
	l.maxBlockCount = maxBlockCount
	l.bufferImageGranularity = bufferImageGranularity
	l.explicitBlockSize = explicitBlockSize
	l.strategy = strategy & AllocationCreateStrategyMask
	l.minAllocationAlignment = minAllocationAlignment
	l.mutex.Init(useMutex)
}

// Destroy releases every block in the list. It fails without releasing anything if any block still
// holds allocations.
func (l *memoryBlockList) Destroy() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	liveAllocations := 0
	for _, block := range l.blocks {
		if !block.metadata.IsEmpty() {
			block.logUnreleasedAllocations()
			liveAllocations += block.metadata.AllocationCount()
		}
	}

	if liveAllocations > 0 {
		return errors.Newf("memory type %d still has %d live allocations", l.memoryTypeIndex, liveAllocations)
	}

	for _, block := range l.blocks {
		block.Destroy()
	}
	l.blocks = nil
	return nil
}

func (l *memoryBlockList) CreateMinBlocks() (common.VkResult, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for len(l.blocks) < l.minBlockCount {
		_, res, err := l.createBlock(l.preferredBlockSize)
		if err != nil {
			return res, err
		}
	}

	return core1_0.VKSuccess, nil
}

func (l *memoryBlockList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		block.metadata.AddDetailedStatistics(stats)
	}
}

// SumFreeSize returns the number of free bytes across every block in the list
func (l *memoryBlockList) SumFreeSize() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	free := 0
	for _, block := range l.blocks {
		free += block.metadata.SumFreeSize()
	}
	return free
}

func (l *memoryBlockList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks) == 0
}

func (l *memoryBlockList) HasNoAllocations() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		if !block.metadata.IsEmpty() {
			return false
		}
	}

	return true
}

func (l *memoryBlockList) createBlock(blockSize int) (*deviceMemoryBlock, common.VkResult, error) {
	reservation, res, err := l.deviceMemory.Reserve(l.memoryTypeIndex, blockSize, true)
	if err != nil {
		return nil, res, err
	}

	block := newDeviceMemoryBlock(l.logger, l.parentPool, l.deviceMemory, reservation, l.nextBlockId, l.bufferImageGranularity)
	l.nextBlockId++

	l.blocks = append(l.blocks, block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("memoryType", l.memoryTypeIndex),
		slog.Int("size", blockSize),
	)
	return block, res, nil
}

func (l *memoryBlockList) remove(block *deviceMemoryBlock) {
	blockIndex := slices.Index(l.blocks, block)
	if blockIndex < 0 {
		panic("attempted to remove a block from a block list that did not belong to it")
	}

	l.blocks = slices.Delete(l.blocks, blockIndex, blockIndex+1)
}

func (l *memoryBlockList) isHostVisible() bool {
	return l.deviceMemory.MemoryTypeProperties(l.memoryTypeIndex).PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

// Allocate places a new allocation in one of the list's blocks, creating a new block if necessary
// and permitted. On failure, the list is left exactly as it was.
func (l *memoryBlockList) Allocate(size int, alignment uint, createInfo *AllocationCreateInfo, kind ResourceKind, outAlloc *Allocation) (common.VkResult, error) {
	if l.minAllocationAlignment > alignment {
		alignment = l.minAllocationAlignment
	}

	// The budget may need to be fetched from the backend, which cannot happen under the list lock
	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	budget := l.deviceMemory.HeapBudget(heapIndex)

	rejectedBlock, res, err := l.allocWithLock(size, alignment, createInfo, kind, heapIndex, budget, outAlloc)
	if rejectedBlock != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted rejected block", slog.Int("block.id", rejectedBlock.id))
		rejectedBlock.Destroy()
	}

	return res, err
}

func (l *memoryBlockList) allocWithLock(size int, alignment uint, createInfo *AllocationCreateInfo, kind ResourceKind, heapIndex int, budget device.Budget, outAlloc *Allocation) (*deviceMemoryBlock, common.VkResult, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.allocPage(size, alignment, createInfo, kind, heapIndex, budget, outAlloc)
}

// allocPage must be called with the list lock held. A freshly created block that could not hold the
// allocation has already been removed from the list and is returned so the caller can release it
// after unlocking.
func (l *memoryBlockList) allocPage(size int, alignment uint, createInfo *AllocationCreateInfo, kind ResourceKind, heapIndex int, budget device.Budget, outAlloc *Allocation) (*deviceMemoryBlock, common.VkResult, error) {
	freeMemory := budget.Budget - budget.Usage
	if freeMemory < 0 {
		freeMemory = 0
	}

	withinBudget := createInfo.Flags&AllocationCreateWithinBudget != 0
	canFallbackToDedicated := !l.explicitBlockSize &&
		createInfo.Flags&AllocationCreateNeverAllocate == 0
	canCreateNewBlock := createInfo.Flags&AllocationCreateNeverAllocate == 0 &&
		len(l.blocks) < l.maxBlockCount &&
		(freeMemory >= size || (!canFallbackToDedicated && !withinBudget))
	budgetRefused := withinBudget && freeMemory < size &&
		createInfo.Flags&AllocationCreateNeverAllocate == 0 &&
		len(l.blocks) < l.maxBlockCount

	strategy := createInfo.Flags.strategy()
	if strategy == metadata.AllocationStrategyDefault {
		strategy = l.strategy.strategy()
	}

	// Early reject: no block in this list could ever hold the allocation
	if size > l.preferredBlockSize {
		return nil, core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(core1_0.VKErrorOutOfDeviceMemory.ToError(),
			"allocation of %d bytes is larger than the %d-byte blocks of memory type %d", size, l.preferredBlockSize, l.memoryTypeIndex)
	}

	// 1. Search existing blocks
	block, res, err := l.allocFromExistingBlocks(size, alignment, createInfo, kind, strategy, outAlloc)
	if err != nil || block != nil {
		return nil, res, err
	}

	// 2. Try to create a new block
	if canCreateNewBlock {
		newBlockSize := l.preferredBlockSize
		newBlockSizeShift := 0

		if !l.explicitBlockSize {
			maxExistingBlockSize := l.calcMaxBlockSize()

			for i := 0; i < maxNewBlockSizeShift; i++ {
				smallerNewBlockSize := newBlockSize / 2
				if smallerNewBlockSize > maxExistingBlockSize && smallerNewBlockSize >= size*2 {
					newBlockSize = smallerNewBlockSize
					newBlockSizeShift++
				} else {
					break
				}
			}
		}

		mayCreate := func(blockSize int) bool {
			if blockSize <= freeMemory {
				return true
			}
			if withinBudget {
				budgetRefused = true
				return false
			}
			return !canFallbackToDedicated
		}

		var newBlock *deviceMemoryBlock
		var retStatus common.VkResult
		if mayCreate(newBlockSize) {
			newBlock, retStatus, err = l.createBlock(newBlockSize)
		} else {
			retStatus = core1_0.VKErrorOutOfDeviceMemory
			err = retStatus.ToError()
		}

		if !l.explicitBlockSize {
			for err != nil && newBlockSizeShift < maxNewBlockSizeShift {
				smallerNewBlockSize := newBlockSize / 2
				if smallerNewBlockSize < size {
					break
				}

				newBlockSize = smallerNewBlockSize
				newBlockSizeShift++
				if mayCreate(newBlockSize) {
					newBlock, retStatus, err = l.createBlock(newBlockSize)
				}
			}
		}

		if err == nil {
			if newBlock.Size() < size {
				panic(fmt.Sprintf("created a new block %d to hold an allocation of size %d but the block was only size %d", newBlock.id, size, newBlock.Size()))
			}

			success, res, err := l.allocFromBlock(newBlock, size, alignment, createInfo, kind, strategy, outAlloc)
			if success {
				l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block for allocation",
					slog.Int("block.id", newBlock.id),
					slog.Int("size", newBlock.Size()),
				)
				l.incrementallySortBlocks()
				return nil, res, nil
			}

			// The request that justified the block could not be placed in it. Undo the growth.
			l.remove(newBlock)

			if err != nil && res == core1_0.VKErrorMemoryMapFailed {
				return newBlock, res, err
			}
			return newBlock, core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(core1_0.VKErrorOutOfDeviceMemory.ToError(),
				"a new %d-byte block could not hold an allocation of %d bytes", newBlock.Size(), size)
		} else if !budgetRefused {
			return nil, retStatus, err
		}
	}

	if budgetRefused {
		res, err := budgetExceeded(heapIndex, budget.Usage, size, budget.Budget)
		return nil, res, err
	}

	return nil, core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(core1_0.VKErrorOutOfDeviceMemory.ToError(),
		"no block of memory type %d could hold an allocation of %d bytes", l.memoryTypeIndex, size)
}

// allocFromExistingBlocks tries each existing block in the order preferred by the strategy and returns
// the block that accepted the allocation, if any
func (l *memoryBlockList) allocFromExistingBlocks(size int, alignment uint, createInfo *AllocationCreateInfo, kind ResourceKind, strategy metadata.AllocationStrategy, outAlloc *Allocation) (*deviceMemoryBlock, common.VkResult, error) {
	try := func(block *deviceMemoryBlock) (bool, common.VkResult, error) {
		success, res, err := l.allocFromBlock(block, size, alignment, createInfo, kind, strategy, outAlloc)
		if success {
			l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", block.id))
			l.incrementallySortBlocks()
		}
		return success, res, err
	}

	if strategy == metadata.AllocationStrategyMinTime {
		// Prefer blocks with the most free space by iterating backward
		for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
			block := l.blocks[blockIndex]
			success, res, err := try(block)
			if err != nil {
				return nil, res, err
			} else if success {
				return block, res, nil
			}
		}

		return nil, core1_0.VKErrorOutOfDeviceMemory, nil
	}

	if !l.isHostVisible() {
		// Prefer blocks with the least free space by iterating forward
		for _, block := range l.blocks {
			success, res, err := try(block)
			if err != nil {
				return nil, res, err
			} else if success {
				return block, res, nil
			}
		}

		return nil, core1_0.VKErrorOutOfDeviceMemory, nil
	}

	// Mappable allocations check blocks that are already mapped first, and other allocations check
	// unmapped blocks first, so that mapped blocks stay few
	isMappingAllowed := createInfo.Flags.hostAccess()
	for mappingIndex := 0; mappingIndex < 2; mappingIndex++ {
		for _, block := range l.blocks {
			if (mappingIndex == 0) != (isMappingAllowed == block.isMapped()) {
				continue
			}

			success, res, err := try(block)
			if err != nil {
				return nil, res, err
			} else if success {
				return block, res, nil
			}
		}
	}

	return nil, core1_0.VKErrorOutOfDeviceMemory, nil
}

// Free returns an allocation's range to its block. A block left empty is destroyed outside the list
// lock if another empty block already exists or the heap is over budget.
func (l *memoryBlockList) Free(alloc *Allocation) error {
	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	budget := l.deviceMemory.HeapBudget(heapIndex)
	size := alloc.size

	blockToDelete, err := l.freeWithLock(alloc, budget.Usage >= budget.Budget)
	if err != nil {
		return err
	}

	if blockToDelete != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", blockToDelete.id))
		blockToDelete.Destroy()
	}

	l.deviceMemory.RemoveAllocation(heapIndex, size)
	return nil
}

func (l *memoryBlockList) freeWithLock(alloc *Allocation, budgetExceeded bool) (blockToDelete *deviceMemoryBlock, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	block := alloc.blockData.block

	if alloc.isPersistentMap() {
		err := block.reservation.Unmap(1)
		if err != nil {
			return nil, err
		}
	}

	hasEmptyBlockBeforeFree := l.hasEmptyBlock()
	err = block.metadata.Free(alloc.blockData.handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing allocation with handle %+v in metadata: %+v", alloc.blockData.handle, err))
	}
	block.reservation.RecordFree()
	memutils.DebugValidate(block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block",
		slog.Int("block.id", block.id),
		slog.Int("memoryType", l.memoryTypeIndex),
		slog.Int("size", alloc.size),
	)

	canDeleteBlock := len(l.blocks) > l.minBlockCount

	if block.metadata.IsEmpty() && (hasEmptyBlockBeforeFree || budgetExceeded) && canDeleteBlock {
		blockToDelete = block
		l.remove(block)
	} else if !block.metadata.IsEmpty() && hasEmptyBlockBeforeFree && canDeleteBlock {
		// An empty block is lying around that nothing needs
		lastBlock := l.blocks[len(l.blocks)-1]
		if lastBlock.metadata.IsEmpty() {
			blockToDelete = lastBlock
			l.blocks = l.blocks[:len(l.blocks)-1]
		}
	}

	l.incrementallySortBlocks()

	return blockToDelete, nil
}

func (l *memoryBlockList) hasEmptyBlock() bool {
	for _, block := range l.blocks {
		if block.metadata.IsEmpty() {
			return true
		}
	}

	return false
}

// incrementallySortBlocks performs a single bubble sort step toward ascending free space
func (l *memoryBlockList) incrementallySortBlocks() {
	for blockIndex := 1; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex-1].metadata.SumFreeSize() > l.blocks[blockIndex].metadata.SumFreeSize() {
			l.blocks[blockIndex-1], l.blocks[blockIndex] = l.blocks[blockIndex], l.blocks[blockIndex-1]
			return
		}
	}
}

func (l *memoryBlockList) calcMaxBlockSize() int {
	result := 0
	for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
		blockSize := l.blocks[blockIndex].Size()
		if blockSize <= result {
			continue
		}

		result = blockSize
		if result >= l.preferredBlockSize {
			return result
		}
	}

	return result
}

// allocFromBlock returns false with a nil error if the block has no room. Errors are reserved for
// failures that should stop the search.
func (l *memoryBlockList) allocFromBlock(block *deviceMemoryBlock, size int, alignment uint, createInfo *AllocationCreateInfo, kind ResourceKind, strategy metadata.AllocationStrategy, outAlloc *Allocation) (bool, common.VkResult, error) {
	if !block.metadata.MayHaveFreeBlock(uint32(kind), size) {
		return false, core1_0.VKErrorOutOfDeviceMemory, nil
	}

	success, request, err := block.metadata.CreateAllocationRequest(size, alignment, uint32(kind), strategy)
	if err != nil {
		return false, core1_0.VKErrorUnknown, err
	} else if !success {
		return false, core1_0.VKErrorOutOfDeviceMemory, nil
	}

	res, err := l.commitAllocationRequest(request, block, alignment, createInfo, kind, outAlloc)
	if err != nil {
		return false, res, err
	}
	return true, res, nil
}

func (l *memoryBlockList) commitAllocationRequest(request metadata.AllocationRequest, block *deviceMemoryBlock, alignment uint, createInfo *AllocationCreateInfo, kind ResourceKind, outAlloc *Allocation) (common.VkResult, error) {
	mapped := createInfo.Flags&AllocationCreateMapped != 0 && l.isHostVisible()

	if mapped {
		_, res, err := block.reservation.Map(1)
		if err != nil {
			return res, err
		}
	}

	outAlloc.init(l.parentAllocator, createInfo.Flags.hostAccess())
	err := block.metadata.Alloc(request, uint32(kind), outAlloc)
	if err != nil {
		if mapped {
			_ = block.reservation.Unmap(1)
		}
		return core1_0.VKErrorUnknown, err
	}
	block.reservation.RecordAlloc()

	outAlloc.initBlockAllocation(block, request.BlockAllocationHandle, request.Offset, alignment, request.Size, kind, mapped)
	outAlloc.SetUserData(createInfo.UserData)
	outAlloc.SetName(createInfo.Name)

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.AddAllocation(heapIndex, request.Size)

	return core1_0.VKSuccess, nil
}

// Validate checks every block in the list, along with the list's own bookkeeping
func (l *memoryBlockList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if len(l.blocks) > l.maxBlockCount {
		return errors.Newf("memory type %d has %d blocks, but at most %d are permitted", l.memoryTypeIndex, len(l.blocks), l.maxBlockCount)
	}

	for _, block := range l.blocks {
		if block.memoryTypeIndex != l.memoryTypeIndex {
			return errors.Newf("block %d has memory type %d, but belongs to the list for memory type %d", block.id, block.memoryTypeIndex, l.memoryTypeIndex)
		}
		if block.parentPool != l.parentPool {
			return errors.Newf("block %d does not belong to this list's pool", block.id)
		}

		err := block.Validate()
		if err != nil {
			return errors.Wrapf(err, "block %d of memory type %d", block.id, l.memoryTypeIndex)
		}
	}

	return nil
}

func (l *memoryBlockList) PrintDetailedMap(json *jwriter.ObjectState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		blockObj := json.Name(strconv.Itoa(block.id)).Object()

		blockObj.Name("MapReferences").Int(block.reservation.References())
		block.metadata.BlockJsonData(blockObj)
		l.printDetailedMapAllocations(block.metadata, &blockObj)

		blockObj.End()
	}
}

func (l *memoryBlockList) printDetailedMapAllocations(md metadata.BlockMetadata, json *jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			if free {
				obj.Name("Type").String(resourceKindFree.String())
				obj.Name("Size").Int(size)
				return nil
			}

			alloc, isAllocation := userData.(*Allocation)
			if isAllocation && alloc != nil {
				alloc.printParameters(&obj)
			} else if userData != nil {
				obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
			}

			return nil
		})
}
