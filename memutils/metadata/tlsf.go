package metadata

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/nodepool"
)

const (
	SmallBufferSize        = 256
	SecondLevelIndex uint8 = 5
	MemoryClassShift       = 7
	MaxMemoryClasses       = 65 - MemoryClassShift

	smallSizeStep         = SmallBufferSize / 4
	nodePoolFirstCapacity = 32
)

// tlsfNode is a single region of the block, either free or taken. Regions are chained together in address
// order by prevPhysical/nextPhysical. Free regions (other than the null block) are also chained into one of
// the segregated free lists by prevFree/nextFree.
type tlsfNode struct {
	offset     int
	size       int
	generation uint32

	prevPhysical nodepool.Handle
	nextPhysical nodepool.Handle

	free bool
	// free regions only
	prevFree nodepool.Handle
	nextFree nodepool.Handle
	// taken regions only
	userData any
}

// TLSFBlockMetadata is a BlockMetadata implementation using the two-level segregated fit algorithm. Free
// regions are bucketed by size class (the most significant bit of the size) and by a second-level index
// (the next SecondLevelIndex bits), and two levels of bitmaps record which buckets are non-empty. That makes
// finding a suitable free region a constant-time operation in the common case.
//
// The unused tail of the block is tracked separately as the "null block", which is never placed in a
// bucket and is always the last region in the block.
//
// Region records live in a nodepool.Pool, so splitting and merging regions does not allocate once the
// pool has grown to fit the block's working set.
type TLSFBlockMetadata struct {
	BlockMetadataBase

	allocCount        int
	blocksFreeCount   int
	blocksFreeSize    int
	isFreeBitmap      uint64
	memoryClasses     int
	innerIsFreeBitmap [MaxMemoryClasses]uint32

	nodes      *nodepool.Pool[tlsfNode]
	generation uint32
	freeList   []nodepool.Handle
	nullBlock  nodepool.Handle
	firstBlock nodepool.Handle
}

var _ BlockMetadata = &TLSFBlockMetadata{}

func NewTLSFBlockMetadata(bufferImageGranularity int, granularityHandler GranularityCheck) *TLSFBlockMetadata {
	return &TLSFBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(bufferImageGranularity, granularityHandler),
		nullBlock:         nodepool.NoHandle,
		firstBlock:        nodepool.NoHandle,
	}
}

func (m *TLSFBlockMetadata) newNode() (nodepool.Handle, *tlsfNode) {
	handle, node := m.nodes.Alloc()
	m.generation++
	node.generation = m.generation
	node.prevPhysical = nodepool.NoHandle
	node.nextPhysical = nodepool.NoHandle
	node.prevFree = nodepool.NoHandle
	node.nextFree = nodepool.NoHandle

	return handle, node
}

func (m *TLSFBlockMetadata) node(handle nodepool.Handle) *tlsfNode {
	if handle == nodepool.NoHandle {
		return nil
	}

	node := m.nodes.Get(handle)
	if node == nil {
		panic(fmt.Sprintf("tlsf region %d is linked into the metadata but is not live", handle))
	}
	return node
}

func (m *TLSFBlockMetadata) releaseNode(handle nodepool.Handle) {
	err := m.nodes.Free(handle)
	if err != nil {
		panic(fmt.Sprintf("could not release tlsf region: %+v", err))
	}
}

func (m *TLSFBlockMetadata) allocationHandle(handle nodepool.Handle, node *tlsfNode) BlockAllocationHandle {
	return BlockAllocationHandle(uint64(node.generation)<<32 | uint64(handle))
}

// lookup resolves a BlockAllocationHandle. The generation stored in the upper half of the handle is compared
// against the region so that a stale handle is rejected, even after its record has been recycled.
func (m *TLSFBlockMetadata) lookup(allocHandle BlockAllocationHandle) (nodepool.Handle, *tlsfNode, error) {
	handle := nodepool.Handle(uint32(allocHandle))
	if allocHandle == NoAllocation || m.nodes == nil {
		return nodepool.NoHandle, nil, errors.New("received a handle that was incompatible with this metadata")
	}

	node := m.nodes.Get(handle)
	if node == nil || node.generation != uint32(allocHandle>>32) {
		return nodepool.NoHandle, nil, errors.Newf("handle %d does not refer to a live region of this metadata", allocHandle)
	}

	return handle, node, nil
}

func (m *TLSFBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.nodes = nodepool.New[tlsfNode](nodePoolFirstCapacity)

	memoryClass := m.sizeToMemoryClass(size)
	sli := m.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	sliMask := int(uint(1) << SecondLevelIndex)
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*sliMask + int(sli+1)
	}

	listSize += 4

	m.memoryClasses = int(memoryClass + 2)
	m.freeList = make([]nodepool.Handle, listSize)
	m.resetFreeLists()
	m.createFullNullBlock()
}

func (m *TLSFBlockMetadata) resetFreeLists() {
	for i := range m.freeList {
		m.freeList[i] = nodepool.NoHandle
	}
	m.allocCount = 0
	m.blocksFreeCount = 0
	m.blocksFreeSize = 0
	m.isFreeBitmap = 0
	m.innerIsFreeBitmap = [MaxMemoryClasses]uint32{}
}

func (m *TLSFBlockMetadata) createFullNullBlock() {
	handle, null := m.newNode()
	null.offset = 0
	null.size = m.size
	null.free = true

	m.nullBlock = handle
	m.firstBlock = handle
}

func (m *TLSFBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	// Check integrity of free lists
	freeListCount := 0
	for listIndex := 0; listIndex < len(m.freeList); listIndex++ {
		memoryClass, secondIndex := m.listIndexToBucket(listIndex)
		bitSet := m.innerIsFreeBitmap[memoryClass]&(1<<secondIndex) != 0
		if bitSet != (m.freeList[listIndex] != nodepool.NoHandle) {
			return errors.Newf("free list %d has a bitmap bit that disagrees with its contents", listIndex)
		}

		prevHandle := nodepool.NoHandle
		for handle := m.freeList[listIndex]; handle != nodepool.NoHandle; {
			if handle == m.nullBlock {
				return errors.New("the null block is in a free list")
			}

			block := m.nodes.Get(handle)
			if block == nil {
				return errors.Newf("free list %d contains a dead region", listIndex)
			}
			if !block.free {
				return errors.Newf("block at offset %d is in the free list but is not free", block.offset)
			}
			if block.prevFree != prevHandle {
				return errors.Newf("block at offset %d has a broken reverse reference in its free list", block.offset)
			}
			if m.getListIndexFromSize(block.size) != listIndex {
				return errors.Newf("block at offset %d with size %d is in free list %d, which is the wrong bucket", block.offset, block.size, listIndex)
			}

			freeListCount++
			prevHandle = handle
			handle = block.nextFree
		}
	}

	for memoryClass := 0; memoryClass < MaxMemoryClasses; memoryClass++ {
		classBit := m.isFreeBitmap&(uint64(1)<<memoryClass) != 0
		if classBit != (m.innerIsFreeBitmap[memoryClass] != 0) {
			return errors.Newf("memory class %d has a bitmap bit that disagrees with its second-level bitmap", memoryClass)
		}
	}

	null := m.nodes.Get(m.nullBlock)
	if null == nil || !null.free {
		return errors.New("the null block is missing or not free")
	}
	if null.nextPhysical != nodepool.NoHandle {
		return errors.New("null block must be the tail of its physical block chain")
	}

	var allocCount, freeCount, calculatedFreeSize int
	nextOffset := 0
	prevHandle := nodepool.NoHandle
	lastHandle := nodepool.NoHandle
	validateCtx := m.granularityHandler.StartValidation()

	for handle := m.firstBlock; handle != nodepool.NoHandle; {
		block := m.nodes.Get(handle)
		if block == nil {
			return errors.New("the physical block chain contains a dead region")
		}
		if block.offset != nextOffset {
			return errors.Newf("physical block at offset %d should begin at offset %d", block.offset, nextOffset)
		}
		if block.prevPhysical != prevHandle {
			return errors.Newf("block at offset %d has a previous physical block, but the reverse reference is broken", block.offset)
		}

		nextOffset += block.size

		if handle != m.nullBlock {
			if block.free {
				freeCount++
				calculatedFreeSize += block.size
			} else {
				allocCount++

				err := m.granularityHandler.Validate(validateCtx, block.offset, block.size)
				if err != nil {
					return err
				}
			}
		}

		lastHandle = handle
		prevHandle = handle
		handle = block.nextPhysical
	}

	if lastHandle != m.nullBlock {
		return errors.New("the physical block chain does not end with the null block")
	}

	if freeListCount != freeCount {
		return errors.Newf("the number of free blocks in the physical list and the number of blocks in the free list do not match! free list size: %d, physical list free blocks: %d", freeListCount, freeCount)
	}

	err := m.granularityHandler.FinishValidation(validateCtx)
	if err != nil {
		return err
	}

	if nextOffset != m.size {
		return errors.Newf("the full size of the metadata is %d, but the blocks only added up to %d", m.size, nextOffset)
	}

	if calculatedFreeSize != m.blocksFreeSize {
		return errors.Newf("the free size of the metadata is %d, but the free blocks only added up to %d", m.blocksFreeSize, calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Newf("the allocation count of the metadata is %d, but the taken blocks only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.blocksFreeCount {
		return errors.Newf("the free block count of the metadata is %d, but there were only %d free blocks", m.blocksFreeCount, freeCount)
	}

	if m.nodes.Len() != allocCount+freeCount+1 {
		return errors.Newf("the metadata holds %d region records, but only %d are linked into the block", m.nodes.Len(), allocCount+freeCount+1)
	}

	return nil
}

func (m *TLSFBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for handle := m.firstBlock; handle != nodepool.NoHandle; {
		block := m.node(handle)
		if block.free {
			if block.size > 0 {
				stats.AddUnusedRange(block.size)
			}
		} else {
			stats.AddAllocation(block.size)
		}

		handle = block.nextPhysical
	}
}

func (m *TLSFBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.SumFreeSize()
}

func (m *TLSFBlockMetadata) getListIndexFromSize(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	secondIndex := m.sizeToSecondIndex(size, memoryClass)
	return m.getListIndex(memoryClass, secondIndex)
}

func (m *TLSFBlockMetadata) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	i := uint32(memoryClass-1)*uint32(uint(1)<<SecondLevelIndex) + uint32(secondIndex)

	return int(i) + 4
}

func (m *TLSFBlockMetadata) listIndexToBucket(listIndex int) (uint8, uint16) {
	if listIndex < 4 {
		return 0, uint16(listIndex)
	}

	sliCount := 1 << SecondLevelIndex
	return uint8((listIndex-4)/sliCount + 1), uint16((listIndex - 4) % sliCount)
}

func (m *TLSFBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *TLSFBlockMetadata) FreeRegionsCount() int {
	if m.node(m.nullBlock).size > 0 {
		return m.blocksFreeCount + 1
	}

	return m.blocksFreeCount
}

func (m *TLSFBlockMetadata) SumFreeSize() int {
	return m.blocksFreeSize + m.node(m.nullBlock).size
}

func (m *TLSFBlockMetadata) IsEmpty() bool {
	return m.node(m.nullBlock).offset == 0
}

func (m *TLSFBlockMetadata) MayHaveFreeBlock(allocType uint32, size int) bool {
	return m.SumFreeSize() >= size
}

func (m *TLSFBlockMetadata) sizeToMemoryClass(size int) uint8 {
	if size > SmallBufferSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - MemoryClassShift
	}

	return 0
}

func (m *TLSFBlockMetadata) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << SecondLevelIndex
		indexVal := uint(size) >> (memoryClass + MemoryClassShift - SecondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	return uint16((size - 1) / smallSizeStep)
}

// sizeForNextList rounds a size up far enough that any block in the resulting bucket is guaranteed to
// be at least as large as the original size
func (m *TLSFBlockMetadata) sizeForNextList(allocSize int) int {
	if allocSize > SmallBufferSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(allocSize))
		return allocSize + int(uint(1)<<(mostSignificantBit-int(SecondLevelIndex)))
	} else if allocSize > SmallBufferSize-smallSizeStep {
		return SmallBufferSize + 1
	}

	return allocSize + smallSizeStep
}

func (m *TLSFBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	allocType uint32,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Newf("invalid allocSize: %d", allocSize)
	}

	if allocAlignment == 0 {
		allocAlignment = 1
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, allocRequest, err
	}

	memutils.DebugValidate(m)

	// Round up granularity
	allocSize, allocAlignment = m.granularityHandler.RoundUpAllocRequest(allocType, allocSize, allocAlignment)

	// Is pool big enough?
	if allocSize > m.SumFreeSize() {
		return false, allocRequest, nil
	}

	// Any free blocks in the pool?
	if m.blocksFreeCount == 0 {
		success := m.checkBlock(m.nullBlock, len(m.freeList), allocSize, allocAlignment, allocType, &allocRequest)
		return success, allocRequest, nil
	}

	sizeForNextList := m.sizeForNextList(allocSize)

	var nextListIndex int
	doFullSearch := false

	switch {
	case strategy&AllocationStrategyMinTime != 0:
		// Check a bucket where every block is large enough first
		var nextListBlock nodepool.Handle
		nextListBlock, nextListIndex = m.findFreeBlock(sizeForNextList)

		if nextListBlock != nodepool.NoHandle {
			doFullSearch = true
			if m.checkBlock(nextListBlock, nextListIndex, allocSize, allocAlignment, allocType, &allocRequest) {
				return true, allocRequest, nil
			}
		}

		// If not fitted then null block
		if m.checkBlock(m.nullBlock, len(m.freeList), allocSize, allocAlignment, allocType, &allocRequest) {
			return true, allocRequest, nil
		}

		// Null block failed, search the rest of the larger bucket
		if nextListBlock != nodepool.NoHandle {
			if m.checkList(m.node(nextListBlock).nextFree, nextListIndex, allocSize, allocAlignment, allocType, &allocRequest) {
				return true, allocRequest, nil
			}
		}

		// Failed again, check best fit bucket
		prevListBlock, prevListIndex := m.findFreeBlock(allocSize)
		if m.checkList(prevListBlock, prevListIndex, allocSize, allocAlignment, allocType, &allocRequest) {
			return true, allocRequest, nil
		}

	case strategy&AllocationStrategyMinOffset != 0:
		// Walk the physical blocks in address order
		if m.minOffsetCheckBlocks(allocSize, allocAlignment, allocType, &allocRequest) {
			return true, allocRequest, nil
		}

		// If failed, check null block
		if m.checkBlock(m.nullBlock, len(m.freeList), allocSize, allocAlignment, allocType, &allocRequest) {
			return true, allocRequest, nil
		}

		// Whole range searched, no more memory
		return false, allocRequest, nil

	default:
		// Check best fit bucket
		prevListBlock, prevListIndex := m.findFreeBlock(allocSize)
		if m.checkList(prevListBlock, prevListIndex, allocSize, allocAlignment, allocType, &allocRequest) {
			return true, allocRequest, nil
		}

		// If failed check null block
		if m.checkBlock(m.nullBlock, len(m.freeList), allocSize, allocAlignment, allocType, &allocRequest) {
			return true, allocRequest, nil
		}

		// Check larger bucket
		var nextListBlock nodepool.Handle
		nextListBlock, nextListIndex = m.findFreeBlock(sizeForNextList)
		if nextListBlock != nodepool.NoHandle {
			doFullSearch = true
			if m.checkList(nextListBlock, nextListIndex, allocSize, allocAlignment, allocType, &allocRequest) {
				return true, allocRequest, nil
			}
		}
	}

	if !doFullSearch {
		return false, allocRequest, nil
	}

	// Worst case, full search has to be done
	for nextListIndex++; nextListIndex < len(m.freeList); nextListIndex++ {
		if m.checkList(m.freeList[nextListIndex], nextListIndex, allocSize, allocAlignment, allocType, &allocRequest) {
			return true, allocRequest, nil
		}
	}

	// No more memory to check
	return false, allocRequest, nil
}

func (m *TLSFBlockMetadata) minOffsetCheckBlocks(
	allocSize int,
	allocAlignment uint,
	allocType uint32,
	allocRequest *AllocationRequest,
) bool {
	for handle := m.firstBlock; handle != m.nullBlock; {
		block := m.node(handle)
		next := block.nextPhysical

		if block.free && block.size >= allocSize {
			if m.checkBlock(handle, m.getListIndexFromSize(block.size), allocSize, allocAlignment, allocType, allocRequest) {
				return true
			}
		}

		handle = next
	}

	return false
}

func (m *TLSFBlockMetadata) checkList(
	head nodepool.Handle,
	listIndex int,
	allocSize int,
	allocAlignment uint,
	allocType uint32,
	allocRequest *AllocationRequest,
) bool {
	for handle := head; handle != nodepool.NoHandle; {
		next := m.node(handle).nextFree
		if m.checkBlock(handle, listIndex, allocSize, allocAlignment, allocType, allocRequest) {
			return true
		}

		handle = next
	}

	return false
}

func (m *TLSFBlockMetadata) checkBlock(
	handle nodepool.Handle,
	listIndex int,
	allocSize int,
	allocAlignment uint,
	allocType uint32,
	allocRequest *AllocationRequest,
) bool {
	block := m.node(handle)
	if !block.free {
		panic(fmt.Sprintf("block at offset %d is already taken", block.offset))
	}

	alignedOffset := memutils.AlignUp(block.offset, allocAlignment)

	if block.size < allocSize+alignedOffset-block.offset {
		return false
	}

	// Check for granularity conflicts
	var conflict bool
	alignedOffset, conflict = m.granularityHandler.CheckConflictAndAlignUp(alignedOffset, allocSize, block.offset, block.size, allocType)
	if conflict {
		return false
	}

	// Alloc will work
	allocRequest.BlockAllocationHandle = m.allocationHandle(handle, block)
	allocRequest.Size = allocSize
	allocRequest.AllocType = allocType
	allocRequest.Offset = alignedOffset

	// Place block at the start of list if it's a normal block
	if listIndex != len(m.freeList) && block.prevFree != nodepool.NoHandle {
		m.node(block.prevFree).nextFree = block.nextFree
		if block.nextFree != nodepool.NoHandle {
			m.node(block.nextFree).prevFree = block.prevFree
		}

		block.prevFree = nodepool.NoHandle
		block.nextFree = m.freeList[listIndex]
		m.freeList[listIndex] = handle
		if block.nextFree != nodepool.NoHandle {
			m.node(block.nextFree).prevFree = handle
		}
	}

	return true
}

func (m *TLSFBlockMetadata) findFreeBlock(size int) (nodepool.Handle, int) {
	memoryClass := m.sizeToMemoryClass(size)
	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (uint32(math.MaxUint32) << m.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Check higher levels for available blocks
		freeMap := m.isFreeBitmap & (uint64(math.MaxUint64) << (memoryClass + 1))
		if freeMap == 0 {
			return nodepool.NoHandle, 0
		}

		// Find lowest free region
		memoryClass = uint8(bits.TrailingZeros64(freeMap))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	// Find lowest free subregion
	listIndex := m.getListIndex(memoryClass, uint16(bits.TrailingZeros32(innerFreeMap)))
	if m.freeList[listIndex] == nodepool.NoHandle {
		panic(fmt.Sprintf("free list index %d was listed as having free blocks, but no blocks were in the free list", listIndex))
	}

	return m.freeList[listIndex], listIndex
}

func (m *TLSFBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.writeBlockJson(json, stats.BlockBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)
}

func (m *TLSFBlockMetadata) Alloc(req AllocationRequest, allocType uint32, userData any) error {
	handle, currentBlock, err := m.lookup(req.BlockAllocationHandle)
	if err != nil {
		return err
	}

	offset := req.Offset
	if !currentBlock.free {
		return errors.New("allocation request refers to a region that is no longer free")
	}
	if currentBlock.offset > offset {
		return errors.New("allocation request had a block allocation header that was incompatible with the requested offset")
	}
	if currentBlock.size < req.Size+offset-currentBlock.offset {
		return errors.New("allocation request had a block allocation header too small for the request")
	}

	// Pop it from the free list
	if handle != m.nullBlock {
		m.removeFreeBlock(handle, currentBlock)
	}

	missingAlignment := offset - currentBlock.offset

	// Appending missing alignment to prev block or create a new one
	if missingAlignment != 0 {
		prevHandle := currentBlock.prevPhysical
		prevBlock := m.node(prevHandle)

		if prevBlock != nil && prevBlock.free {
			oldListIndex := m.getListIndexFromSize(prevBlock.size)

			// If the new block size moves the block to another bucket, re-bucket it
			if oldListIndex != m.getListIndexFromSize(prevBlock.size+missingAlignment) {
				m.removeFreeBlock(prevHandle, prevBlock)
				prevBlock.size += missingAlignment
				m.insertFreeBlock(prevHandle, prevBlock)
			} else {
				prevBlock.size += missingAlignment
				m.blocksFreeSize += missingAlignment
			}
		} else {
			newHandle, newBlock := m.newNode()
			newBlock.prevPhysical = prevHandle
			newBlock.nextPhysical = handle
			newBlock.size = missingAlignment
			newBlock.offset = currentBlock.offset

			currentBlock.prevPhysical = newHandle
			if prevBlock != nil {
				prevBlock.nextPhysical = newHandle
			} else {
				m.firstBlock = newHandle
			}

			m.insertFreeBlock(newHandle, newBlock)
		}

		currentBlock.size -= missingAlignment
		currentBlock.offset += missingAlignment
	}

	size := req.Size
	if currentBlock.size == size {
		if handle == m.nullBlock {
			// Setup a new null block
			nullHandle, null := m.newNode()
			null.size = 0
			null.offset = currentBlock.offset + size
			null.prevPhysical = handle
			null.free = true

			currentBlock.nextPhysical = nullHandle
			m.nullBlock = nullHandle
		}
	} else {
		// Create a new free block
		newHandle, newBlock := m.newNode()
		newBlock.size = currentBlock.size - size
		newBlock.offset = currentBlock.offset + size
		newBlock.prevPhysical = handle
		newBlock.nextPhysical = currentBlock.nextPhysical
		currentBlock.nextPhysical = newHandle
		currentBlock.size = size

		if handle == m.nullBlock {
			m.nullBlock = newHandle
			newBlock.free = true
		} else {
			m.node(newBlock.nextPhysical).prevPhysical = newHandle
			m.insertFreeBlock(newHandle, newBlock)
		}
	}

	currentBlock.free = false
	currentBlock.prevFree = nodepool.NoHandle
	currentBlock.nextFree = nodepool.NoHandle
	currentBlock.userData = userData

	m.granularityHandler.AllocRegions(allocType, currentBlock.offset, currentBlock.size)
	m.allocCount++

	return nil
}

func (m *TLSFBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	handle, block, err := m.lookup(allocHandle)
	if err != nil {
		return err
	}
	if block.free {
		return errors.New("block is already free")
	}

	m.granularityHandler.FreeRegions(block.offset, block.size)
	m.allocCount--
	block.userData = nil

	nextHandle := block.nextPhysical

	// Try merging
	prevHandle := block.prevPhysical
	prev := m.node(prevHandle)
	if prev != nil && prev.free {
		m.removeFreeBlock(prevHandle, prev)
		m.mergeBlock(handle, block, prevHandle, prev)
	}

	next := m.node(nextHandle)
	if !next.free {
		m.insertFreeBlock(handle, block)
	} else if nextHandle == m.nullBlock {
		m.mergeBlock(nextHandle, next, handle, block)
	} else {
		m.removeFreeBlock(nextHandle, next)
		m.mergeBlock(nextHandle, next, handle, block)
		m.insertFreeBlock(nextHandle, next)
	}

	return nil
}

func (m *TLSFBlockMetadata) removeFreeBlock(handle nodepool.Handle, block *tlsfNode) {
	if handle == m.nullBlock {
		panic("cannot remove the null block")
	}
	if !block.free {
		panic("provided block is not free")
	}

	// Remove from free list chain
	if block.nextFree != nodepool.NoHandle {
		m.node(block.nextFree).prevFree = block.prevFree
	}
	if block.prevFree != nodepool.NoHandle {
		m.node(block.prevFree).nextFree = block.nextFree
	} else {
		memClass := m.sizeToMemoryClass(block.size)
		secondIndex := m.sizeToSecondIndex(block.size, memClass)
		index := m.getListIndex(memClass, secondIndex)

		if m.freeList[index] != handle {
			panic("block was not in the free list at the expected location")
		}
		m.freeList[index] = block.nextFree
		if block.nextFree == nodepool.NoHandle {
			m.innerIsFreeBitmap[memClass] &= ^(uint32(1) << secondIndex)
			if m.innerIsFreeBitmap[memClass] == 0 {
				m.isFreeBitmap &= ^(uint64(1) << memClass)
			}
		}
	}

	block.free = false
	block.prevFree = nodepool.NoHandle
	block.nextFree = nodepool.NoHandle
	m.blocksFreeCount--
	m.blocksFreeSize -= block.size
}

func (m *TLSFBlockMetadata) insertFreeBlock(handle nodepool.Handle, block *tlsfNode) {
	if handle == m.nullBlock {
		panic("cannot insert the null block")
	}

	if block.free {
		panic("block is already free")
	}

	memClass := m.sizeToMemoryClass(block.size)
	secondIndex := m.sizeToSecondIndex(block.size, memClass)
	index := m.getListIndex(memClass, secondIndex)

	if index >= len(m.freeList) {
		panic("invalid free list index found for block")
	}

	block.free = true
	block.userData = nil
	block.prevFree = nodepool.NoHandle
	block.nextFree = m.freeList[index]
	m.freeList[index] = handle
	if block.nextFree != nodepool.NoHandle {
		m.node(block.nextFree).prevFree = handle
	} else {
		m.innerIsFreeBitmap[memClass] |= uint32(1) << secondIndex
		m.isFreeBitmap |= uint64(1) << memClass
	}
	m.blocksFreeCount++
	m.blocksFreeSize += block.size
}

// mergeBlock folds prev, which must be the physical predecessor of block and must not be in a free
// list, into block. prev's record is released.
func (m *TLSFBlockMetadata) mergeBlock(handle nodepool.Handle, block *tlsfNode, prevHandle nodepool.Handle, prev *tlsfNode) {
	if block.prevPhysical != prevHandle {
		panic("cannot merge separate physical regions")
	}
	if prev.free {
		panic("cannot merge a block that belongs to the free list")
	}

	block.offset = prev.offset
	block.size += prev.size
	block.prevPhysical = prev.prevPhysical
	if block.prevPhysical != nodepool.NoHandle {
		m.node(block.prevPhysical).nextPhysical = handle
	} else {
		m.firstBlock = handle
	}

	m.releaseNode(prevHandle)
}

func (m *TLSFBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for handle := m.firstBlock; handle != nodepool.NoHandle; {
		block := m.node(handle)
		next := block.nextPhysical

		if block.size > 0 {
			err := handleBlock(m.allocationHandle(handle, block), block.offset, block.size, block.userData, block.free)
			if err != nil {
				return err
			}
		}

		handle = next
	}

	return nil
}

func (m *TLSFBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	if m.allocCount == 0 {
		return NoAllocation, nil
	}

	for handle := m.firstBlock; handle != nodepool.NoHandle; {
		block := m.node(handle)
		if !block.free {
			return m.allocationHandle(handle, block), nil
		}
		handle = block.nextPhysical
	}

	return NoAllocation, errors.New("the metadata has an allocation but none could be found in the physical blocks")
}

func (m *TLSFBlockMetadata) FindNextAllocation(alloc BlockAllocationHandle) (BlockAllocationHandle, error) {
	_, startBlock, err := m.lookup(alloc)
	if err != nil {
		return NoAllocation, err
	}
	if startBlock.free {
		return NoAllocation, errors.New("provided block cannot be free")
	}

	for handle := startBlock.nextPhysical; handle != nodepool.NoHandle; {
		block := m.node(handle)
		if !block.free {
			return m.allocationHandle(handle, block), nil
		}
		handle = block.nextPhysical
	}

	return NoAllocation, nil
}

func (m *TLSFBlockMetadata) Clear() {
	m.nodes.Clear()
	m.resetFreeLists()
	m.createFullNullBlock()
	m.granularityHandler.Clear()
}

func (m *TLSFBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	_, block, err := m.lookup(allocHandle)
	if err != nil {
		return 0, err
	}

	return block.offset, nil
}

func (m *TLSFBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	_, block, err := m.lookup(allocHandle)
	if err != nil {
		return nil, err
	}

	if block.free {
		return nil, errors.New("user data cannot be retrieved for a free block")
	}

	return block.userData, nil
}

func (m *TLSFBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	_, block, err := m.lookup(allocHandle)
	if err != nil {
		return err
	}

	if block.free {
		return errors.New("user data cannot be set for a free block")
	}

	block.userData = userData
	return nil
}
