package suballoc

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
)

// AllocationCreateFlags changes how a single allocation is placed and what can be done with it
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = common.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}

func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateDedicatedMemory gives the allocation a reservation of its own instead of placing
	// it in a shared block
	AllocationCreateDedicatedMemory AllocationCreateFlags = 1 << iota
	// AllocationCreateNeverAllocate only places the allocation in blocks that already exist. If none of
	// them have room, the allocation fails with core1_0.VKErrorOutOfDeviceMemory.
	AllocationCreateNeverAllocate
	// AllocationCreateMapped keeps the allocation mapped for its entire lifetime. The pointer is
	// available from Allocation.MappedData.
	//
	// The flag is ignored when the chosen memory type is not host visible, so it can be combined with
	// a device-local preference to get a mapped allocation only where the platform allows it.
	AllocationCreateMapped
	// AllocationCreateWithinBudget fails the allocation with core1_0.VKErrorOutOfDeviceMemory, wrapping
	// ErrBudgetExceeded, if a new reservation would take the heap past its budget
	AllocationCreateWithinBudget
	// AllocationCreateHostAccessSequentialWrite declares that the allocation will be mapped and only
	// ever written sequentially, so uncached write-combined memory is acceptable. MemoryUsageAuto*
	// allocations must carry this or AllocationCreateHostAccessRandom to be mapped.
	AllocationCreateHostAccessSequentialWrite
	// AllocationCreateHostAccessRandom declares that the allocation will be mapped and read or written
	// in any order, so cached memory is preferred
	AllocationCreateHostAccessRandom
	// AllocationCreateHostAccessAllowTransferInstead permits a memory type that is not host visible for
	// an allocation that requested host access, when that would be faster. The caller is expected to
	// check Allocation.MemoryType and fall back to a staging copy.
	AllocationCreateHostAccessAllowTransferInstead
	// AllocationCreateStrategyMinMemory places the allocation in the smallest free range that fits
	AllocationCreateStrategyMinMemory
	// AllocationCreateStrategyMinTime places the allocation in the first free range found, trading
	// packing quality for search time
	AllocationCreateStrategyMinTime
	// AllocationCreateStrategyMinOffset places the allocation at the lowest offset available
	AllocationCreateStrategyMinOffset

	AllocationCreateStrategyMask = AllocationCreateStrategyMinMemory |
		AllocationCreateStrategyMinTime |
		AllocationCreateStrategyMinOffset
)

func init() {
	AllocationCreateDedicatedMemory.Register("AllocationCreateDedicatedMemory")
	AllocationCreateNeverAllocate.Register("AllocationCreateNeverAllocate")
	AllocationCreateMapped.Register("AllocationCreateMapped")
	AllocationCreateWithinBudget.Register("AllocationCreateWithinBudget")
	AllocationCreateHostAccessSequentialWrite.Register("AllocationCreateHostAccessSequentialWrite")
	AllocationCreateHostAccessRandom.Register("AllocationCreateHostAccessRandom")
	AllocationCreateHostAccessAllowTransferInstead.Register("AllocationCreateHostAccessAllowTransferInstead")
	AllocationCreateStrategyMinMemory.Register("AllocationCreateStrategyMinMemory")
	AllocationCreateStrategyMinTime.Register("AllocationCreateStrategyMinTime")
	AllocationCreateStrategyMinOffset.Register("AllocationCreateStrategyMinOffset")
}

// strategy converts the strategy bits of the flags into the metadata's search strategy. When more
// than one bit is set, the first of MinMemory, MinTime, and MinOffset wins.
func (f AllocationCreateFlags) strategy() metadata.AllocationStrategy {
	switch {
	case f&AllocationCreateStrategyMinMemory != 0:
		return metadata.AllocationStrategyMinMemory
	case f&AllocationCreateStrategyMinTime != 0:
		return metadata.AllocationStrategyMinTime
	case f&AllocationCreateStrategyMinOffset != 0:
		return metadata.AllocationStrategyMinOffset
	}

	return metadata.AllocationStrategyDefault
}

func (f AllocationCreateFlags) hostAccess() bool {
	return f&(AllocationCreateHostAccessSequentialWrite|AllocationCreateHostAccessRandom) != 0
}
