package suballoc

import "github.com/vkngwrapper/core/v2/common"

type PoolCreateFlags int32

var poolCreateFlagsMapping = common.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateIgnoreBufferImageGranularity declares that the pool will only ever hold resources whose
	// kinds do not conflict with one another, such as only buffers and linear images, or only optimal
	// images. The pool's blocks will not pad or separate allocations for bufferImageGranularity.
	PoolCreateIgnoreBufferImageGranularity PoolCreateFlags = 1 << iota
	// PoolCreateStrategyMinMemory is the pool's default placement for allocations that do not choose a
	// strategy of their own. See AllocationCreateStrategyMinMemory.
	PoolCreateStrategyMinMemory
	// PoolCreateStrategyMinTime: see AllocationCreateStrategyMinTime
	PoolCreateStrategyMinTime
	// PoolCreateStrategyMinOffset: see AllocationCreateStrategyMinOffset
	PoolCreateStrategyMinOffset

	PoolCreateStrategyMask = PoolCreateStrategyMinMemory |
		PoolCreateStrategyMinTime |
		PoolCreateStrategyMinOffset
)

func init() {
	PoolCreateIgnoreBufferImageGranularity.Register("PoolCreateIgnoreBufferImageGranularity")
	PoolCreateStrategyMinMemory.Register("PoolCreateStrategyMinMemory")
	PoolCreateStrategyMinTime.Register("PoolCreateStrategyMinTime")
	PoolCreateStrategyMinOffset.Register("PoolCreateStrategyMinOffset")
}

func (f PoolCreateFlags) allocationStrategy() AllocationCreateFlags {
	var flags AllocationCreateFlags
	if f&PoolCreateStrategyMinMemory != 0 {
		flags |= AllocationCreateStrategyMinMemory
	}
	if f&PoolCreateStrategyMinTime != 0 {
		flags |= AllocationCreateStrategyMinTime
	}
	if f&PoolCreateStrategyMinOffset != 0 {
		flags |= AllocationCreateStrategyMinOffset
	}
	return flags
}

// PoolCreateInfo is an options struct that defines a custom pool created by Allocator.CreatePool
type PoolCreateInfo struct {
	// MemoryTypeIndex is the memory type every allocation in the pool is made from
	MemoryTypeIndex int
	Flags           PoolCreateFlags

	// BlockSize is the size of every block in the pool. If it is left 0, blocks are sized the way the
	// allocator's default pools size them, and large allocations may receive dedicated reservations.
	// If it is set, allocations larger than BlockSize fail.
	BlockSize int
	// MinBlockCount blocks are created with the pool and are never released while the pool lives
	MinBlockCount int
	// MaxBlockCount caps the number of blocks in the pool. If it is left 0, there is no cap.
	MaxBlockCount int

	// MinAllocationAlignment raises the alignment of every allocation in the pool. It must be 0 or a
	// power of two.
	MinAllocationAlignment uint
}
