package metadata

// AllocationStrategy exposes several options for choosing the location of a new memory allocation.
// If none is chosen, AllocationStrategyDefault is used.
type AllocationStrategy uint32

// AllocationStrategyDefault performs a best-fit search: the smallest bucket that could hold the
// allocation is searched first, then the unused tail of the block, then progressively larger buckets.
const AllocationStrategyDefault AllocationStrategy = 0

const (
	// AllocationStrategyMinMemory selects the allocation strategy that chooses the smallest-possible
	// free range for the allocation to minimize memory usage and fragmentation, possibly at the expense of
	// allocation time. It currently searches in the same order as AllocationStrategyDefault.
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the allocation strategy that chooses the first suitable free
	// range for the allocation- not necessarily in terms of the smallest offset, but the one that is easiest
	// and fastest to find to minimize allocation time, possibly at the expense of allocation quality.
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the allocation strategy that chooses the lowest offset in
	// available space. This is not the most efficient strategy, but achieves highly packed data.
	AllocationStrategyMinOffset
)

var strategyNames = map[AllocationStrategy]string{
	AllocationStrategyDefault:   "Default",
	AllocationStrategyMinMemory: "MinMemory",
	AllocationStrategyMinTime:   "MinTime",
	AllocationStrategyMinOffset: "MinOffset",
}

func (s AllocationStrategy) String() string {
	name, ok := strategyNames[s]
	if !ok {
		return "Unknown"
	}
	return name
}
