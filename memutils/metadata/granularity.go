package metadata

// GranularityCheck lets the owner of a block keep allocations of conflicting kinds off the same
// granularity page. The metadata never interprets allocType; it hands the value given to
// CreateAllocationRequest back to the check unchanged.
type GranularityCheck interface {
	// RoundUpAllocRequest may grow the size and alignment of a request before any free region is
	// searched
	RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint)
	// CheckConflictAndAlignUp returns the offset the allocation must move to in order to avoid a
	// neighbor of a conflicting kind, and false if the region cannot hold it at all
	CheckConflictAndAlignUp(allocOffset, allocSize, regionOffset, regionSize int, allocType uint32) (int, bool)
	AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool

	AllocRegions(allocType uint32, offset, size int)
	FreeRegions(offset, size int)
	Clear()

	// StartValidation, Validate and FinishValidation rebuild the page bookkeeping from the block's
	// allocations and compare it with the live state
	StartValidation() any
	Validate(ctx any, offset, size int) error
	FinishValidation(ctx any) error
}
