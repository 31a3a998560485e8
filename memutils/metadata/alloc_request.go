package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where and how
// the metadata intends to allocate new memory. Nothing in the metadata is changed until the request is
// committed with BlockMetadata.Alloc, so a request that is never committed can simply be discarded.
type AllocationRequest struct {
	// BlockAllocationHandle identifies the free region the allocation will be carved from
	BlockAllocationHandle BlockAllocationHandle
	// Size is the total size of the allocation, which may be larger than what was originally requested
	Size int
	// Offset is the aligned offset within the block where the allocation will begin
	Offset int
	// AllocType is the value passed into CreateAllocationRequest by the consumer to generate
	// this request
	AllocType uint32
}
