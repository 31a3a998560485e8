// Package metadata tracks which byte ranges of a single block are allocated and which are free.
// It knows nothing about devices or reservations: a block is just a size, and allocations are
// identified by opaque handles.
package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/memutils"
)

// BlockMetadata places allocations inside one block of a fixed size.
//
// Implementations are not safe for concurrent use; callers serialize access per block.
type BlockMetadata interface {
	// Init prepares the metadata to manage a block of size bytes, all of it free. It must be called
	// exactly once, before anything else.
	Init(size int)
	Size() int

	// Validate walks the whole block and reports the first broken bookkeeping invariant it finds.
	// It is slow. An error here is always a bug in the metadata.
	Validate() error
	AllocationCount() int
	// FreeRegionsCount is the number of free ranges. Neighboring free ranges are always merged.
	FreeRegionsCount() int
	SumFreeSize() int
	// MayHaveFreeBlock is a cheap pre-check for CreateAllocationRequest. A false result means the
	// request certainly fails; a true result promises nothing.
	MayHaveFreeBlock(allocType uint32, size int) bool
	IsEmpty() bool

	// VisitAllRegions calls handleBlock for every allocated and free range in address order,
	// stopping at the first error
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error
	// AllocationListBegin and FindNextAllocation iterate live allocations in address order. Both
	// return NoAllocation when there is nothing left.
	AllocationListBegin() (BlockAllocationHandle, error)
	FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error)

	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	AddStatistics(stats *memutils.Statistics)

	// Clear drops every allocation at once, leaving the block a single free range
	Clear()
	BlockJsonData(json jwriter.ObjectState)

	// CreateAllocationRequest finds a place for an allocation without changing anything. It returns
	// false, with no error, when the block has no room.
	//
	// The alignment may be raised by the implementation but never lowered. allocType is handed to
	// the GranularityCheck as is, and strategy picks between tighter packing and a faster search.
	CreateAllocationRequest(
		allocSize int, allocAlignment uint,
		allocType uint32,
		strategy AllocationStrategy,
	) (bool, AllocationRequest, error)
	// Alloc commits a request returned by CreateAllocationRequest. It errors if the free range the
	// request points at has changed since.
	Alloc(request AllocationRequest, allocType uint32, userData any) error
	// Free turns a live allocation back into free space, merging it with free neighbors
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase holds the state every BlockMetadata implementation shares
type BlockMetadataBase struct {
	size               int
	granularity        int
	granularityHandler GranularityCheck
}

// NewBlockMetadata builds the shared state. Pass a granularity of 1 when neighboring allocations
// never conflict.
func NewBlockMetadata(granularity int, granularityHandler GranularityCheck) BlockMetadataBase {
	return BlockMetadataBase{
		granularity:        granularity,
		granularityHandler: granularityHandler,
	}
}

func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

func (m *BlockMetadataBase) Size() int { return m.size }

func (m *BlockMetadataBase) writeBlockJson(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
	json.Name("Granularity").Int(m.granularity)
}
