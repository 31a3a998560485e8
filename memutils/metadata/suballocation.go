package metadata

import "math"

// BlockAllocationHandle identifies a single region (allocated or free) within one BlockMetadata. It is only
// meaningful to the metadata that produced it.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)
