package suballoc

// ResourceKind identifies what sort of resource will be bound to an allocation. Some devices need
// buffers and linear images kept apart from optimally-tiled images, and the kind is how the allocator
// knows which allocations must be separated.
type ResourceKind uint32

const (
	// resourceKindFree marks unused memory. Callers never create allocations of this kind.
	resourceKindFree ResourceKind = iota
	// ResourceKindUnknown is used when the caller cannot say what will be bound. It is kept apart from
	// every other kind.
	ResourceKindUnknown
	ResourceKindBuffer
	// ResourceKindImageUnknown is an image whose tiling is not known
	ResourceKindImageUnknown
	ResourceKindImageLinear
	ResourceKindImageOptimal

	resourceKindCount
)

var resourceKindMapping = map[ResourceKind]string{
	resourceKindFree:         "Free",
	ResourceKindUnknown:      "Unknown",
	ResourceKindBuffer:       "Buffer",
	ResourceKindImageUnknown: "ImageUnknown",
	ResourceKindImageLinear:  "ImageLinear",
	ResourceKindImageOptimal: "ImageOptimal",
}

func (k ResourceKind) String() string {
	str, ok := resourceKindMapping[k]
	if !ok {
		return "unknown"
	}
	return str
}

// kindConflicts[a][b] is true when allocations of kinds a and b may not share a granularity page
var kindConflicts [resourceKindCount][resourceKindCount]bool

func init() {
	conflicting := [][2]ResourceKind{
		{ResourceKindBuffer, ResourceKindImageUnknown},
		{ResourceKindBuffer, ResourceKindImageOptimal},
		{ResourceKindImageUnknown, ResourceKindImageUnknown},
		{ResourceKindImageUnknown, ResourceKindImageLinear},
		{ResourceKindImageUnknown, ResourceKindImageOptimal},
		{ResourceKindImageLinear, ResourceKindImageOptimal},
	}

	for kind := ResourceKindUnknown; kind < resourceKindCount; kind++ {
		conflicting = append(conflicting, [2]ResourceKind{ResourceKindUnknown, kind})
	}

	for _, pair := range conflicting {
		kindConflicts[pair[0]][pair[1]] = true
		kindConflicts[pair[1]][pair[0]] = true
	}
}

func kindsConflict(first, second ResourceKind) bool {
	if first >= resourceKindCount || second >= resourceKindCount {
		return true
	}
	return kindConflicts[first][second]
}
