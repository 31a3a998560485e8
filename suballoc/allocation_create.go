package suballoc

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryUsage describes how an allocation will be used. The allocator turns it into required,
// preferred, and not-preferred memory property flags when choosing a memory type.
type MemoryUsage uint32

const (
	// MemoryUsageUnknown selects a memory type using only RequiredFlags and PreferredFlags
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageGPUOnly prefers device-local memory that the host will not touch
	MemoryUsageGPUOnly
	// MemoryUsageCPUOnly requires host-visible, host-coherent memory, typically used for staging
	MemoryUsageCPUOnly
	// MemoryUsageCPUToGPU requires host-visible memory and prefers device-local, for data written
	// by the host every frame and read by the device
	MemoryUsageCPUToGPU
	// MemoryUsageGPUToCPU requires host-visible memory and prefers host-cached, for data written by
	// the device and read back by the host
	MemoryUsageGPUToCPU
	// MemoryUsageCPUCopy avoids device-local memory, for host-side backing copies of device resources
	MemoryUsageCPUCopy
	// MemoryUsageGPULazilyAllocated requires lazily-allocated memory, used for transient attachments on
	// tile-based GPUs. These allocations are always dedicated.
	MemoryUsageGPULazilyAllocated
	// MemoryUsageAuto chooses a memory type from the allocation's host access flags and
	// AllocationCreateInfo.TransferOnly. This is the recommended usage.
	MemoryUsageAuto
	// MemoryUsageAutoPreferDevice is MemoryUsageAuto with a preference for device-local memory
	MemoryUsageAutoPreferDevice
	// MemoryUsageAutoPreferHost is MemoryUsageAuto with a preference for host memory
	MemoryUsageAutoPreferHost
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageUnknown:            "MemoryUsageUnknown",
	MemoryUsageGPUOnly:            "MemoryUsageGPUOnly",
	MemoryUsageCPUOnly:            "MemoryUsageCPUOnly",
	MemoryUsageCPUToGPU:           "MemoryUsageCPUToGPU",
	MemoryUsageGPUToCPU:           "MemoryUsageGPUToCPU",
	MemoryUsageCPUCopy:            "MemoryUsageCPUCopy",
	MemoryUsageGPULazilyAllocated: "MemoryUsageGPULazilyAllocated",
	MemoryUsageAuto:               "MemoryUsageAuto",
	MemoryUsageAutoPreferDevice:   "MemoryUsageAutoPreferDevice",
	MemoryUsageAutoPreferHost:     "MemoryUsageAutoPreferHost",
}

func (u MemoryUsage) String() string {
	str, ok := memoryUsageMapping[u]
	if !ok {
		return "unknown"
	}
	return str
}

func (u MemoryUsage) isAuto() bool {
	return u == MemoryUsageAuto || u == MemoryUsageAutoPreferDevice || u == MemoryUsageAutoPreferHost
}

// AllocationCreateInfo is an options struct that defines a new allocation created by
// Allocator.AllocateMemory
type AllocationCreateInfo struct {
	Flags AllocationCreateFlags
	// Usage indicates how the new allocation will be used, and is used to pick a memory type
	Usage MemoryUsage

	// RequiredFlags must all be present on the chosen memory type
	RequiredFlags core1_0.MemoryPropertyFlags
	// PreferredFlags should be present on the chosen memory type. Each flag is considered equally
	// important.
	PreferredFlags core1_0.MemoryPropertyFlags

	// MemoryTypeBits is a bitmask of memory types that may be chosen. If this is left 0, all memory
	// types are permitted.
	MemoryTypeBits uint32
	// TransferOnly declares that the device never accesses the resource except as a transfer source or
	// destination. It only affects MemoryUsageAuto* usages.
	TransferOnly bool
	// Pool is the custom pool to allocate from, or nil to allocate from the allocator's default pools
	Pool *Pool

	// UserData is an arbitrary value returned from Allocation.UserData
	UserData any
	// Name is an arbitrary string returned from Allocation.Name and printed in detailed statistics
	Name string
}
