// Package backend declares the device-memory primitives that the suballocator is built on top of.
// Implementations wrap a real graphics API (or a fake, for tests); the suballocator never talks to a
// device directly.
package backend

//go:generate mockgen -source backend.go -destination ./mocks/backend.go -package mocks

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Reservation is an opaque handle to one coarse-grained reservation of device memory. The zero
// value never refers to a live reservation.
type Reservation uint64

// Backend is the device memory backend consumed by the suballocator.
//
// Reserve is assumed to be expensive and capped in count by
// PhysicalDeviceLimits.MaxMemoryAllocationCount. All methods may be called from multiple goroutines,
// but never concurrently for the same Reservation.
type Backend interface {
	// DeviceProperties returns the properties of the device memory is reserved from. Limits must be
	// populated.
	DeviceProperties() *core1_0.PhysicalDeviceProperties
	// MemoryProperties returns the memory types and heaps of the device
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties

	// Reserve reserves size bytes of memory of the provided memory type
	Reserve(memoryTypeIndex int, size int) (Reservation, common.VkResult, error)
	// Release returns a reservation to the device. The reservation is not mapped when this is called.
	Release(r Reservation)

	// MapToHost maps the entire reservation into host memory and returns a pointer to its first byte
	MapToHost(r Reservation) (unsafe.Pointer, common.VkResult, error)
	// UnmapFromHost undoes a successful MapToHost
	UnmapFromHost(r Reservation)

	// BindResource binds a buffer, image, or other backend-specific resource to the reservation
	// at the provided byte offset
	BindResource(resource any, r Reservation, offset int) (common.VkResult, error)
}

// HeapBudget is the backend-reported usage and budget of a single memory heap, in bytes
type HeapBudget struct {
	Usage  int
	Budget int
}

// BudgetBackend is implemented by backends that can report per-heap memory budgets, such as
// Vulkan devices with VK_EXT_memory_budget. The suballocator detects it with a type assertion and
// falls back to estimating budgets when it is absent.
type BudgetBackend interface {
	Backend

	// QueryHeapBudgets fills out with one entry per memory heap
	QueryHeapBudgets(out []HeapBudget) error
}
