package suballoc

import "github.com/vkngwrapper/gpumem/suballoc/backend"

// AllocateDeviceMemoryCallback is called after the allocator obtains a new reservation from the backend
type AllocateDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	reservation backend.Reservation,
	size int,
	userData any,
)

// FreeDeviceMemoryCallback is called before the allocator returns a reservation to the backend
type FreeDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	reservation backend.Reservation,
	size int,
	userData any,
)

type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData any
}

type memoryCallbacks struct {
	options   *MemoryCallbackOptions
	allocator *Allocator
}

func (c *memoryCallbacks) Allocate(memoryType int, reservation backend.Reservation, size int) {
	if c.options.Allocate != nil {
		c.options.Allocate(c.allocator, memoryType, reservation, size, c.options.UserData)
	}
}

func (c *memoryCallbacks) Free(memoryType int, reservation backend.Reservation, size int) {
	if c.options.Free != nil {
		c.options.Free(c.allocator, memoryType, reservation, size, c.options.UserData)
	}
}
