package device

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpumem/suballoc/backend"
	"github.com/vkngwrapper/gpumem/suballoc/internal/utils"
)

// SynchronizedReservation wraps a single backend reservation. Map, unmap, and bind calls against the
// reservation are serialized by its own mutex, independent of whatever structure owns it, and the
// host mapping is reference counted so that only the first map and the last unmap reach the backend.
type SynchronizedReservation struct {
	backend         backend.Backend
	handle          backend.Reservation
	memoryTypeIndex int
	size            int

	mapMutex      utils.OptionalMutex
	useHysteresis bool
	hysteresis    MappingHysteresis
	mapReferences int
	mapData       unsafe.Pointer
}

func newSynchronizedReservation(b backend.Backend, handle backend.Reservation, memoryTypeIndex, size int, useMutex, useHysteresis bool) *SynchronizedReservation {
	r := &SynchronizedReservation{
		backend:         b,
		handle:          handle,
		memoryTypeIndex: memoryTypeIndex,
		size:            size,
		useHysteresis:   useHysteresis,
	}
	r.mapMutex.Init(useMutex)
	return r
}

func (r *SynchronizedReservation) Handle() backend.Reservation { return r.handle }
func (r *SynchronizedReservation) Size() int                   { return r.size }
func (r *SynchronizedReservation) MemoryTypeIndex() int        { return r.memoryTypeIndex }

// references is the total mapping count, including the hysteresis' extra mapping. Must be called
// with the map mutex held.
func (r *SynchronizedReservation) references() int {
	refs := r.mapReferences
	if r.hysteresis.ExtraMapping() {
		refs++
	}
	return refs
}

// References returns the number of outstanding map references held by consumers. The extra
// mapping held by the hysteresis is not included.
func (r *SynchronizedReservation) References() int {
	r.mapMutex.Lock()
	defer r.mapMutex.Unlock()

	return r.mapReferences
}

// MappedData returns the host pointer to the start of the reservation, or nil if it is not
// currently mapped
func (r *SynchronizedReservation) MappedData() unsafe.Pointer {
	r.mapMutex.Lock()
	defer r.mapMutex.Unlock()

	return r.mapData
}

// Map adds references to the reservation's host mapping, mapping it through the backend if it is not
// already mapped, and returns the host pointer to the start of the reservation.
func (r *SynchronizedReservation) Map(references int) (unsafe.Pointer, common.VkResult, error) {
	if references <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("attempted to map a reservation with %d references", references)
	}

	r.mapMutex.Lock()
	defer r.mapMutex.Unlock()

	if r.references() > 0 {
		if r.mapData == nil {
			return nil, core1_0.VKErrorUnknown, errors.New("the reservation is showing existing memory mapping references, but no mapped memory")
		}

		r.mapReferences += references
		r.postMap()
		return r.mapData, core1_0.VKSuccess, nil
	}

	mappedData, res, err := r.backend.MapToHost(r.handle)
	if err != nil {
		return nil, res, err
	}

	r.mapData = mappedData
	r.mapReferences = references
	r.postMap()
	return mappedData, res, nil
}

func (r *SynchronizedReservation) postMap() {
	if r.useHysteresis {
		r.hysteresis.PostMap()
	}
}

// Unmap removes references from the reservation's host mapping. The backend mapping is closed when
// no references remain, unless the hysteresis is holding an extra mapping open.
func (r *SynchronizedReservation) Unmap(references int) error {
	if references <= 0 {
		return nil
	}

	r.mapMutex.Lock()
	defer r.mapMutex.Unlock()

	if r.mapReferences < references {
		return errors.Newf("reservation has %d references being unmapped, but only %d are currently mapped", references, r.mapReferences)
	}

	r.mapReferences -= references
	if r.useHysteresis {
		r.hysteresis.PostUnmap()
	}

	if r.references() == 0 {
		r.backend.UnmapFromHost(r.handle)
		r.mapData = nil
	}

	return nil
}

// RecordAlloc informs the reservation's mapping hysteresis that a suballocation was created
func (r *SynchronizedReservation) RecordAlloc() {
	if !r.useHysteresis {
		return
	}

	r.mapMutex.Lock()
	defer r.mapMutex.Unlock()

	r.hysteresis.PostAlloc()
}

// RecordFree informs the reservation's mapping hysteresis that a suballocation was freed. If the
// hysteresis releases its extra mapping and nothing else holds the reservation mapped, the backend
// mapping is closed.
func (r *SynchronizedReservation) RecordFree() {
	if !r.useHysteresis {
		return
	}

	r.mapMutex.Lock()
	defer r.mapMutex.Unlock()

	if r.hysteresis.PostFree() && r.mapReferences == 0 && r.mapData != nil {
		r.backend.UnmapFromHost(r.handle)
		r.mapData = nil
	}
}

// Bind binds a backend resource to this reservation at the provided byte offset
func (r *SynchronizedReservation) Bind(resource any, offset int) (common.VkResult, error) {
	r.mapMutex.Lock()
	defer r.mapMutex.Unlock()

	return r.backend.BindResource(resource, r.handle, offset)
}

func (r *SynchronizedReservation) release() {
	r.mapMutex.Lock()
	defer r.mapMutex.Unlock()

	if r.mapReferences > 0 {
		panic(fmt.Sprintf("reservation %d released while it still holds %d map references", r.handle, r.mapReferences))
	}

	if r.mapData != nil {
		r.backend.UnmapFromHost(r.handle)
		r.mapData = nil
	}

	r.backend.Release(r.handle)
}
