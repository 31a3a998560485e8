package device

// CounterMinExtraMapping is the number of consecutive map/unmap calls (without intervening
// allocations) required before a reservation keeps a persistent extra mapping open, and the number
// of frees required before that mapping is closed again.
const CounterMinExtraMapping int = 7

// MappingHysteresis decides when a reservation that is being mapped and unmapped frequently should
// hold an extra mapping reference of its own, so that repeated map calls do not reach the backend.
//
// Mapping activity pushes toward the extra mapping while it is off, and suballocation activity pushes
// away from it while it is on. Activity in the other direction slowly bleeds the counters back down.
// It is not safe for concurrent use.
type MappingHysteresis struct {
	minorCounter int
	majorCounter int
	extraMapping bool
}

func (h *MappingHysteresis) ExtraMapping() bool { return h.extraMapping }

// PostMap is called after a map. It returns true if the extra mapping was activated.
func (h *MappingHysteresis) PostMap() bool {
	return h.record(true, true)
}

func (h *MappingHysteresis) PostUnmap() {
	h.record(true, false)
}

func (h *MappingHysteresis) PostAlloc() {
	h.record(false, false)
}

// PostFree is called after a suballocation is returned to the reservation. It returns true if the
// extra mapping was deactivated.
func (h *MappingHysteresis) PostFree() bool {
	return h.record(false, true)
}

func (h *MappingHysteresis) record(mappingActivity bool, mayToggle bool) bool {
	if mappingActivity == h.extraMapping {
		h.settle()
		return false
	}

	h.majorCounter++
	if !mayToggle || h.majorCounter < CounterMinExtraMapping {
		return false
	}

	// Turning the mapping off additionally requires the frees to clearly outweigh recent maps
	if h.extraMapping && h.majorCounter <= h.minorCounter+1 {
		return false
	}

	h.extraMapping = !h.extraMapping
	h.majorCounter = 0
	h.minorCounter = 0
	return true
}

func (h *MappingHysteresis) settle() {
	if h.minorCounter < h.majorCounter {
		h.minorCounter++
	} else if h.majorCounter > 0 {
		h.majorCounter--
		h.minorCounter--
	}
}
