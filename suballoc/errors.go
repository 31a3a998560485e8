package suballoc

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// ErrInvalidArgument is wrapped by errors returned for malformed requests, such as zero-sized
// allocations or contradictory flags. The accompanying result is core1_0.VKErrorUnknown.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrBudgetExceeded is wrapped by the error returned when an AllocationCreateWithinBudget request
// would exceed its heap's budget. The accompanying result is core1_0.VKErrorOutOfDeviceMemory.
var ErrBudgetExceeded = errors.New("heap budget exceeded")

func invalidArgument(format string, args ...any) (common.VkResult, error) {
	return core1_0.VKErrorUnknown, errors.Wrapf(ErrInvalidArgument, format, args...)
}

func budgetExceeded(heapIndex, usage, requested, budget int) (common.VkResult, error) {
	return core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(ErrBudgetExceeded,
		"heap %d is using %d bytes, and %d more would exceed its budget of %d", heapIndex, usage, requested, budget)
}
