package suballoc

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/suballoc/backend"
	"github.com/vkngwrapper/gpumem/suballoc/internal/device"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this allocator and all objects created from it will not
	// be synchronized internally. The consumer must guarantee they are used from only one goroutine at
	// a time or are synchronized by some other mechanism, but performance may improve because internal
	// mutexes are not used.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

const (
	// defaultLargeHeapBlockSize is the value that is used as the PreferredLargeHeapBlockSize when none
	// is provided via CreateOptions. It is equal to 256MiB.
	defaultLargeHeapBlockSize int = 256 * 1024 * 1024

	smallHeapMaxSize int = 1024 * 1024 * 1024
)

// CreateOptions contains optional settings when creating an allocator. The zero value is valid.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PreferredLargeHeapBlockSize is the block size to use when allocating from heaps larger
	// than a gigabyte. Smaller heaps use an eighth of the heap size.
	PreferredLargeHeapBlockSize int

	// HeapSizeLimits can be left empty. If it is provided, it must have one entry per memory heap of
	// the device. Each entry is either the maximum number of bytes that may be reserved from the
	// corresponding heap, or 0 for no limit.
	//
	// Heap limits are enforced at runtime: reservations past the limit fail with
	// core1_0.VKErrorOutOfDeviceMemory.
	HeapSizeLimits []int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed whenever the
	// allocator reserves or releases backend memory
	MemoryCallbackOptions *MemoryCallbackOptions

	// BudgetRefreshInterval is the number of reservations and releases after which the backend's heap
	// budgets are fetched again. If it is left 0, the budgets are refreshed every 30 operations.
	BudgetRefreshInterval int
}

// New creates a new Allocator on top of the provided backend
//
// logger - Receives debug records for allocations and reservations, and error records for leaks
//
// b - The device memory backend that reservations are made from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, b backend.Backend, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("attempted to create an allocator with a nil logger")
	}
	if b == nil {
		return nil, errors.New("attempted to create an allocator with a nil backend")
	}
	if options.PreferredLargeHeapBlockSize < 0 {
		return nil, errors.Newf("PreferredLargeHeapBlockSize %d may not be negative", options.PreferredLargeHeapBlockSize)
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0

	allocator := &Allocator{
		useMutex:    useMutex,
		logger:      logger,
		backend:     b,
		createFlags: options.Flags,
		pools:       swiss.NewMap[int, *Pool](0),
		nextPoolId:  1,
	}
	allocator.poolsMutex.Init(useMutex)

	if options.PreferredLargeHeapBlockSize == 0 {
		allocator.preferredLargeHeapBlockSize = defaultLargeHeapBlockSize
	} else {
		allocator.preferredLargeHeapBlockSize = options.PreferredLargeHeapBlockSize
	}

	refreshInterval := options.BudgetRefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = device.DefaultBudgetRefreshInterval
	}

	var callbacks device.MemoryCallbacks
	if options.MemoryCallbackOptions != nil {
		callbacks = &memoryCallbacks{
			options:   options.MemoryCallbackOptions,
			allocator: allocator,
		}
	}

	var err error
	allocator.deviceMemory, err = device.NewDeviceMemoryProperties(
		logger,
		b,
		useMutex,
		callbacks,
		options.HeapSizeLimits,
		refreshInterval,
	)
	if err != nil {
		return nil, err
	}

	allocator.globalMemoryTypeBits = allocator.deviceMemory.GlobalMemoryTypeBits()

	// Initialize the default pools
	typeCount := allocator.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		if allocator.globalMemoryTypeBits&(1<<typeIndex) == 0 {
			continue
		}

		allocator.memoryBlockLists[typeIndex] = &memoryBlockList{}
		allocator.memoryBlockLists[typeIndex].Init(
			useMutex,
			allocator,
			nil,
			typeIndex,
			allocator.calculatePreferredBlockSize(typeIndex),
			0,
			math.MaxInt,
			allocator.deviceMemory.BufferImageGranularity(),
			false,
			0,
			allocator.deviceMemory.MemoryTypeMinimumAlignment(typeIndex),
		)

		allocator.dedicatedAllocations[typeIndex] = &dedicatedAllocationList{}
		allocator.dedicatedAllocations[typeIndex].Init(useMutex)
	}

	return allocator, nil
}

// calculatePreferredBlockSize sizes the default blocks of a memory type: an eighth of the heap for
// heaps of up to a gigabyte, and PreferredLargeHeapBlockSize for larger heaps
func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) int {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)

	heapSize := a.deviceMemory.MemoryHeapProperties(heapIndex).Size
	rawSize := a.preferredLargeHeapBlockSize
	if heapSize <= smallHeapMaxSize {
		rawSize = heapSize / 8
	}

	return memutils.AlignUp(rawSize, 32)
}
