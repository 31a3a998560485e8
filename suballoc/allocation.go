package suballoc

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gpumem/memutils/ilist"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"github.com/vkngwrapper/gpumem/suballoc/backend"
	"github.com/vkngwrapper/gpumem/suballoc/internal/device"
	"golang.org/x/exp/slog"
)

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	allocationTypeBlock
	allocationTypeDedicated
)

var allocationTypeMapping = map[allocationType]string{
	allocationTypeNone:      "allocationTypeNone",
	allocationTypeBlock:     "allocationTypeBlock",
	allocationTypeDedicated: "allocationTypeDedicated",
}

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

type allocationFlags uint32

const (
	allocationPersistentMap allocationFlags = 1 << iota
	allocationMappingAllowed
)

var allocationFlagsMapping = common.NewFlagStringMapping[allocationFlags]()

func (f allocationFlags) String() string {
	return allocationFlagsMapping.FlagsToString(f)
}

func init() {
	allocationFlagsMapping.Register(allocationPersistentMap, "allocationPersistentMap")
	allocationFlagsMapping.Register(allocationMappingAllowed, "allocationMappingAllowed")
}

type blockData struct {
	handle metadata.BlockAllocationHandle
	block  *deviceMemoryBlock
	// offset is copied out of the block metadata when the allocation is committed, so that it can be
	// read without the block list lock
	offset int
}

type dedicatedData struct {
	parentPool *Pool
	links      ilist.Links[Allocation]
}

// AllocationInfo describes where an allocation lives
type AllocationInfo struct {
	MemoryTypeIndex int
	// Reservation is the backend reservation holding the allocation
	Reservation backend.Reservation
	// Offset is the allocation's byte offset within Reservation
	Offset int
	Size   int
	// MappedData points at the first byte of the allocation if it is mapped, or is nil otherwise
	MappedData      unsafe.Pointer
	ReservationSize int
	// Dedicated is true if the allocation owns its entire reservation
	Dedicated bool
}

// Allocation is a range of device memory handed out by an Allocator. Allocations are created by
// Allocator.AllocateMemory and must be released with Free. An Allocation is not safe for concurrent
// use, though allocations sharing a block may be used from different goroutines.
type Allocation struct {
	alignment uint
	size      int
	userData  any
	name      string
	flags     allocationFlags

	memoryTypeIndex int
	allocationType  allocationType
	kind            ResourceKind
	mapCount        int
	reservation     *device.SynchronizedReservation

	parentAllocator *Allocator

	blockData     blockData
	dedicatedData dedicatedData
}

func (a *Allocation) init(allocator *Allocator, mappingAllowed bool) {
	*a = Allocation{
		alignment:       1,
		parentAllocator: allocator,
	}

	if mappingAllowed {
		a.flags = allocationMappingAllowed
	}
}

func (a *Allocation) initBlockAllocation(
	block *deviceMemoryBlock,
	allocHandle metadata.BlockAllocationHandle,
	offset int,
	alignment uint,
	size int,
	kind ResourceKind,
	mapped bool,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if block == nil || block.reservation == nil {
		panic("attempting to init a block allocation using a nil memory block")
	}

	a.allocationType = allocationTypeBlock
	a.alignment = alignment
	a.size = size
	a.memoryTypeIndex = block.memoryTypeIndex
	a.kind = kind
	if mapped {
		a.flags |= allocationPersistentMap
	}

	a.reservation = block.reservation
	a.blockData.handle = allocHandle
	a.blockData.block = block
	a.blockData.offset = offset
}

func (a *Allocation) initDedicatedAllocation(
	parentPool *Pool,
	reservation *device.SynchronizedReservation,
	alignment uint,
	kind ResourceKind,
	mapped bool,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if reservation == nil {
		panic("attempting to init a dedicated allocation using a nil reservation")
	}

	a.allocationType = allocationTypeDedicated
	a.alignment = alignment
	a.size = reservation.Size()
	a.memoryTypeIndex = reservation.MemoryTypeIndex()
	a.kind = kind
	if mapped {
		a.flags |= allocationPersistentMap
	}

	a.reservation = reservation
	a.dedicatedData.parentPool = parentPool
}

func (a *Allocation) SetName(name string) {
	a.name = name
}

func (a *Allocation) Name() string {
	return a.name
}

func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) UserData() any {
	return a.userData
}

func (a *Allocation) MemoryTypeIndex() int { return a.memoryTypeIndex }
func (a *Allocation) Size() int            { return a.size }
func (a *Allocation) Alignment() uint      { return a.alignment }
func (a *Allocation) Kind() ResourceKind   { return a.kind }
func (a *Allocation) IsDedicated() bool    { return a.allocationType == allocationTypeDedicated }

// IsMappingAllowed returns true if the allocation was created with a host access flag, or with a
// usage that implies one
func (a *Allocation) IsMappingAllowed() bool { return a.flags&allocationMappingAllowed != 0 }
func (a *Allocation) isPersistentMap() bool  { return a.flags&allocationPersistentMap != 0 }

func (a *Allocation) MemoryType() core1_0.MemoryType {
	return a.parentAllocator.deviceMemory.MemoryTypeProperties(a.memoryTypeIndex)
}

// ParentPool returns the custom pool the allocation was made from, or nil
func (a *Allocation) ParentPool() *Pool {
	switch a.allocationType {
	case allocationTypeBlock:
		return a.blockData.block.parentPool
	case allocationTypeDedicated:
		return a.dedicatedData.parentPool
	}

	return nil
}

// FindOffset returns the allocation's offset within its reservation. Allocations never move, so this
// is safe to call while other goroutines allocate from the same block.
func (a *Allocation) FindOffset() int {
	if a.allocationType != allocationTypeBlock {
		return 0
	}

	return a.blockData.offset
}

// MappedData returns a pointer to the first byte of the allocation if it is mapped, either
// persistently or by an outstanding call to Map, and nil otherwise
func (a *Allocation) MappedData() unsafe.Pointer {
	if a.reservation == nil || (a.mapCount == 0 && !a.isPersistentMap()) {
		return nil
	}

	data := a.reservation.MappedData()
	if data == nil {
		return nil
	}

	return unsafe.Add(data, a.FindOffset())
}

func (a *Allocation) Info() AllocationInfo {
	info := AllocationInfo{
		MemoryTypeIndex: a.memoryTypeIndex,
		Size:            a.size,
		Dedicated:       a.IsDedicated(),
	}

	if a.reservation != nil {
		info.Reservation = a.reservation.Handle()
		info.ReservationSize = a.reservation.Size()
		info.Offset = a.FindOffset()
		info.MappedData = a.MappedData()
	}

	return info
}

// Map maps the allocation's reservation into host memory and returns a pointer to the first byte of
// the allocation. Every successful call must be paired with a call to Unmap before the allocation
// is freed.
func (a *Allocation) Map() (unsafe.Pointer, common.VkResult, error) {
	if a.allocationType == allocationTypeNone {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to map an allocation that is not live")
	}

	if !a.IsMappingAllowed() {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Wrap(core1_0.VKErrorMemoryMapFailed.ToError(),
			"attempted to map an allocation that was created without host access")
	}

	if a.MemoryType().PropertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Wrapf(core1_0.VKErrorMemoryMapFailed.ToError(),
			"attempted to map an allocation in memory type %d, which is not host visible", a.memoryTypeIndex)
	}

	ptr, res, err := a.reservation.Map(1)
	if err != nil {
		return nil, res, err
	}
	a.mapCount++

	return unsafe.Add(ptr, a.FindOffset()), res, nil
}

// Unmap releases a mapping made by Map
func (a *Allocation) Unmap() error {
	if a.mapCount == 0 {
		return errors.New("attempted to unmap an allocation that is not mapped")
	}

	err := a.reservation.Unmap(1)
	if err != nil {
		return err
	}

	a.mapCount--
	return nil
}

// Bind binds a backend resource to the start of the allocation
func (a *Allocation) Bind(resource any) (common.VkResult, error) {
	return a.BindWithOffset(0, resource)
}

// BindWithOffset binds a backend resource to the allocation, offset bytes from its start
func (a *Allocation) BindWithOffset(offset int, resource any) (common.VkResult, error) {
	if resource == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind a nil resource")
	}
	if a.allocationType == allocationTypeNone {
		return core1_0.VKErrorUnknown, errors.New("attempted to bind a resource to an allocation that is not live")
	}
	if offset < 0 || offset >= a.size {
		return invalidArgument("bind offset %d is outside of the allocation, which is %d bytes", offset, a.size)
	}

	return a.reservation.Bind(resource, a.FindOffset()+offset)
}

// Free returns the allocation to the allocator. It fails if the allocation is still mapped by a
// call to Map.
func (a *Allocation) Free() error {
	if a.allocationType == allocationTypeNone {
		return errors.New("attempted to free an allocation that is not live")
	}
	if a.mapCount > 0 {
		return errors.Newf("attempted to free an allocation that is still mapped %d times", a.mapCount)
	}

	return a.parentAllocator.freeMemory(a)
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.kind.String())
	json.Name("Size").Int(a.size)

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}

func (a *Allocation) logLeak(logger *slog.Logger, offset int) {
	name := a.name
	if name == "" {
		name = "empty"
	}

	logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("memoryType", a.memoryTypeIndex),
		slog.Int("offset", offset),
		slog.Int("size", a.size),
		slog.String("kind", a.kind.String()),
		slog.Any("userData", a.userData),
		slog.String("name", name),
	)
}
