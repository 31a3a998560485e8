package suballoc

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
	"github.com/vkngwrapper/gpumem/suballoc/internal/device"
	"golang.org/x/exp/slog"
)

// deviceMemoryBlock is one reservation carved up by TLSF metadata
type deviceMemoryBlock struct {
	id              int
	memoryTypeIndex int
	size            int
	reservation     *device.SynchronizedReservation
	parentPool      *Pool
	logger          *slog.Logger

	metadata     metadata.BlockMetadata
	granularity  *blockGranularity
	deviceMemory *device.DeviceMemoryProperties
}

func newDeviceMemoryBlock(
	logger *slog.Logger,
	pool *Pool,
	deviceMemory *device.DeviceMemoryProperties,
	reservation *device.SynchronizedReservation,
	id int,
	bufferImageGranularity int,
) *deviceMemoryBlock {
	size := reservation.Size()
	block := &deviceMemoryBlock{
		id:              id,
		memoryTypeIndex: reservation.MemoryTypeIndex(),
		size:            size,
		reservation:     reservation,
		parentPool:      pool,
		logger:          logger,
		granularity:     newBlockGranularity(bufferImageGranularity, size),
		deviceMemory:    deviceMemory,
	}

	block.metadata = metadata.NewTLSFBlockMetadata(bufferImageGranularity, block.granularity)
	block.metadata.Init(size)

	return block
}

// Size remains valid after Destroy
func (b *deviceMemoryBlock) Size() int {
	return b.size
}

func (b *deviceMemoryBlock) isMapped() bool {
	return b.reservation.MappedData() != nil
}

// Destroy returns the block's reservation to the backend. Destroying a block that still holds
// allocations is a bug in the block list and panics after the leaked allocations are logged.
func (b *deviceMemoryBlock) Destroy() {
	if b.reservation == nil {
		panic("attempting to destroy a memory block that has already been destroyed")
	}

	if !b.metadata.IsEmpty() {
		b.logUnreleasedAllocations()
		panic(fmt.Sprintf("memory block %d of memory type %d was destroyed with %d live allocations",
			b.id, b.memoryTypeIndex, b.metadata.AllocationCount()))
	}

	b.deviceMemory.Release(b.reservation)

	b.reservation = nil
	b.metadata = nil
}

func (b *deviceMemoryBlock) logUnreleasedAllocations() {
	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			return nil
		}

		allocation, ok := userData.(*Allocation)
		if !ok || allocation == nil {
			b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed region with no allocation",
				slog.Int("offset", offset),
				slog.Int("size", size),
			)
			return nil
		}

		allocation.logLeak(b.logger, offset)
		return nil
	})
	if err != nil {
		b.logger.LogAttrs(context.Background(), slog.LevelError,
			"[UNRELEASED MEMORY] error while iterating unreleased memory",
			slog.Any("error", err))
	}
}

func (b *deviceMemoryBlock) Validate() error {
	if b.reservation == nil {
		return errors.New("no valid reservation for this memory block")
	}
	if b.metadata.Size() != b.reservation.Size() {
		return errors.Newf("memory block metadata covers %d bytes, but its reservation is %d bytes", b.metadata.Size(), b.reservation.Size())
	}

	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		allocation, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			return errors.Newf("a region at offset %d is marked as free but contains an allocation object", offset)
		} else if free {
			return nil
		}

		if !isAllocation || allocation == nil {
			return errors.Newf("a region at offset %d is marked as allocated but has no allocation object", offset)
		}
		if allocation.blockData.block != b || allocation.blockData.handle != handle {
			return errors.Newf("the allocation at offset %d does not point back at its block", offset)
		}
		if allocation.blockData.offset != offset {
			return errors.Newf("the allocation at offset %d believes it is at offset %d", offset, allocation.blockData.offset)
		}
		if allocation.size != size {
			return errors.Newf("the allocation at offset %d is %d bytes, but its region is %d bytes", offset, allocation.size, size)
		}
		if offset%int(allocation.alignment) != 0 {
			return errors.Newf("the allocation at offset %d does not respect its alignment of %d", offset, allocation.alignment)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return b.metadata.Validate()
}
