package suballoc

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/ilist"
	"github.com/vkngwrapper/gpumem/suballoc/internal/utils"
	"golang.org/x/exp/slog"
)

func dedicatedLinks(alloc *Allocation) *ilist.Links[Allocation] {
	return &alloc.dedicatedData.links
}

// dedicatedAllocationList tracks the live dedicated allocations of one memory type or one pool
type dedicatedAllocationList struct {
	mutex       utils.OptionalRWMutex
	allocations ilist.List[Allocation]
}

func (l *dedicatedAllocationList) Init(useMutex bool) {
	l.mutex.Init(useMutex)
	l.allocations = ilist.New[Allocation](dedicatedLinks)
}

func (l *dedicatedAllocationList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	actualCount := 0
	for alloc := l.allocations.Front(); alloc != nil; alloc = l.allocations.Next(alloc) {
		actualCount++

		if alloc.allocationType != allocationTypeDedicated {
			return errors.Newf("a %s allocation was found in the dedicated allocation list", alloc.allocationType)
		}
		if alloc.reservation == nil || alloc.reservation.Size() != alloc.size {
			return errors.Newf("dedicated allocation of %d bytes does not match its reservation", alloc.size)
		}
	}

	if actualCount != l.allocations.Len() {
		return errors.Newf("the listed number of dedicated allocations in the list (%d) does not match the actual number of allocations (%d)", l.allocations.Len(), actualCount)
	}

	return nil
}

func (l *dedicatedAllocationList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.allocations.Front(); item != nil; item = l.allocations.Next(item) {
		stats.BlockCount++
		stats.BlockBytes += item.size
		stats.AllocationCount++
		stats.AllocationBytes += item.size
	}
}

func (l *dedicatedAllocationList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.allocations.Front(); item != nil; item = l.allocations.Next(item) {
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += item.size
		stats.AddAllocation(item.size)
	}
}

func (l *dedicatedAllocationList) PrintJson(json *jwriter.ArrayState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for alloc := l.allocations.Front(); alloc != nil; alloc = l.allocations.Next(alloc) {
		o := json.Object()
		alloc.printParameters(&o)
		o.End()
	}
}

func (l *dedicatedAllocationList) Count() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.allocations.Len()
}

func (l *dedicatedAllocationList) IsEmpty() bool {
	return l.Count() == 0
}

func (l *dedicatedAllocationList) logLeaks(logger *slog.Logger) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for alloc := l.allocations.Front(); alloc != nil; alloc = l.allocations.Next(alloc) {
		alloc.logLeak(logger, 0)
	}
}

func (l *dedicatedAllocationList) Register(alloc *Allocation) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.allocations.PushBack(alloc)
}

func (l *dedicatedAllocationList) Unregister(alloc *Allocation) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.allocations.Remove(alloc)
}
