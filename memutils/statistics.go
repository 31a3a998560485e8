package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics holds the counters that every layer of the allocator can report: the number of
// reservations ("blocks") and the bytes they hold, and the number of live allocations and the
// bytes they occupy.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.BlockBytes += other.BlockBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics adds unused ranges and the extremes of allocation and unused range sizes to
// Statistics. Gathering them visits every region of every block.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

// widen extends the range [lo, hi] to cover [otherLo, otherHi]
func widen(lo, hi, otherLo, otherHi int) (int, int) {
	if otherLo < lo {
		lo = otherLo
	}
	if otherHi > hi {
		hi = otherHi
	}
	return lo, hi
}

// Clear empties the statistics. Minimums start at math.MaxInt so the first size added replaces them.
func (s *DetailedStatistics) Clear() {
	*s = DetailedStatistics{
		AllocationSizeMin:  math.MaxInt,
		UnusedRangeSizeMin: math.MaxInt,
	}
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedRangeSizeMin, s.UnusedRangeSizeMax = widen(s.UnusedRangeSizeMin, s.UnusedRangeSizeMax, size, size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.AllocationSizeMin, s.AllocationSizeMax = widen(s.AllocationSizeMin, s.AllocationSizeMax, size, size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	s.AllocationSizeMin, s.AllocationSizeMax = widen(s.AllocationSizeMin, s.AllocationSizeMax, other.AllocationSizeMin, other.AllocationSizeMax)
	s.UnusedRangeSizeMin, s.UnusedRangeSizeMax = widen(s.UnusedRangeSizeMin, s.UnusedRangeSizeMax, other.UnusedRangeSizeMin, other.UnusedRangeSizeMax)
}

// PrintJson writes the statistics as fields of json. Size extremes are left out when there are fewer
// than two sizes to compare.
func (s *DetailedStatistics) PrintJson(json *jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)

	if s.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(s.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	}

	if s.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}
