package suballoc

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/gpumem/memutils"
	"golang.org/x/exp/slices"
)

// AllocatorStatistics is the full set of statistics for an allocator, broken down by memory type and
// memory heap
type AllocatorStatistics struct {
	MemoryTypes [common.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeaps [common.MaxMemoryHeaps]memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// CalculateStatistics fills stats with the current state of every block and allocation, including
// those in custom pools. This visits every region of every block, so it is slow.
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	stats.Total.Clear()
	for i := 0; i < common.MaxMemoryTypes; i++ {
		stats.MemoryTypes[i].Clear()
	}
	for i := 0; i < common.MaxMemoryHeaps; i++ {
		stats.MemoryHeaps[i].Clear()
	}

	typeCount := a.deviceMemory.MemoryTypeCount()
	for memoryTypeIndex := 0; memoryTypeIndex < typeCount; memoryTypeIndex++ {
		if a.memoryBlockLists[memoryTypeIndex] == nil {
			continue
		}

		a.memoryBlockLists[memoryTypeIndex].AddDetailedStatistics(&stats.MemoryTypes[memoryTypeIndex])
		a.dedicatedAllocations[memoryTypeIndex].AddDetailedStatistics(&stats.MemoryTypes[memoryTypeIndex])
	}

	a.visitPools(func(pool *Pool) bool {
		pool.AddDetailedStatistics(&stats.MemoryTypes[pool.MemoryTypeIndex()])
		return false
	})

	for memoryTypeIndex := 0; memoryTypeIndex < typeCount; memoryTypeIndex++ {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[memoryTypeIndex])
	}

	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

// BuildStatsString returns a JSON document describing the allocator's heaps, budgets and statistics.
// If detailedMap is true, it also describes every block, every region within each block, every
// dedicated allocation and every custom pool.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)

	heapCount := a.deviceMemory.MemoryHeapCount()
	budgets := make([]Budget, heapCount)
	a.deviceMemory.HeapBudgets(0, budgets)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	general := rootObj.Name("General").Object()
	general.Name("IntegratedGPU").Bool(a.deviceMemory.IsIntegratedGPU())
	general.Name("MemoryHeapCount").Int(heapCount)
	general.Name("MemoryTypeCount").Int(a.deviceMemory.MemoryTypeCount())
	general.End()

	total := rootObj.Name("Total").Object()
	stats.Total.PrintJson(&total)
	total.End()

	memoryInfo := rootObj.Name("MemoryInfo").Object()
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		heap := a.deviceMemory.MemoryHeapProperties(heapIndex)

		heapInfo := memoryInfo.Name(fmt.Sprintf("Heap %d", heapIndex)).Object()
		heapInfo.Name("Flags").Int(int(heap.Flags))
		heapInfo.Name("Size").Int(heap.Size)

		budget := heapInfo.Name("Budget").Object()
		budget.Name("BlockCount").Int(budgets[heapIndex].Statistics.BlockCount)
		budget.Name("BlockBytes").Int(budgets[heapIndex].Statistics.BlockBytes)
		budget.Name("AllocationCount").Int(budgets[heapIndex].Statistics.AllocationCount)
		budget.Name("AllocationBytes").Int(budgets[heapIndex].Statistics.AllocationBytes)
		budget.Name("Usage").Int(budgets[heapIndex].Usage)
		budget.Name("BudgetBytes").Int(budgets[heapIndex].Budget)
		budget.End()

		heapStats := heapInfo.Name("Stats").Object()
		stats.MemoryHeaps[heapIndex].PrintJson(&heapStats)
		heapStats.End()

		memoryPools := heapInfo.Name("MemoryPools").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex) != heapIndex {
				continue
			}

			typeInfo := memoryPools.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
			typeInfo.Name("Flags").Int(int(a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags))

			typeStats := typeInfo.Name("Stats").Object()
			stats.MemoryTypes[typeIndex].PrintJson(&typeStats)
			typeStats.End()

			typeInfo.End()
		}
		memoryPools.End()

		heapInfo.End()
	}
	memoryInfo.End()

	if detailedMap {
		a.printDefaultPools(&rootObj)
		a.printCustomPools(&rootObj)
	}

	rootObj.End()

	return string(writer.Bytes())
}

func (a *Allocator) printDefaultPools(json *jwriter.ObjectState) {
	defaultPools := json.Name("DefaultPools").Object()
	defer defaultPools.End()

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		blockList := a.memoryBlockLists[typeIndex]
		if blockList == nil {
			continue
		}

		typeObj := defaultPools.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
		typeObj.Name("PreferredBlockSize").Int(blockList.PreferredBlockSize())

		blocks := typeObj.Name("Blocks").Object()
		blockList.PrintDetailedMap(&blocks)
		blocks.End()

		dedicated := typeObj.Name("DedicatedAllocations").Array()
		a.dedicatedAllocations[typeIndex].PrintJson(&dedicated)
		dedicated.End()

		typeObj.End()
	}
}

func (a *Allocator) printCustomPools(json *jwriter.ObjectState) {
	var pools []*Pool
	a.visitPools(func(pool *Pool) bool {
		pools = append(pools, pool)
		return false
	})

	ids := make([]int, 0, len(pools))
	byId := make(map[int]*Pool, len(pools))
	for _, pool := range pools {
		ids = append(ids, pool.id)
		byId[pool.id] = pool
	}
	slices.Sort(ids)

	customPools := json.Name("CustomPools").Object()
	defer customPools.End()

	for _, id := range ids {
		pool := byId[id]

		poolObj := customPools.Name(fmt.Sprintf("Pool %d", id)).Object()
		poolObj.Name("Name").String(pool.Name())
		poolObj.Name("MemoryType").Int(pool.MemoryTypeIndex())
		poolObj.Name("PreferredBlockSize").Int(pool.blockList.PreferredBlockSize())

		blocks := poolObj.Name("Blocks").Object()
		pool.blockList.PrintDetailedMap(&blocks)
		blocks.End()

		dedicated := poolObj.Name("DedicatedAllocations").Array()
		pool.dedicatedAllocations.PrintJson(&dedicated)
		dedicated.End()

		poolObj.End()
	}
}
