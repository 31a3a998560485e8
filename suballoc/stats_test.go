package suballoc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestCalculateStatistics(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, allocator := readyAllocator(t, ctrl, defaultSetup())

	small := requireAllocate(t, allocator, mib, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	medium := requireAllocate(t, allocator, 2*mib, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	large := requireAllocate(t, allocator, 100*mib, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageGPUOnly})
	host := requireAllocate(t, allocator, mib, ResourceKindBuffer, AllocationCreateInfo{Usage: MemoryUsageCPUOnly})

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)

	deviceLocal := stats.MemoryTypes[0]
	require.Equal(t, 2, deviceLocal.BlockCount)
	require.Equal(t, 116*mib, deviceLocal.BlockBytes)
	require.Equal(t, 3, deviceLocal.AllocationCount)
	require.Equal(t, 103*mib, deviceLocal.AllocationBytes)
	require.Equal(t, mib, deviceLocal.AllocationSizeMin)
	require.Equal(t, 100*mib, deviceLocal.AllocationSizeMax)

	require.Equal(t, 1, stats.MemoryTypes[1].AllocationCount)
	require.Equal(t, 0, stats.MemoryTypes[2].AllocationCount)

	require.Equal(t, deviceLocal, stats.MemoryHeaps[0])
	require.Equal(t, 1, stats.MemoryHeaps[1].AllocationCount)

	require.Equal(t, 3, stats.Total.BlockCount)
	require.Equal(t, 4, stats.Total.AllocationCount)
	require.Equal(t, 104*mib, stats.Total.AllocationBytes)

	for _, allocation := range []*Allocation{small, medium, large, host} {
		require.NoError(t, allocation.Free())
	}

	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.Total.AllocationCount)
	require.Equal(t, 2, stats.Total.BlockCount)

	require.NoError(t, allocator.Destroy())
}

func TestBuildStatsString(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, allocator := readyAllocator(t, ctrl, defaultSetup())

	block := requireAllocate(t, allocator, mib, ResourceKindBuffer, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
		Name:  "vertex buffer",
	})
	dedicated := requireAllocate(t, allocator, 100*mib, ResourceKindImageOptimal, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
		Name:  "shadow map",
	})

	pool, _, err := allocator.CreatePool(PoolCreateInfo{MemoryTypeIndex: 1, MinBlockCount: 1})
	require.NoError(t, err)
	pool.SetName("staging")

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(false)), &summary))
	require.Contains(t, summary, "General")
	require.Contains(t, summary, "Total")
	require.Contains(t, summary, "MemoryInfo")
	require.NotContains(t, summary, "DefaultPools")

	total := summary["Total"].(map[string]any)
	require.Equal(t, float64(2), total["AllocationCount"])

	memoryInfo := summary["MemoryInfo"].(map[string]any)
	heap := memoryInfo["Heap 0"].(map[string]any)
	require.Equal(t, float64(1024*mib), heap["Size"])
	require.Contains(t, heap["MemoryPools"], "Type 0")

	var detailed map[string]any
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(true)), &detailed))

	defaultPools := detailed["DefaultPools"].(map[string]any)
	deviceLocal := defaultPools["Type 0"].(map[string]any)
	require.Equal(t, float64(128*mib), deviceLocal["PreferredBlockSize"])
	require.Len(t, deviceLocal["Blocks"], 1)
	require.Len(t, deviceLocal["DedicatedAllocations"], 1)

	customPools := detailed["CustomPools"].(map[string]any)
	staging := customPools["Pool 1"].(map[string]any)
	require.Equal(t, "staging", staging["Name"])
	require.Len(t, staging["Blocks"], 1)

	statsString := allocator.BuildStatsString(true)
	require.Contains(t, statsString, "vertex buffer")
	require.Contains(t, statsString, "shadow map")

	require.NoError(t, block.Free())
	require.NoError(t, dedicated.Free())
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}
