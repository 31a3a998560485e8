package suballoc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGranularity_InitPageCount(t *testing.T) {
	require.Len(t, newBlockGranularity(1024, 4096).pages, 4)
	require.Len(t, newBlockGranularity(1024, 4097).pages, 5)
	require.Nil(t, newBlockGranularity(128, 1024).pages)
}

func TestGranularity_Conflicts(t *testing.T) {
	testCases := map[string]struct {
		first    ResourceKind
		second   ResourceKind
		conflict bool
	}{
		"Free Never Conflicts":            {resourceKindFree, ResourceKindUnknown, false},
		"Unknown Conflicts With Unknown":  {ResourceKindUnknown, ResourceKindUnknown, true},
		"Unknown Conflicts With Buffer":   {ResourceKindBuffer, ResourceKindUnknown, true},
		"Buffers Coexist":                 {ResourceKindBuffer, ResourceKindBuffer, false},
		"Buffer And Linear Coexist":       {ResourceKindBuffer, ResourceKindImageLinear, false},
		"Buffer And Optimal Conflict":     {ResourceKindImageOptimal, ResourceKindBuffer, true},
		"Buffer And Unknown Image":        {ResourceKindBuffer, ResourceKindImageUnknown, true},
		"Unknown Images Conflict":         {ResourceKindImageUnknown, ResourceKindImageUnknown, true},
		"Linear And Optimal Conflict":     {ResourceKindImageLinear, ResourceKindImageOptimal, true},
		"Linear Images Coexist":           {ResourceKindImageLinear, ResourceKindImageLinear, false},
		"Optimal Images Coexist":          {ResourceKindImageOptimal, ResourceKindImageOptimal, false},
		"Unknown Image And Linear Images": {ResourceKindImageLinear, ResourceKindImageUnknown, true},
	}

	var g blockGranularity
	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.conflict, g.AllocationsConflict(uint32(testCase.first), uint32(testCase.second)))
			require.Equal(t, testCase.conflict, g.AllocationsConflict(uint32(testCase.second), uint32(testCase.first)))
		})
	}
}

func TestGranularity_RoundUp(t *testing.T) {
	testCases := map[string]struct {
		granularity    uint
		kind           ResourceKind
		inputSize      int
		inputAlignment uint
		outputSize     int
		outputAlign    uint
	}{
		"Optimal Image Padded":      {128, ResourceKindImageOptimal, 130, 8, 256, 128},
		"Unknown Padded":            {64, ResourceKindUnknown, 10, 4, 64, 64},
		"Large Alignment Kept":      {64, ResourceKindImageUnknown, 10, 512, 64, 512},
		"Buffer Untouched":          {128, ResourceKindBuffer, 130, 8, 130, 8},
		"Linear Image Untouched":    {128, ResourceKindImageLinear, 130, 8, 130, 8},
		"Tracked Granularity Skips": {1024, ResourceKindImageOptimal, 130, 8, 130, 8},
		"Granularity One Skips":     {1, ResourceKindImageOptimal, 130, 8, 130, 8},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			g := blockGranularity{granularity: testCase.granularity}
			size, alignment := g.RoundUpAllocRequest(uint32(testCase.kind), testCase.inputSize, testCase.inputAlignment)
			require.Equal(t, testCase.outputSize, size)
			require.Equal(t, testCase.outputAlign, alignment)
		})
	}
}

func TestGranularity_AllocAndFreePages(t *testing.T) {
	g := newBlockGranularity(1024, 4096)

	g.AllocRegions(uint32(ResourceKindBuffer), 0, 256)
	g.AllocRegions(uint32(ResourceKindBuffer), 512, 1024)

	require.Equal(t, uint16(2), g.pages[0].allocCount)
	require.Equal(t, uint16(1), g.pages[1].allocCount)
	require.Equal(t, uint16(0), g.pages[2].allocCount)
	require.Equal(t, ResourceKindBuffer, g.pages[0].kind)
	require.Equal(t, ResourceKindBuffer, g.pages[1].kind)
	require.Equal(t, resourceKindFree, g.pages[2].kind)

	g.FreeRegions(0, 256)
	require.Equal(t, uint16(1), g.pages[0].allocCount)
	require.Equal(t, ResourceKindBuffer, g.pages[0].kind)

	g.FreeRegions(512, 1024)
	require.Equal(t, uint16(0), g.pages[0].allocCount)
	require.Equal(t, uint16(0), g.pages[1].allocCount)
	require.Equal(t, resourceKindFree, g.pages[0].kind)
	require.Equal(t, resourceKindFree, g.pages[1].kind)
}

type granularityTestAlloc struct {
	kind   ResourceKind
	offset int
	size   int
}

func TestGranularity_CheckConflictAndAlignUp(t *testing.T) {
	testCases := map[string]struct {
		allocs       []granularityTestAlloc
		kind         ResourceKind
		allocOffset  int
		allocSize    int
		regionOffset int
		regionSize   int
		outputOffset int
		conflict     bool
	}{
		"Empty Block": {
			kind: ResourceKindBuffer, allocSize: 100, regionSize: 100,
		},
		"Conflict On Shared Page Without Room": {
			allocs: []granularityTestAlloc{{ResourceKindImageUnknown, 100, 100}},
			kind:   ResourceKindBuffer, allocSize: 100, regionSize: 100,
			conflict: true,
		},
		"Conflict On Left Neighbor Without Room": {
			allocs:      []granularityTestAlloc{{ResourceKindImageUnknown, 0, 100}},
			kind:        ResourceKindBuffer,
			allocOffset: 100, allocSize: 100, regionOffset: 100, regionSize: 100,
			conflict: true,
		},
		"Nudged To Next Page": {
			allocs:      []granularityTestAlloc{{ResourceKindImageUnknown, 0, 100}},
			kind:        ResourceKindBuffer,
			allocOffset: 100, allocSize: 100, regionOffset: 100, regionSize: 2000,
			outputOffset: 1024,
		},
		"Nudged Into Right Neighbor": {
			allocs: []granularityTestAlloc{
				{ResourceKindImageUnknown, 0, 100},
				{ResourceKindImageOptimal, 2038, 100},
			},
			kind:        ResourceKindBuffer,
			allocOffset: 100, allocSize: 1500, regionOffset: 100, regionSize: 2360,
			conflict: true,
		},
		"Buffer Beside Linear Image": {
			allocs:    []granularityTestAlloc{{ResourceKindImageLinear, 500, 100}},
			kind:      ResourceKindBuffer,
			allocSize: 100, regionSize: 500,
		},
		"Buffer Nudged Next To Linear Image": {
			allocs: []granularityTestAlloc{
				{ResourceKindImageOptimal, 0, 100},
				{ResourceKindImageLinear, 1500, 100},
			},
			kind:        ResourceKindBuffer,
			allocOffset: 100, allocSize: 200, regionOffset: 100, regionSize: 1400,
			outputOffset: 1024,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			g := newBlockGranularity(1024, 4096)
			for _, alloc := range testCase.allocs {
				g.AllocRegions(uint32(alloc.kind), alloc.offset, alloc.size)
			}

			offset, conflict := g.CheckConflictAndAlignUp(testCase.allocOffset, testCase.allocSize, testCase.regionOffset, testCase.regionSize, uint32(testCase.kind))
			require.Equal(t, testCase.conflict, conflict)
			if !conflict {
				require.Equal(t, testCase.outputOffset, offset)
			}
		})
	}
}

func TestGranularity_Validation(t *testing.T) {
	g := newBlockGranularity(1024, 4096)

	allocs := []granularityTestAlloc{
		{ResourceKindBuffer, 0, 100},
		{ResourceKindImageLinear, 500, 100},
		{ResourceKindImageOptimal, 1024, 500},
		{ResourceKindUnknown, 2048, 100},
	}
	for _, alloc := range allocs {
		g.AllocRegions(uint32(alloc.kind), alloc.offset, alloc.size)
	}

	ctx := g.StartValidation()
	for _, alloc := range allocs {
		require.NoError(t, g.Validate(ctx, alloc.offset, alloc.size))
	}
	require.NoError(t, g.FinishValidation(ctx))

	// Forgetting an allocation is caught by the final page count comparison
	ctx = g.StartValidation()
	for _, alloc := range allocs[1:] {
		require.NoError(t, g.Validate(ctx, alloc.offset, alloc.size))
	}
	require.Error(t, g.FinishValidation(ctx))
}
