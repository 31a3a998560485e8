package suballoc

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/memutils"
	"github.com/vkngwrapper/gpumem/memutils/metadata"
)

// MaxLowBufferImageGranularity is the largest granularity handled by padding requests instead of
// tracking pages. Below it, isolated kinds are simply rounded up to a full granularity unit.
const MaxLowBufferImageGranularity uint = 256

type granularityPage struct {
	kind       ResourceKind
	allocCount uint16
}

type granularityValidation struct {
	pageAllocs []uint16
}

// blockGranularity enforces bufferImageGranularity within a single block. The block is divided into
// pages of bufferImageGranularity bytes, and each page remembers the kind of the allocations touching
// it. Only the first and last page of an allocation are tracked, since those are the only pages an
// allocation can share with a neighbor.
type blockGranularity struct {
	granularity uint
	pages       []granularityPage
}

var _ metadata.GranularityCheck = &blockGranularity{}

func newBlockGranularity(granularity int, blockSize int) *blockGranularity {
	g := &blockGranularity{granularity: uint(granularity)}
	g.Init(blockSize)
	return g
}

func (g *blockGranularity) Init(size int) {
	if !g.IsEnabled() {
		return
	}

	count := memutils.DivideRoundingUp(size, int(g.granularity))
	if cap(g.pages) >= count {
		g.pages = g.pages[:count]
		g.Clear()
	} else {
		g.pages = make([]granularityPage, count)
	}
}

// IsEnabled returns true if pages are being tracked
func (g *blockGranularity) IsEnabled() bool {
	return g.granularity > MaxLowBufferImageGranularity
}

func (g *blockGranularity) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	return kindsConflict(ResourceKind(firstAllocType), ResourceKind(secondAllocType))
}

// RoundUpAllocRequest pads requests of kinds that conflict with buffers out to a full granularity
// unit, for small granularities that are not tracked per page
func (g *blockGranularity) RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint) {
	if g.granularity <= 1 || g.IsEnabled() {
		return allocSize, allocAlignment
	}

	switch ResourceKind(allocType) {
	case ResourceKindUnknown, ResourceKindImageUnknown, ResourceKindImageOptimal:
		if allocAlignment < g.granularity {
			allocAlignment = g.granularity
		}
		allocSize = memutils.AlignUp(allocSize, g.granularity)
	}

	return allocSize, allocAlignment
}

// CheckConflictAndAlignUp moves allocOffset off of a conflicting first page if the region has room,
// and reports a conflict if the allocation would still share a page with an incompatible neighbor
func (g *blockGranularity) CheckConflictAndAlignUp(allocOffset, allocSize, regionOffset, regionSize int, allocType uint32) (int, bool) {
	if !g.IsEnabled() {
		return allocOffset, false
	}

	startPage := g.startPage(allocOffset)
	if g.pageConflicts(startPage, allocType) {
		allocOffset = memutils.AlignUp(allocOffset, g.granularity)
		if regionSize < allocSize+allocOffset-regionOffset {
			return allocOffset, true
		}

		startPage++
	}

	endPage := g.endPage(allocOffset, allocSize)
	if endPage != startPage && g.pageConflicts(endPage, allocType) {
		return allocOffset, true
	}

	return allocOffset, false
}

func (g *blockGranularity) pageConflicts(page int, allocType uint32) bool {
	return g.pages[page].allocCount > 0 && g.AllocationsConflict(uint32(g.pages[page].kind), allocType)
}

func (g *blockGranularity) AllocRegions(allocType uint32, offset, size int) {
	if !g.IsEnabled() {
		return
	}

	g.forEdgePages(offset, size, func(page *granularityPage) {
		if page.allocCount == 0 || page.kind == resourceKindFree {
			page.kind = ResourceKind(allocType)
		}
		page.allocCount++
	})
}

func (g *blockGranularity) FreeRegions(offset, size int) {
	if !g.IsEnabled() {
		return
	}

	g.forEdgePages(offset, size, func(page *granularityPage) {
		page.allocCount--
		if page.allocCount == 0 {
			page.kind = resourceKindFree
		}
	})
}

func (g *blockGranularity) forEdgePages(offset, size int, visit func(page *granularityPage)) {
	start := g.startPage(offset)
	visit(&g.pages[start])

	end := g.endPage(offset, size)
	if end != start {
		visit(&g.pages[end])
	}
}

func (g *blockGranularity) Clear() {
	for i := range g.pages {
		g.pages[i] = granularityPage{}
	}
}

func (g *blockGranularity) StartValidation() any {
	ctx := &granularityValidation{}
	if g.IsEnabled() {
		ctx.pageAllocs = make([]uint16, len(g.pages))
	}
	return ctx
}

func (g *blockGranularity) Validate(anyCtx any, offset, size int) error {
	if !g.IsEnabled() {
		return nil
	}

	ctx := anyCtx.(*granularityValidation)

	start := g.startPage(offset)
	ctx.pageAllocs[start]++
	if g.pages[start].allocCount < 1 {
		return errors.Newf("no allocations recorded in start page %d", start)
	}

	end := g.endPage(offset, size)
	if end != start {
		ctx.pageAllocs[end]++
		if g.pages[end].allocCount < 1 {
			return errors.Newf("no allocations recorded in end page %d", end)
		}
	}

	return nil
}

func (g *blockGranularity) FinishValidation(anyCtx any) error {
	if !g.IsEnabled() {
		return nil
	}

	ctx := anyCtx.(*granularityValidation)
	for pageIndex, page := range g.pages {
		if ctx.pageAllocs[pageIndex] != page.allocCount {
			return errors.Newf("page %d records %d allocations, but %d were found", pageIndex, page.allocCount, ctx.pageAllocs[pageIndex])
		}
	}

	return nil
}

func (g *blockGranularity) startPage(offset int) int {
	return g.pageIndex(memutils.AlignDown(offset, g.granularity))
}

func (g *blockGranularity) endPage(offset, size int) int {
	return g.pageIndex(memutils.AlignDown(offset+size-1, g.granularity))
}

func (g *blockGranularity) pageIndex(offset int) int {
	return offset >> (63 - bits.LeadingZeros64(uint64(g.granularity)))
}
