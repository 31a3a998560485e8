package suballoc

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpumem/memutils"
	"golang.org/x/exp/slog"
)

// Pool is a custom pool of memory blocks of a single memory type, with its own block size and block
// count limits. Pools are created with Allocator.CreatePool and must be destroyed before the
// allocator.
type Pool struct {
	logger               *slog.Logger
	blockList            memoryBlockList
	dedicatedAllocations dedicatedAllocationList
	parentAllocator      *Allocator

	id   int
	name string
}

func (p *Pool) ID() int {
	return p.id
}

func (p *Pool) SetName(name string) {
	p.name = name
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) MemoryTypeIndex() int {
	return p.blockList.memoryTypeIndex
}

// AddStatistics sums the pool's block and dedicated allocation statistics into stats
func (p *Pool) AddStatistics(stats *memutils.Statistics) {
	p.blockList.AddStatistics(stats)
	p.dedicatedAllocations.AddStatistics(stats)
}

// AddDetailedStatistics sums the pool's block and dedicated allocation statistics into stats
func (p *Pool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.blockList.AddDetailedStatistics(stats)
	p.dedicatedAllocations.AddDetailedStatistics(stats)
}

// CheckConsistency validates the metadata of every block in the pool. An error indicates a bug in
// the allocator.
func (p *Pool) CheckConsistency() error {
	err := p.blockList.Validate()
	if err != nil {
		return errors.Wrapf(err, "pool %d", p.id)
	}

	err = p.dedicatedAllocations.Validate()
	if err != nil {
		return errors.Wrapf(err, "pool %d", p.id)
	}

	return nil
}

// Destroy releases the pool's blocks and removes it from its allocator. It fails if any allocation
// made from the pool is still live.
func (p *Pool) Destroy() error {
	p.parentAllocator.poolsMutex.Lock()
	defer p.parentAllocator.poolsMutex.Unlock()

	err := p.destroyAfterLock()
	if err != nil {
		return err
	}

	p.parentAllocator.pools.Delete(p.id)
	return nil
}

func (p *Pool) destroyAfterLock() error {
	memutils.DebugValidate(&p.dedicatedAllocations)
	if count := p.dedicatedAllocations.Count(); count > 0 {
		p.dedicatedAllocations.logLeaks(p.logger)
		return errors.Newf("pool %d still has %d dedicated allocations that remain unfreed", p.id, count)
	}

	err := p.blockList.Destroy()
	if err != nil {
		return errors.Wrapf(err, "pool %d", p.id)
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "destroyed pool",
		slog.Int("pool.id", p.id),
		slog.String("name", p.name),
	)
	return nil
}
