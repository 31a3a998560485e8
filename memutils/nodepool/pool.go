// Package nodepool provides an arena of fixed-size records addressed by stable integer handles.
// Records are carved out of chunks that grow geometrically, and freed records are recycled through
// a per-chunk free list, so that metadata structures which split and merge constantly do not
// need to go to the garbage-collected heap on every operation.
package nodepool

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"
)

// Handle identifies a single record within a Pool. Handles remain valid (and keep referring to the
// same record) until the record is freed, even as the pool grows.
type Handle uint32

// NoHandle is the sentinel value used for "no record"
const NoHandle Handle = math.MaxUint32

const (
	endOfFreeList uint32 = math.MaxUint32
	slotLive      uint32 = math.MaxUint32 - 1

	maxCapacity = int(slotLive) - 1
)

type chunk[T any] struct {
	base     int
	items    []T
	next     []uint32
	freeHead uint32
	live     int
}

func newChunk[T any](base, capacity int) *chunk[T] {
	c := &chunk[T]{
		base:  base,
		items: make([]T, capacity),
		next:  make([]uint32, capacity),
	}
	c.reset()

	return c
}

func (c *chunk[T]) reset() {
	var zero T
	for i := range c.items {
		c.items[i] = zero
		c.next[i] = uint32(i + 1)
	}
	c.next[len(c.next)-1] = endOfFreeList
	c.freeHead = 0
	c.live = 0
}

// Pool is a growable arena of T records. The zero value is not usable, call New.
//
// Pool is not safe for concurrent use. Pointers returned from Alloc and Get remain valid until the
// record they point to is freed, because chunks are never reallocated once created.
type Pool[T any] struct {
	firstCapacity int
	chunks        []*chunk[T]
	capacity      int
	live          int
}

// New creates an empty Pool. The first chunk will hold firstCapacity records, and each chunk after
// that will be 1.5x the size of the one before it.
func New[T any](firstCapacity int) *Pool[T] {
	if firstCapacity < 1 {
		firstCapacity = 1
	}

	return &Pool[T]{firstCapacity: firstCapacity}
}

// Alloc retrieves a zeroed record from the pool, growing the pool if no free records remain
func (p *Pool[T]) Alloc() (Handle, *T) {
	for i := len(p.chunks) - 1; i >= 0; i-- {
		if p.chunks[i].freeHead != endOfFreeList {
			return p.take(p.chunks[i])
		}
	}

	capacity := p.firstCapacity
	if len(p.chunks) > 0 {
		capacity = len(p.chunks[len(p.chunks)-1].items) * 3 / 2
	}
	if p.capacity+capacity > maxCapacity {
		capacity = maxCapacity - p.capacity
		if capacity <= 0 {
			panic("nodepool: pool has exhausted its handle space")
		}
	}

	c := newChunk[T](p.capacity, capacity)
	p.chunks = append(p.chunks, c)
	p.capacity += capacity

	return p.take(c)
}

func (p *Pool[T]) take(c *chunk[T]) (Handle, *T) {
	slot := c.freeHead
	c.freeHead = c.next[slot]
	c.next[slot] = slotLive
	c.live++
	p.live++

	return Handle(c.base + int(slot)), &c.items[slot]
}

func (p *Pool[T]) locate(handle Handle) (*chunk[T], uint32, bool) {
	if handle == NoHandle || int(handle) >= p.capacity {
		return nil, 0, false
	}

	index := int(handle)
	chunkIndex := sort.Search(len(p.chunks), func(i int) bool {
		return p.chunks[i].base > index
	}) - 1

	c := p.chunks[chunkIndex]
	return c, uint32(index - c.base), true
}

// Free returns a record to the pool. The record is zeroed, and the handle may be handed out again
// by a later call to Alloc.
func (p *Pool[T]) Free(handle Handle) error {
	c, slot, ok := p.locate(handle)
	if !ok {
		return errors.Newf("handle %d does not belong to this pool", handle)
	}

	if c.next[slot] != slotLive {
		return errors.Newf("handle %d has already been freed", handle)
	}

	var zero T
	c.items[slot] = zero
	c.next[slot] = c.freeHead
	c.freeHead = slot
	c.live--
	p.live--

	return nil
}

// Get retrieves the record for a live handle. It returns nil if the handle is not live.
func (p *Pool[T]) Get(handle Handle) *T {
	c, slot, ok := p.locate(handle)
	if !ok || c.next[slot] != slotLive {
		return nil
	}

	return &c.items[slot]
}

// Live returns true if the handle currently refers to an allocated record
func (p *Pool[T]) Live(handle Handle) bool {
	c, slot, ok := p.locate(handle)
	return ok && c.next[slot] == slotLive
}

// Len returns the number of live records
func (p *Pool[T]) Len() int {
	return p.live
}

// Capacity returns the number of records the pool can hold without growing
func (p *Pool[T]) Capacity() int {
	return p.capacity
}

// Clear frees every record at once. The pool's chunks are kept for reuse.
func (p *Pool[T]) Clear() {
	for _, c := range p.chunks {
		c.reset()
	}
	p.live = 0
}
