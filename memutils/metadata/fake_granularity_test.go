package metadata

import "github.com/cockroachdb/errors"

// FakeGranularityCheck is a GranularityCheck that never reports conflicts. It counts the regions it has
// been told about, so tests can confirm that the metadata keeps it informed.
type FakeGranularityCheck struct {
	LiveRegions int
}

func (c *FakeGranularityCheck) AllocRegions(allocType uint32, offset, size int) { c.LiveRegions++ }
func (c *FakeGranularityCheck) FreeRegions(offset, size int)                    { c.LiveRegions-- }
func (c *FakeGranularityCheck) Clear()                                          { c.LiveRegions = 0 }
func (c *FakeGranularityCheck) CheckConflictAndAlignUp(allocOffset, allocSize, regionOffset, regionSize int, allocType uint32) (int, bool) {
	return allocOffset, false
}
func (c *FakeGranularityCheck) RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint) {
	return allocSize, allocAlignment
}
func (c *FakeGranularityCheck) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	return false
}
func (c *FakeGranularityCheck) StartValidation() any {
	return new(int)
}
func (c *FakeGranularityCheck) Validate(ctx any, offset, size int) error {
	*(ctx.(*int))++
	return nil
}
func (c *FakeGranularityCheck) FinishValidation(ctx any) error {
	if *(ctx.(*int)) != c.LiveRegions {
		return errFakeGranularityMismatch
	}
	return nil
}

var errFakeGranularityMismatch = errors.New("granularity region count does not match the metadata")
