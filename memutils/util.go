// Package memutils holds the arithmetic, statistics and validation helpers shared by the block
// metadata and the suballocator
package memutils

import (
	"github.com/cockroachdb/errors"
)

// Number is any integer type used for sizes, offsets or alignments
type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

// IsPow2 returns true if number is a power of two. Zero is treated as a power of two, so that an
// unset alignment passes.
func IsPow2[T Number](number T) bool {
	return number&(number-1) == 0
}

// CheckPow2 returns an error marked with ErrNotPowerOfTwo if number is not a power of two. name
// identifies the value in the error message.
func CheckPow2[T Number](number T, name string) error {
	if !IsPow2(number) {
		return errors.Wrapf(ErrNotPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to a multiple of alignment, which must be a power of two
func AlignUp(value int, alignment uint) int {
	DebugCheckPow2(alignment, "alignment")
	mask := int(alignment) - 1
	return (value + mask) &^ mask
}

// AlignDown rounds value down to a multiple of alignment, which must be a power of two
func AlignDown(value int, alignment uint) int {
	DebugCheckPow2(alignment, "alignment")
	return value &^ (int(alignment) - 1)
}

func DivideRoundingUp(x, y int) int {
	return (x + y - 1) / y
}
