package memutils

import "fmt"

// Validatable is anything that can check its own internal bookkeeping
type Validatable interface {
	Validate() error
}

// DebugValidate panics if v fails validation. Validation only runs in builds with the debug_gpumem
// tag; otherwise this is a no-op that the compiler removes.
func DebugValidate(v Validatable) {
	if !debugValidation {
		return
	}

	if err := v.Validate(); err != nil {
		panic(fmt.Sprintf("consistency check failed: %+v", err))
	}
}

// DebugCheckPow2 panics if value is not a power of two, in builds with the debug_gpumem tag
func DebugCheckPow2[T Number](value T, name string) {
	if !debugValidation {
		return
	}

	if err := CheckPow2(value, name); err != nil {
		panic(err)
	}
}
