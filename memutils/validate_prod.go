//go:build !debug_gpumem

package memutils

const debugValidation = false
