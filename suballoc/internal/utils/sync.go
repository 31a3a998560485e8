// Package utils holds the locking primitives shared by the allocator's lists, pools and reservations
package utils

import "sync"

// OptionalMutex guards a structure that may or may not be shared between goroutines. Allocators
// created with CreateExternallySynchronized never enable their locks, and every call becomes a no-op.
//
// The zero value is a disabled lock. Call Init before first use.
type OptionalMutex struct {
	mutex   sync.Mutex
	enabled bool
}

func (m *OptionalMutex) Init(enabled bool) { m.enabled = enabled }

func (m *OptionalMutex) Lock() {
	if m.enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.enabled {
		m.mutex.Unlock()
	}
}

// OptionalRWMutex is OptionalMutex with separate shared and exclusive locking
type OptionalRWMutex struct {
	mutex   sync.RWMutex
	enabled bool
}

func (m *OptionalRWMutex) Init(enabled bool) { m.enabled = enabled }

func (m *OptionalRWMutex) Lock() {
	if m.enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.enabled {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.enabled {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.enabled {
		m.mutex.RUnlock()
	}
}
