package util

import "sync"

// IntAllocator hands out integers from a fixed range and lets them be
// returned to the pool for reuse. Used for AMQP channel ids so a closed
// channel's id can be handed to the next NewChannel call instead of
// climbing monotonically toward channel_max.
type IntAllocator struct {
	min, max int
	free     map[int]bool
	mu       sync.Mutex
}

// NewIntAllocator creates a new integer allocator over [min, max] inclusive.
func NewIntAllocator(min, max int) *IntAllocator {
	free := make(map[int]bool, max-min+1)
	for i := min; i <= max; i++ {
		free[i] = true
	}
	return &IntAllocator{
		min:  min,
		max:  max,
		free: free,
	}
}

// Allocate returns the lowest available integer in range, or false if exhausted.
func (a *IntAllocator) Allocate() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := a.min; i <= a.max; i++ {
		if a.free[i] {
			delete(a.free, i)
			return i, true
		}
	}
	return 0, false
}

// Free releases an integer back to the pool.
func (a *IntAllocator) Free(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i < a.min || i > a.max {
		return false
	}
	if a.free[i] {
		return false
	}
	a.free[i] = true
	return true
}

// Reserve marks a specific integer as allocated without handing it out via Allocate.
func (a *IntAllocator) Reserve(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i < a.min || i > a.max {
		return false
	}
	if !a.free[i] {
		return false
	}
	delete(a.free, i)
	return true
}

// Available returns the number of unallocated integers remaining.
func (a *IntAllocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
