// Package buffer provides a generic, thread-safe ring buffer that
// keeps the most recent items and drops the oldest on overflow.
package buffer

import "sync"

// Ring is a fixed-capacity buffer of the most recent items. Writes
// never block; once full, each write evicts the oldest item.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position

	written uint64
	dropped uint64
}

// NewRing creates a ring buffer with the given capacity. Capacities
// below one are raised to one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Append adds an item, evicting the oldest when full
func (r *Ring[T]) Append(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	} else {
		r.dropped++
	}
	r.written++
}

// Snapshot returns the buffered items, oldest first
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += r.capacity
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(start+i)%r.capacity])
	}
	return out
}

// Len returns the current number of buffered items
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the buffer capacity
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Written returns the total number of items ever appended
func (r *Ring[T]) Written() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.written
}

// Dropped returns how many items were evicted by overflow
func (r *Ring[T]) Dropped() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Clear removes all items
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.size = 0
	r.head = 0
}
