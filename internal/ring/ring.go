// Package ring provides a fixed-capacity ring buffer that retains the most
// recent items pushed into it. It is used to replay recent session events to
// late-joining control clients.
package ring

import "sync"

// Ring is a bounded buffer of the last Cap() items.
// It is safe for concurrent use.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	count int
}

// New creates a Ring that retains the most recent capacity items.
// A capacity of zero or below is treated as 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends an item, evicting the oldest one when the ring is full.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.head + r.count) % len(r.items)
	r.items[idx] = item
	if r.count < len(r.items) {
		r.count++
		return
	}
	r.head = (r.head + 1) % len(r.items)
}

// Items returns a copy of the retained items, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Len returns the number of retained items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the maximum number of retained items.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Reset drops all retained items.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.count = 0
}
