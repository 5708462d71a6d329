// Package history provides a fixed-capacity, newest-first sequence used
// for both the sensor event history and the analysis logbook. Inserts
// always go to the front; once the buffer is full each insert evicts the
// oldest element.
package history

import "sync"

// Buffer is a bounded newest-first sequence backed by a circular array.
// It is safe for concurrent use.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T // circular, pre-allocated
	head  int // next write position
	count int // items currently stored (≤ len(items))
}

// New creates a buffer holding at most capacity items. A non-positive
// capacity is treated as 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Len returns the number of stored items.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// PushFront inserts item as the newest element. When the buffer is
// already full the oldest element is overwritten.
func (b *Buffer[T]) PushFront(item T) {
	b.mu.Lock()
	b.pushLocked(item)
	b.mu.Unlock()
}

func (b *Buffer[T]) pushLocked(item T) {
	b.items[b.head] = item
	b.head = (b.head + 1) % len(b.items)
	if b.count < len(b.items) {
		b.count++
	}
}

// at returns the i-th newest item. Caller holds the lock and guarantees
// i < count.
func (b *Buffer[T]) at(i int) T {
	n := len(b.items)
	return b.items[(b.head-1-i+n)%n]
}

// Items returns a copy of the stored items, newest first.
func (b *Buffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, b.count)
	for i := range b.count {
		out[i] = b.at(i)
	}
	return out
}

// Newest returns the most recently pushed item.
func (b *Buffer[T]) Newest() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.at(0), true
}

// Find scans newest-first and returns the first item for which match
// reports true.
func (b *Buffer[T]) Find(match func(T) bool) (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i := range b.count {
		if item := b.at(i); match(item) {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Restore replaces the buffer contents with items, which must be ordered
// newest first. Items beyond the capacity are dropped from the old end.
func (b *Buffer[T]) Restore(items []T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head, b.count = 0, 0

	if len(items) > len(b.items) {
		items = items[:len(b.items)]
	}
	for i := len(items) - 1; i >= 0; i-- {
		b.pushLocked(items[i])
	}
}
