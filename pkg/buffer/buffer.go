// Package buffer provides a generic, thread-safe bounded ring buffer
// that evicts the oldest item on overflow. It backs the per-subscriber
// delivery buffers of the event bus, where a slow consumer must lose
// its oldest events observably rather than block the publisher.
package buffer

import (
	"sync"

	"github.com/citypulse/core/errors"
)

// DropCallback is called with each item dropped due to overflow.
type DropCallback[T any] func(item T)

// Option configures a Ring using the functional options pattern.
type Option[T any] func(*Ring[T])

// WithDropCallback sets a callback invoked for every dropped item.
// The callback runs after the buffer lock is released.
func WithDropCallback[T any](cb DropCallback[T]) Option[T] {
	return func(r *Ring[T]) {
		r.dropCallback = cb
	}
}

// Ring is a thread-safe bounded circular buffer. Statistics are always
// collected so drops are observable by the owner.
type Ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	dropCallback DropCallback[T]
	stats        Statistics
}

// NewRing creates a ring buffer with the given capacity. A capacity
// below 1 is raised to 1.
func NewRing[T any](capacity int, opts ...Option[T]) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}

	r := &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Write adds an item, evicting the oldest one when full. The evicted
// item is counted and passed to the drop callback; the only error is
// writing to a closed buffer.
func (r *Ring[T]) Write(item T) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Ring", "Write", "write to closed buffer")
	}

	var dropped T
	var hasDrop bool

	if r.size == r.capacity {
		dropped = r.items[r.tail]
		hasDrop = true
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		r.stats.drop()
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.stats.write(int64(r.size))

	cb := r.dropCallback
	r.mu.Unlock()

	if hasDrop && cb != nil {
		cb(dropped)
	}
	return nil
}

// Read retrieves and removes the oldest item. Returns false when empty.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.tail]
	r.items[r.tail] = zero // release for GC
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	r.stats.read(int64(r.size))

	return item, true
}

// Size returns the current number of buffered items.
func (r *Ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// IsFull reports whether the buffer is at capacity.
func (r *Ring[T]) IsFull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size == r.capacity
}

// IsEmpty reports whether the buffer holds no items.
func (r *Ring[T]) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size == 0
}

// Stats returns a snapshot of buffer statistics.
func (r *Ring[T]) Stats() Stats {
	return r.stats.snapshot()
}

// Close shuts the buffer down; further writes fail.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
