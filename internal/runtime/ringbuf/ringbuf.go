// Package ringbuf implements the fixed-capacity circular store backing the
// trace event history. Once full, the oldest entry is overwritten.
package ringbuf

import (
	"sync"

	errspkg "github.com/ipcflow/ipcflow/internal/runtime/errors"
)

// Buffer is a fixed-capacity circular buffer. Capacity is immutable after
// construction. Safe for concurrent use.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int
	size  int
}

// New constructs a Buffer with the given capacity. Capacity must be positive;
// anything else is a programmer error and fails at construction time.
func New[T any](capacity int) (*Buffer[T], error) {
	if capacity <= 0 {
		return nil, errspkg.ErrInvalidCapacity
	}
	return &Buffer[T]{items: make([]T, capacity)}, nil
}

// MustNew is New for composition roots where a bad capacity should fail fast.
func MustNew[T any](capacity int) *Buffer[T] {
	b, err := New[T](capacity)
	if err != nil {
		panic(err)
	}
	return b
}

// Push appends item, overwriting the oldest entry when the buffer is full.
func (b *Buffer[T]) Push(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < len(b.items) {
		b.items[(b.head+b.size)%len(b.items)] = item
		b.size++
		return
	}
	b.items[b.head] = item
	b.head = (b.head + 1) % len(b.items)
}

// Items returns the buffered entries oldest to newest.
func (b *Buffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.copyLocked(b.size)
}

// Recent returns the newest n entries oldest to newest. n <= 0 yields an empty
// slice; n >= Len yields everything.
func (b *Buffer[T]) Recent(n int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 {
		return []T{}
	}
	if n > b.size {
		n = b.size
	}
	return b.copyLocked(n)
}

func (b *Buffer[T]) copyLocked(n int) []T {
	out := make([]T, n)
	start := b.head + b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(start+i)%len(b.items)]
	}
	return out
}

// Clear resets the buffer to empty. Capacity is unchanged.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.size = 0
}

// Len returns the number of buffered entries.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the immutable capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}
