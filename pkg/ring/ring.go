package ring

import "iter"

// Ring is a fixed-capacity FIFO. Pushing into a full ring overwrites the
// oldest element. It is not safe for concurrent use.
type Ring[T any] struct {
	items []T
	start int
	size  int
}

// New creates a ring holding at most capacity elements.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Full reports whether the next Push overwrites.
func (r *Ring[T]) Full() bool { return r.size == len(r.items) }

// Push appends v, dropping the oldest element when full. It reports whether
// an element was overwritten.
func (r *Ring[T]) Push(v T) bool {
	overwrote := r.Full()
	if overwrote {
		r.PopFront()
	}
	r.items[(r.start+r.size)%len(r.items)] = v
	r.size++
	return overwrote
}

// PopFront removes and returns the oldest element.
func (r *Ring[T]) PopFront() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.items[r.start]
	r.items[r.start] = zero
	r.start = (r.start + 1) % len(r.items)
	r.size--
	return v, true
}

// Discard removes up to n of the oldest elements.
func (r *Ring[T]) Discard(n int) {
	for ; n > 0 && r.size > 0; n-- {
		r.PopFront()
	}
}

// Clear removes all elements.
func (r *Ring[T]) Clear() {
	r.Discard(r.size)
	r.start = 0
}

// All iterates from oldest to newest.
func (r *Ring[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := 0; i < r.size; i++ {
			if !yield(r.items[(r.start+i)%len(r.items)]) {
				return
			}
		}
	}
}

// Slice returns a copy of the elements, oldest first.
func (r *Ring[T]) Slice() []T {
	result := make([]T, 0, r.size)
	for v := range r.All() {
		result = append(result, v)
	}
	return result
}
