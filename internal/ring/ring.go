// Package ring implements a fixed capacity FIFO.
package ring

// Ring is a bounded circular queue. The zero value has no capacity; use New.
// It is not safe for concurrent use.
type Ring[T any] struct {
	items []T
	start int // index of the front element
	n     int // number of queued elements
}

// New returns a ring holding at most size elements.
func New[T any](size int) *Ring[T] {
	return &Ring[T]{items: make([]T, size)}
}

// Len returns the number of queued elements.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Free returns the number of elements that can still be pushed.
func (r *Ring[T]) Free() int { return len(r.items) - r.n }

// Full reports whether Push would fail.
func (r *Ring[T]) Full() bool { return r.n == len(r.items) }

// Empty reports whether the ring holds nothing.
func (r *Ring[T]) Empty() bool { return r.n == 0 }

func (r *Ring[T]) index(i int) int {
	return (r.start + i) % len(r.items)
}

// Push appends v at the back. It returns false when the ring is full.
func (r *Ring[T]) Push(v T) bool {
	if r.Full() {
		return false
	}
	r.items[r.index(r.n)] = v
	r.n++
	return true
}

// Front returns a pointer to the front element, or nil when empty. The
// pointer stays valid until the element is popped.
func (r *Ring[T]) Front() *T {
	if r.n == 0 {
		return nil
	}
	return &r.items[r.start]
}

// At returns a pointer to the i-th element counted from the front.
func (r *Ring[T]) At(i int) *T {
	if i < 0 || i >= r.n {
		return nil
	}
	return &r.items[r.index(i)]
}

// Pop removes and returns the front element.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	v := r.items[r.start]
	r.items[r.start] = zero
	r.start = r.index(1)
	r.n--
	return v, true
}

// Reset drops every element.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.start, r.n = 0, 0
}
