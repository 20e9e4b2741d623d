// Package softring implements the bounded FIFO used to defer work from the
// clock interrupt level to a lower soft interrupt level.
//
// A Ring is owned by a single CPU. It is never shared across goroutines
// without external ordering, and it never allocates after construction:
// growth is performed by the owner via [Ring.Resize], using storage the
// caller allocated ahead of time.
package softring

// Ring is a fixed-capacity circular buffer. Full and empty are told apart by
// an explicit count rather than by comparing the head and tail positions.
type Ring[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int
}

// New returns a ring able to hold capacity elements.
func New[T any](capacity int) *Ring[T] {
	if capacity < 0 {
		panic(`softring: negative capacity`)
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Len returns the number of queued elements.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Empty reports whether no elements are queued.
func (r *Ring[T]) Empty() bool { return r.count == 0 }

// Full reports whether Push would fail.
func (r *Ring[T]) Full() bool { return r.count == len(r.buf) }

// Push appends v, returning false (and leaving the ring unchanged) if the
// ring is full.
func (r *Ring[T]) Push(v T) bool {
	if r.count == len(r.buf) {
		return false
	}
	r.buf[r.index(r.count)] = v
	r.count++
	return true
}

// Pop removes and returns the oldest element.
func (r *Ring[T]) Pop() (v T, ok bool) {
	if r.count == 0 {
		return v, false
	}
	var zero T
	v = r.buf[r.head]
	r.buf[r.head] = zero
	r.head++
	if r.head == len(r.buf) {
		r.head = 0
	}
	r.count--
	if r.count == 0 {
		r.head = 0
	}
	return v, true
}

// Peek returns the oldest element without removing it.
func (r *Ring[T]) Peek() (v T, ok bool) {
	if r.count == 0 {
		return v, false
	}
	return r.buf[r.head], true
}

// At returns the i-th oldest element. It panics if i is out of range.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.count {
		panic(`softring: index out of range`)
	}
	return r.buf[r.index(i)]
}

// Remove deletes every element matching pred, preserving the order of the
// rest, and returns the number removed.
func (r *Ring[T]) Remove(pred func(v T) bool) int {
	var (
		zero    T
		kept    int
		removed int
	)
	for i := 0; i < r.count; i++ {
		v := r.buf[r.index(i)]
		if pred(v) {
			removed++
			continue
		}
		r.buf[r.index(kept)] = v
		kept++
	}
	for i := kept; i < r.count; i++ {
		r.buf[r.index(i)] = zero
	}
	r.count = kept
	if r.count == 0 {
		r.head = 0
	}
	return removed
}

// Resize moves the queued elements, oldest first, into storage, which then
// becomes the ring's buffer. It returns false without modifying the ring if
// storage cannot hold the queued elements.
func (r *Ring[T]) Resize(storage []T) bool {
	if len(storage) < r.count {
		return false
	}
	for i := 0; i < r.count; i++ {
		storage[i] = r.buf[r.index(i)]
	}
	var zero T
	for i := r.count; i < len(storage); i++ {
		storage[i] = zero
	}
	r.buf = storage
	r.head = 0
	return true
}

// Each calls fn for every queued element, oldest first.
func (r *Ring[T]) Each(fn func(v T)) {
	for i := 0; i < r.count; i++ {
		fn(r.buf[r.index(i)])
	}
}

func (r *Ring[T]) index(offset int) int {
	i := r.head + offset
	if i >= len(r.buf) {
		i -= len(r.buf)
	}
	return i
}
