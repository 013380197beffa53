package collector

// History is a bounded FIFO over the most recent values. Push evicts the
// oldest entry once capacity is reached. Not safe for concurrent use; the
// collector serializes access through its own lock.
type History[T any] struct {
	buf   []T
	start int
	size  int
}

// NewHistory builds a history retaining at most capacity values.
func NewHistory[T any](capacity int) *History[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &History[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest value at capacity.
func (h *History[T]) Push(v T) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = v
		h.size++
		return
	}
	h.buf[h.start] = v
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of retained values.
func (h *History[T]) Len() int {
	return h.size
}

// Cap returns the retention capacity.
func (h *History[T]) Cap() int {
	return len(h.buf)
}

// Latest returns the most recent value, false when empty.
func (h *History[T]) Latest() (T, bool) {
	var zero T
	if h.size == 0 {
		return zero, false
	}
	return h.buf[(h.start+h.size-1)%len(h.buf)], true
}

// Last returns up to n of the most recent values, oldest first.
func (h *History[T]) Last(n int) []T {
	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+h.size-n+i)%len(h.buf)]
	}
	return out
}

// Snapshot returns every retained value, oldest first.
func (h *History[T]) Snapshot() []T {
	return h.Last(h.size)
}
