package audio

// Ring is a fixed-capacity rolling window that overwrites its oldest entry when full.
// It is not safe for concurrent use; owners guard it with their own lock.
type Ring[T any] struct {
	items []T
	size  int
	start int
	count int
}

// NewRing creates a new ring with the specified capacity
func NewRing[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	return &Ring[T]{
		items: make([]T, size),
		size:  size,
	}
}

// Push appends a value, evicting the oldest one if the ring is full
func (r *Ring[T]) Push(v T) {
	if r.count < r.size {
		r.items[(r.start+r.count)%r.size] = v
		r.count++
		return
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % r.size
}

// Len returns the number of stored values
func (r *Ring[T]) Len() int {
	return r.count
}

// Values returns the stored values, oldest first
func (r *Ring[T]) Values() []T {
	return r.Last(r.count)
}

// Last returns up to n most recent values, oldest first
func (r *Ring[T]) Last(n int) []T {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	offset := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.items[(r.start+offset+i)%r.size]
	}
	return out
}

