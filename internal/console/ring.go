package console

import "sync"

// ring keeps the most recent entries up to a fixed capacity.
type ring[T any] struct {
	mu    sync.Mutex
	items []T
	start int
	size  int
	total int64
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(values ...T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, value := range values {
		idx := (r.start + r.size) % len(r.items)
		r.items[idx] = value
		if r.size < len(r.items) {
			r.size++
		} else {
			r.start = (r.start + 1) % len(r.items)
		}
		r.total++
	}
}

// last returns up to n entries, oldest first. n <= 0 returns everything held.
func (r *ring[T]) last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.items[(r.start+i)%len(r.items)])
	}
	return out
}

// seen is the number of entries ever pushed.
func (r *ring[T]) seen() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
