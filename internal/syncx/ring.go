package syncx

import "sync"

// Ring is a fixed-capacity buffer that overwrites its oldest entry when full.
// Readers never consume entries, so any number of them can observe it.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	next  int
	count int
}

// NewRing creates a ring holding at most size entries.
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{buf: make([]T, size)}
}

// Put stores v, evicting the oldest entry if the ring is full.
func (r *Ring[T]) Put(v T) {
	r.mu.Lock()
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Latest returns the newest entry.
func (r *Ring[T]) Latest() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.buf[(r.next-1+len(r.buf))%len(r.buf)], true
}

// Snapshot returns the entries oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Len returns the number of stored entries.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Reset drops all entries.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buf)
	r.next, r.count = 0, 0
}
