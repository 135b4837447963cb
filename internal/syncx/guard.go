// Package syncx provides the small synchronization primitives shared between the
// capture loop, the audio callback and the HTTP handlers.
package syncx

import "sync"

// Guard holds a value behind an RWMutex and counts committed changes.
// Readers get copies, so T should be a value type for snapshot semantics.
type Guard[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
}

// NewGuard creates a guarded value at version 0.
func NewGuard[T any](initial T) *Guard[T] {
	return &Guard[T]{value: initial}
}

// View runs fn under the read lock and returns its result.
func View[T, R any](g *Guard[T], fn func(T) R) R {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn(g.value)
}

// Get returns a copy of the value.
func (g *Guard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Load returns a copy of the value with its version.
func (g *Guard[T]) Load() (T, uint64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value, g.version
}

// Version returns how many changes have been committed.
func (g *Guard[T]) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Set replaces the value.
func (g *Guard[T]) Set(v T) {
	g.mu.Lock()
	g.value = v
	g.version++
	g.mu.Unlock()
}

// Write mutates the value in place under the write lock.
func (g *Guard[T]) Write(fn func(*T)) {
	g.mu.Lock()
	fn(&g.value)
	g.version++
	g.mu.Unlock()
}

// Update runs fn on a copy and commits it only if fn returns nil. It
// returns the value in effect afterwards, which on error is the old one.
func (g *Guard[T]) Update(fn func(*T) error) (T, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.value
	if err := fn(&next); err != nil {
		return g.value, err
	}
	g.value = next
	g.version++
	return next, nil
}
