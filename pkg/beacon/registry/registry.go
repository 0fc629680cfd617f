// Package registry provides a generic thread-safe registry for values
// indexed by key.
//
// Unlike a plain map behind a mutex, insertion and removal report what
// happened, so callers owning the values (for example pipelines that
// must be closed) can run their lifecycle exactly once per entry.
package registry

import "sync"

// Registry is a thread-safe registry for values indexed by key.
// It uses sync.RWMutex for read-heavy workloads.
type Registry[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// New creates a new empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{
		entries: make(map[K]V),
	}
}

// Add inserts value under key if the key is absent.
// It reports false, leaving the registry unchanged, when key exists.
func (r *Registry[K, V]) Add(key K, value V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return false
	}
	r.entries[key] = value
	return true
}

// AddFunc inserts the value built by factory if key is absent.
// The factory runs under the write lock, at most once per key; if it
// returns an error nothing is inserted.
func (r *Registry[K, V]) AddFunc(key K, factory func() (V, error)) (V, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, exists := r.entries[key]; exists {
		return v, false, nil
	}
	v, err := factory()
	if err != nil {
		var zero V
		return zero, false, err
	}
	r.entries[key] = v
	return v, true, nil
}

// Get returns the value for a key and whether it exists.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// Remove deletes key and returns the value it held.
func (r *Registry[K, V]) Remove(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	return v, ok
}

// RemoveAll empties the registry and returns what it held.
func (r *Registry[K, V]) RemoveAll() map[K]V {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.entries
	r.entries = make(map[K]V)
	return out
}

// Keys returns all keys in the registry.
// The order is not guaranteed.
func (r *Registry[K, V]) Keys() []K {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]K, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of entries in the registry.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Range calls fn for each entry of a snapshot taken under the read
// lock, so fn may call back into the registry. Iteration stops when fn
// returns false.
func (r *Registry[K, V]) Range(fn func(K, V) bool) {
	r.mu.RLock()
	snapshot := make(map[K]V, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}
