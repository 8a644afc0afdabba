package containers

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRURegistry is a fixed-capacity, thread-safe key/value registry that
// evicts the least-recently-used entry on overflow. It backs the circuit
// breaker registry, the retry policy registry, and the keyed rate-limit
// bucket pool.
//
// It is a thin wrapper over hashicorp/golang-lru, which already implements
// the "insertion order is access order" invariant as a doubly-linked list
// plus hash index, so this package does not reimplement that structure.
type LRURegistry[K comparable, V any] struct {
	mu    sync.Mutex
	cache *lru.Cache[K, V]
}

// NewLRURegistry creates a registry bounded at capacity entries (clamped to
// at least 1). onEvict, if non-nil, is invoked synchronously whenever an
// entry is displaced by capacity pressure.
func NewLRURegistry[K comparable, V any](capacity int, onEvict func(K, V)) *LRURegistry[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	var cache *lru.Cache[K, V]
	if onEvict != nil {
		cache, _ = lru.NewWithEvict(capacity, onEvict)
	} else {
		cache, _ = lru.New[K, V](capacity)
	}
	return &LRURegistry[K, V]{cache: cache}
}

// GetOrCreate returns the existing entry for key, or creates one with create
// and stores it. The returned bool reports whether the entry was freshly
// created.
func (r *LRURegistry[K, V]) GetOrCreate(key K, create func() V) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache.Get(key); ok {
		return v, false
	}
	v := create()
	r.cache.Add(key, v)
	return v, true
}

// Get returns the entry for key without creating one.
func (r *LRURegistry[K, V]) Get(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Get(key)
}

// Set inserts or replaces the entry for key.
func (r *LRURegistry[K, V]) Set(key K, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Add(key, value)
}

// Remove deletes the entry for key, if present.
func (r *LRURegistry[K, V]) Remove(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(key)
}

// Len returns the number of entries currently stored.
func (r *LRURegistry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// Keys returns the stored keys, least-recently-used first.
func (r *LRURegistry[K, V]) Keys() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Keys()
}

// Clear removes every entry.
func (r *LRURegistry[K, V]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
}

// Do runs fn with the entry for key loaded, and persists whatever mutation
// fn makes by re-inserting the (possibly modified) value. This lets callers
// treat V as mutable state (e.g. *breaker.Breaker) addressed by key under a
// single critical section; registries are mutated only via serialised paths.
func (r *LRURegistry[K, V]) Do(key K, create func() V, fn func(V)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.cache.Get(key)
	if !ok {
		v = create()
	}
	fn(v)
	r.cache.Add(key, v)
}
