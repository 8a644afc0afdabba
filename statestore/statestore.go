// Package statestore provides the device's key/value state substrate: TTL
// expiry, last-access tracking with capacity-bounded LRU eviction, change
// listeners, dirty-flag tracking for whatever persists state to flash or a
// remote backend, buffered transactions so a batch of writes can be
// committed or rolled back atomically, and a flat JSON round-trip view. An
// optional Redis-backed implementation lives in the redisstore subpackage
// for deployments that want state shared across multiple server processes.
package statestore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/edgemcp/mcpd/internal/clock"
)

// Listener is invoked synchronously whenever a key's value changes, after
// the change has been applied. oldValue is nil for a newly created key;
// newValue is nil when deleted is true. Listeners must not call back into
// the Store that invoked them from the same goroutine; doing so deadlocks.
type Listener func(key string, oldValue, newValue any, deleted bool)

type entry struct {
	value      any
	ttl        time.Duration // the ttl last passed to Set, for no-op detection
	createdAt  time.Time
	lastAccess time.Time
	expiresAt  time.Time // zero means no expiry
	dirty      bool
}

// Store is an in-memory key/value store with TTL expiry, last-access
// tracking, and change notification.
type Store struct {
	mu         sync.Mutex
	clk        clock.Clock
	maxEntries int // 0 means unlimited
	data       map[string]*entry
	listeners  []Listener
}

// New creates an empty Store. maxEntries of 0 means unlimited capacity;
// otherwise, a Set that would create a new key beyond maxEntries evicts the
// entry with the oldest last-access time first.
func New(maxEntries int, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{clk: clk, maxEntries: maxEntries, data: make(map[string]*entry)}
}

// Subscribe registers a Listener invoked on every Set/Delete/expiry/eviction.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Set stores value for key. ttl of zero means no expiry. It reports whether
// the write actually changed anything: a Set with the same value and ttl as
// the current live entry is a no-op, leaving the entry's dirty flag and
// listeners untouched. Creating a brand-new key when the store is already
// at capacity evicts the entry with the oldest last-access time, notifying
// listeners of that eviction as a deletion before the new key is inserted.
func (s *Store) Set(key string, value any, ttl time.Duration) bool {
	s.mu.Lock()
	now := s.clk.Now()
	old, existed := s.data[key]
	if existed && !s.expired(old) && old.ttl == ttl && reflect.DeepEqual(old.value, value) {
		s.mu.Unlock()
		return false
	}

	var oldValue any
	if existed {
		oldValue = old.value
	}

	var evictedKey string
	var evictedValue any
	evicted := false
	if !existed && s.maxEntries > 0 && len(s.data) >= s.maxEntries {
		evictedKey, evictedValue, evicted = s.evictOldest()
	}

	e := &entry{value: value, ttl: ttl, createdAt: now, lastAccess: now, dirty: true}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.data[key] = e
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	if evicted {
		for _, l := range listeners {
			l(evictedKey, evictedValue, nil, true)
		}
	}
	for _, l := range listeners {
		l(key, oldValue, value, false)
	}
	return true
}

// evictOldest removes the entry with the oldest last-access time. Caller
// must hold s.mu.
func (s *Store) evictOldest() (key string, value any, ok bool) {
	var oldestKey string
	var oldest *entry
	for k, e := range s.data {
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldestKey, oldest = k, e
		}
	}
	if oldest == nil {
		return "", nil, false
	}
	delete(s.data, oldestKey)
	return oldestKey, oldest.value, true
}

// Get returns the value for key, or ok=false if absent or expired. A live
// key has its last-access time refreshed as a side effect; an expired key
// is lazily removed.
func (s *Store) Get(key string) (value any, ok bool) {
	s.mu.Lock()
	e, found := s.data[key]
	if !found {
		s.mu.Unlock()
		return nil, false
	}
	if s.expired(e) {
		oldValue := e.value
		delete(s.data, key)
		listeners := append([]Listener(nil), s.listeners...)
		s.mu.Unlock()
		for _, l := range listeners {
			l(key, oldValue, nil, true)
		}
		return nil, false
	}
	e.lastAccess = s.clk.Now()
	v := e.value
	s.mu.Unlock()
	return v, true
}

// Has reports whether key is present and not expired. It does not refresh
// last-access the way Get does.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	return ok && !s.expired(e)
}

func (s *Store) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && !s.clk.Now().Before(e.expiresAt)
}

// Delete removes key, reporting whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	e, ok := s.data[key]
	var oldValue any
	if ok {
		oldValue = e.value
		delete(s.data, key)
	}
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	if ok {
		for _, l := range listeners {
			l(key, oldValue, nil, true)
		}
	}
	return ok
}

// IsDirty reports whether key has been written since the last ClearDirty.
func (s *Store) IsDirty(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	return ok && e.dirty
}

// ClearDirty resets the dirty flag for key. A persistence layer calls this
// after successfully flushing the value to durable storage.
func (s *Store) ClearDirty(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[key]; ok {
		e.dirty = false
	}
}

// DirtyKeys returns every key currently marked dirty.
func (s *Store) DirtyKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, e := range s.data {
		if e.dirty {
			out = append(out, k)
		}
	}
	return out
}

// PruneExpired removes every expired key, firing delete notifications for
// each. It is meant to be called periodically by a scheduler rather than
// relying solely on lazy expiry from Get.
func (s *Store) PruneExpired() int {
	s.mu.Lock()
	removedValues := make(map[string]any)
	for k, e := range s.data {
		if s.expired(e) {
			removedValues[k] = e.value
			delete(s.data, k)
		}
	}
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for k, oldValue := range removedValues {
		for _, l := range listeners {
			l(k, oldValue, nil, true)
		}
	}
	return len(removedValues)
}

// Len returns the number of live (non-expired) keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.data {
		if !s.expired(e) {
			n++
		}
	}
	return n
}

// ToJSON renders the visible (non-expired) view of the store as a flat
// {key: stringValue} JSON object, the round-trippable shape FromJSON
// consumes.
func (s *Store) ToJSON() ([]byte, error) {
	s.mu.Lock()
	view := make(map[string]string, len(s.data))
	for k, e := range s.data {
		if s.expired(e) {
			continue
		}
		view[k] = fmt.Sprint(e.value)
	}
	s.mu.Unlock()
	return json.Marshal(view)
}

// FromJSON imports a flat {key: stringValue} JSON object produced by ToJSON,
// merging it into the store with no-expiry entries via Set. It returns the
// number of keys imported.
func (s *Store) FromJSON(data []byte) (int, error) {
	var view map[string]string
	if err := json.Unmarshal(data, &view); err != nil {
		return 0, fmt.Errorf("statestore: decode snapshot: %w", err)
	}
	for k, v := range view {
		s.Set(k, v, 0)
	}
	return len(view), nil
}
