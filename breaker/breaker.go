// Package breaker implements the three-state circuit breaker that guards
// tool calls against repeatedly hitting failing peripherals: CLOSED (normal
// operation), OPEN (failures exceeded threshold, calls rejected), and
// HALF_OPEN (recovery probing; every call is let through until the probes
// close or reopen the breaker). A Registry holds one
// breaker per key (tool name, bus, peripheral) bounded by LRU eviction.
package breaker

import (
	"sync"
	"time"

	"github.com/edgemcp/mcpd/internal/clock"
	"github.com/edgemcp/mcpd/internal/containers"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// StateChangeFunc is invoked whenever a breaker's state actually changes
// (not on every allow/record call).
type StateChangeFunc func(key string, newState State)

// Config controls how a breaker trips and recovers.
type Config struct {
	FailureThreshold        int
	RecoveryTimeout         time.Duration
	HalfOpenSuccessThreshold int
}

// DefaultConfig mirrors the defaults the firmware breaker shipped with.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, HalfOpenSuccessThreshold: 1}
}

// Breaker is a single circuit breaker instance.
type Breaker struct {
	mu sync.Mutex

	key    string
	clk    clock.Clock
	cfg    Config
	onChange StateChangeFunc

	state             State
	failureCount      int
	successCount      int
	lastFailure       time.Time
	lastStateChange   time.Time

	totalFailures  uint64
	totalSuccesses uint64
	totalRejected  uint64
	tripCount      uint64
}

func newBreaker(key string, clk clock.Clock, cfg Config, onChange StateChangeFunc) *Breaker {
	b := &Breaker{key: key, clk: clk, cfg: cfg, onChange: onChange, state: StateClosed}
	b.lastStateChange = clk.Now()
	return b
}

// Key returns the breaker's registry key.
func (b *Breaker) Key() string { return b.key }

// AllowRequest reports whether a call should be let through, transitioning
// OPEN to HALF_OPEN once the recovery timeout has elapsed. HALF_OPEN always
// returns true: the original firmware allows every call through during the
// probe window rather than limiting to exactly one in flight, and this port
// preserves that behavior rather than silently tightening it.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.transition(StateHalfOpen, now)
			return true
		}
		b.totalRejected++
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalSuccesses++
	switch b.state {
	case StateClosed:
		b.failureCount = 0
		b.successCount++
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenSuccessThreshold {
			b.transition(StateClosed, b.clk.Now())
			b.failureCount = 0
			b.successCount = 0
		}
	case StateOpen:
		// should not happen; ignored to match firmware behavior
	}
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now()
	b.totalFailures++
	b.lastFailure = now
	b.failureCount++
	b.successCount = 0

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(StateOpen, now)
			b.tripCount++
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
		b.tripCount++
	case StateOpen:
	}
}

// Reset forces the breaker back to CLOSED, clearing counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.lastFailure = time.Time{}
	b.lastStateChange = b.clk.Now()
}

// Trip forces the breaker into OPEN.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now()
	b.lastFailure = now
	b.transition(StateOpen, now)
	b.tripCount++
}

func (b *Breaker) transition(newState State, now time.Time) {
	old := b.state
	b.state = newState
	b.lastStateChange = now
	if old != newState && b.onChange != nil {
		key, fn := b.key, b.onChange
		go fn(key, newState)
	}
}

// RetryAfter returns how long until the next recovery probe is allowed, or
// zero if the breaker is not OPEN or the timeout has already elapsed.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	elapsed := b.clk.Now().Sub(b.lastFailure)
	if elapsed >= b.cfg.RecoveryTimeout {
		return 0
	}
	return b.cfg.RecoveryTimeout - elapsed
}

// Snapshot is a point-in-time, lock-free copy of a breaker's state for
// diagnostics and serialization.
type Snapshot struct {
	Key              string        `json:"key"`
	State            State         `json:"state"`
	FailureCount     int           `json:"failureCount"`
	FailureThreshold int           `json:"failureThreshold"`
	RecoveryTimeout  int64         `json:"recoveryTimeoutMs"`
	RetryAfter       int64         `json:"retryAfterMs"`
	TotalFailures    uint64        `json:"totalFailures"`
	TotalSuccesses   uint64        `json:"totalSuccesses"`
	TotalRejected    uint64        `json:"totalRejected"`
	TripCount        uint64        `json:"tripCount"`
}

// Snapshot captures the breaker's current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Key:              b.key,
		State:            b.state,
		FailureCount:     b.failureCount,
		FailureThreshold: b.cfg.FailureThreshold,
		RecoveryTimeout:  b.cfg.RecoveryTimeout.Milliseconds(),
		TotalFailures:    b.totalFailures,
		TotalSuccesses:   b.totalSuccesses,
		TotalRejected:    b.totalRejected,
		TripCount:        b.tripCount,
	}
}

// Registry holds one Breaker per key, bounded by LRU eviction.
type Registry struct {
	cfg      Config
	clk      clock.Clock
	lru      *containers.LRURegistry[string, *Breaker]
	onChange StateChangeFunc
}

// NewRegistry creates a Registry bounded at maxBreakers entries.
func NewRegistry(cfg Config, maxBreakers int, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{cfg: cfg, clk: clk, lru: containers.NewLRURegistry[string, *Breaker](maxBreakers, nil)}
}

// OnStateChange installs a callback applied to every breaker, including
// ones already created.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.onChange = fn
	for _, key := range r.lru.Keys() {
		if b, ok := r.lru.Get(key); ok {
			b.mu.Lock()
			b.onChange = fn
			b.mu.Unlock()
		}
	}
}

// Get returns the breaker for key, creating one if it does not exist.
func (r *Registry) Get(key string) *Breaker {
	b, _ := r.lru.GetOrCreate(key, func() *Breaker {
		return newBreaker(key, r.clk, r.cfg, r.onChange)
	})
	return b
}

// Has reports whether key has a breaker in the registry.
func (r *Registry) Has(key string) bool {
	_, ok := r.lru.Get(key)
	return ok
}

// Remove deletes the breaker for key, if present.
func (r *Registry) Remove(key string) {
	r.lru.Remove(key)
}

// ResetAll resets every breaker currently in the registry to CLOSED.
func (r *Registry) ResetAll() {
	for _, key := range r.lru.Keys() {
		if b, ok := r.lru.Get(key); ok {
			b.Reset()
		}
	}
}

// Count returns the number of breakers currently tracked.
func (r *Registry) Count() int { return r.lru.Len() }

// OpenCount returns how many tracked breakers are currently OPEN.
func (r *Registry) OpenCount() int {
	n := 0
	for _, key := range r.lru.Keys() {
		if b, ok := r.lru.Get(key); ok && b.Snapshot().State == StateOpen {
			n++
		}
	}
	return n
}

// Snapshots returns a diagnostic snapshot of every tracked breaker.
func (r *Registry) Snapshots() []Snapshot {
	keys := r.lru.Keys()
	out := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		if b, ok := r.lru.Get(key); ok {
			snap := b.Snapshot()
			snap.RetryAfter = b.RetryAfter().Milliseconds()
			out = append(out, snap)
		}
	}
	return out
}
