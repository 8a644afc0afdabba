// Package watchdog implements a software, named-deadline health monitor.
// Long-running tool calls or background loops register a named entry with a
// timeout and "kick" it periodically to prove they're still making
// progress; a task that stops kicking before its deadline is reported as
// expired to the per-entry and global callbacks, where the caller wires up
// whatever recovery action it wants (logging, tripping a circuit breaker).
// The dispatcher only kicks entries; it installs no callbacks of its own.
//
// Unlike the firmware original, entries live in a plain map rather than a
// fixed array scanned linearly, since the bounded-capacity invariant here is
// enforced at registration time rather than by the storage shape.
package watchdog

import (
	"fmt"
	"sync"
	"time"

	"github.com/edgemcp/mcpd/internal/clock"
)

// State is the health state of a watchdog entry.
type State string

const (
	StateHealthy State = "healthy"
	StateExpired State = "expired"
	StatePaused  State = "paused"
)

// PerEntryFunc is invoked when the named entry expires.
type PerEntryFunc func(name string)

// TimeoutFunc is the global listener invoked whenever any entry expires.
type TimeoutFunc func(name string, timeoutCount uint32)

type entry struct {
	timeout      time.Duration
	lastKick     time.Time
	started      bool
	state        State
	timeoutCount uint32
	callback     PerEntryFunc
}

// Watchdog tracks named deadlines, bounded at a fixed maximum entry count.
type Watchdog struct {
	mu        sync.Mutex
	clk       clock.Clock
	maxEntries int
	entries   map[string]*entry
	globalCb  TimeoutFunc
}

// New creates a Watchdog bounded at maxEntries.
func New(maxEntries int, clk clock.Clock) *Watchdog {
	if maxEntries < 1 {
		maxEntries = 1
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Watchdog{clk: clk, maxEntries: maxEntries, entries: make(map[string]*entry)}
}

// Add registers a new entry. It fails if name is empty, timeout is zero,
// name already exists, or capacity is exhausted.
func (w *Watchdog) Add(name string, timeout time.Duration, cb PerEntryFunc) error {
	if name == "" {
		return fmt.Errorf("watchdog: name is required")
	}
	if timeout <= 0 {
		return fmt.Errorf("watchdog: timeout must be positive")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.entries[name]; exists {
		return fmt.Errorf("watchdog: entry %q already exists", name)
	}
	if len(w.entries) >= w.maxEntries {
		return fmt.Errorf("watchdog: at capacity (%d entries)", w.maxEntries)
	}
	w.entries[name] = &entry{timeout: timeout, state: StateHealthy, callback: cb}
	return nil
}

// Remove deletes the named entry, reporting whether it existed.
func (w *Watchdog) Remove(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[name]; !ok {
		return false
	}
	delete(w.entries, name)
	return true
}

// Kick resets the named entry's deadline. It fails (returns false) for a
// paused or unknown entry.
func (w *Watchdog) Kick(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[name]
	if !ok || e.state == StatePaused {
		return false
	}
	e.lastKick = w.clk.Now()
	e.started = true
	e.state = StateHealthy
	return true
}

// Check scans every entry for a missed deadline, firing per-entry and
// global callbacks for any that have newly expired, and returns how many
// fired on this call. It is meant to be invoked periodically by a
// scheduler tick rather than on its own timer.
func (w *Watchdog) Check() int {
	w.mu.Lock()
	now := w.clk.Now()
	type fire struct {
		name  string
		count uint32
		cb    PerEntryFunc
	}
	var fired []fire
	for name, e := range w.entries {
		if e.state == StatePaused || !e.started {
			continue
		}
		if now.Sub(e.lastKick) >= e.timeout && e.state != StateExpired {
			e.state = StateExpired
			e.timeoutCount++
			fired = append(fired, fire{name: name, count: e.timeoutCount, cb: e.callback})
		}
	}
	globalCb := w.globalCb
	w.mu.Unlock()

	for _, f := range fired {
		if f.cb != nil {
			f.cb(f.name)
		}
		if globalCb != nil {
			globalCb(f.name, f.count)
		}
	}
	return len(fired)
}

// Pause suspends checking for the named entry.
func (w *Watchdog) Pause(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[name]
	if !ok {
		return false
	}
	e.state = StatePaused
	return true
}

// Resume un-suspends the named entry and resets its deadline.
func (w *Watchdog) Resume(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[name]
	if !ok || e.state != StatePaused {
		return false
	}
	e.state = StateHealthy
	e.lastKick = w.clk.Now()
	e.started = true
	return true
}

// State returns the named entry's current state. An unknown name reports
// StateExpired, matching the firmware's fail-safe default.
func (w *Watchdog) State(name string) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[name]
	if !ok {
		return StateExpired
	}
	return e.state
}

// TimeoutCount returns how many times the named entry has expired.
func (w *Watchdog) TimeoutCount(name string) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[name]
	if !ok {
		return 0
	}
	return e.timeoutCount
}

// SetTimeout updates the timeout duration for an existing entry.
func (w *Watchdog) SetTimeout(name string, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[name]
	if !ok {
		return false
	}
	e.timeout = timeout
	return true
}

// ResetCount zeroes the named entry's timeout counter.
func (w *Watchdog) ResetCount(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[name]
	if !ok {
		return false
	}
	e.timeoutCount = 0
	return true
}

// OnTimeout installs the global listener invoked for every expiry.
func (w *Watchdog) OnTimeout(fn TimeoutFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.globalCb = fn
}

// Exists reports whether name is registered.
func (w *Watchdog) Exists(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[name]
	return ok
}

// Count returns the number of registered entries.
func (w *Watchdog) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Capacity returns the maximum number of entries this watchdog can hold.
func (w *Watchdog) Capacity() int { return w.maxEntries }

// CountByState tallies entries currently in the given state.
func (w *Watchdog) CountByState(state State) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, e := range w.entries {
		if e.state == state {
			n++
		}
	}
	return n
}

// Clear removes every entry.
func (w *Watchdog) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = make(map[string]*entry)
}

// Snapshot is a diagnostic view of one entry.
type Snapshot struct {
	Name         string        `json:"name"`
	Timeout      int64         `json:"timeoutMs"`
	State        State         `json:"state"`
	TimeoutCount uint32        `json:"timeoutCount"`
	Started      bool          `json:"started"`
}

// Snapshots returns a diagnostic view of every entry.
func (w *Watchdog) Snapshots() []Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Snapshot, 0, len(w.entries))
	for name, e := range w.entries {
		out = append(out, Snapshot{Name: name, Timeout: e.timeout.Milliseconds(), State: e.state, TimeoutCount: e.timeoutCount, Started: e.started})
	}
	return out
}
