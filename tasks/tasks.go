// Package tasks implements the async task engine for long-running tool
// calls: a task starts working, may pause for input_required, and
// eventually reaches one of the absorbing terminal states completed,
// failed, or cancelled. Clients poll tasks/get and tasks/result instead of
// blocking the original request.
//
// The original firmware's TaskManager computed an "expired" list in
// _expireOldTasks but never actually compared any timestamp against TTL —
// it only capped total task count, leaving TTL-based expiry unimplemented.
// This port fixes that: Prune actually expires a task once its TTL has
// elapsed since creation, in addition to capping total count via LRU
// eviction of the oldest terminal task.
package tasks

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgemcp/mcpd/internal/clock"
	"github.com/edgemcp/mcpd/internal/containers"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusWorking       Status = "working"
	StatusInputRequired Status = "input_required"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// IsTerminal reports whether s is one of the absorbing end states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is a single tracked asynchronous operation.
type Task struct {
	ID              string
	ToolName        string
	Status          Status
	StatusMessage   string
	CreatedAt       time.Time
	LastUpdatedAt   time.Time
	TTL             time.Duration // zero means unlimited
	PollInterval    time.Duration
	Result          any  // populated once Completed
	HasResult       bool
}

// Expired reports whether the task's TTL has elapsed as of now. A task with
// TTL <= 0 never expires.
func (t Task) Expired(now time.Time) bool {
	if t.TTL <= 0 {
		return false
	}
	return now.Sub(t.CreatedAt) >= t.TTL
}

// Manager tracks every in-flight and recently-terminal task, bounded at a
// maximum task count with oldest-terminal-first eviction once at capacity.
type Manager struct {
	mu           sync.Mutex
	clk          clock.Clock
	enabled      bool
	maxTasks     int
	defaultPoll  time.Duration
	tasks        *containers.OrderedMap[string, *Task]
}

// Config configures a Manager.
type Config struct {
	MaxTasks            int
	DefaultPollInterval time.Duration
}

// DefaultConfig mirrors the firmware's defaults.
func DefaultConfig() Config {
	return Config{MaxTasks: 16, DefaultPollInterval: 5 * time.Second}
}

// New creates a Manager. Tasks support is disabled until SetEnabled(true)
// is called, matching the firmware's opt-in default.
func New(cfg Config, clk clock.Clock) *Manager {
	if cfg.MaxTasks < 1 {
		cfg.MaxTasks = 16
	}
	if cfg.DefaultPollInterval <= 0 {
		cfg.DefaultPollInterval = 5 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	// Capacity is 2x maxTasks: pruneLocked keeps the count at maxTasks by
	// evicting terminal tasks, so the container's own front-of-list eviction
	// only applies once more than maxTasks tasks are still non-terminal.
	return &Manager{
		clk:         clk,
		maxTasks:    cfg.MaxTasks,
		defaultPoll: cfg.DefaultPollInterval,
		tasks:       containers.NewOrderedMap[string, *Task](cfg.MaxTasks * 2),
	}
}

// SetEnabled toggles whether CreateTask accepts new work.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// Enabled reports whether the tasks feature is currently enabled.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// ErrDisabled is returned by CreateTask when the tasks feature is off.
var ErrDisabled = fmt.Errorf("tasks: feature is disabled")

// CreateTask starts a new task for toolName with the given TTL (zero means
// unlimited) and returns the new task.
func (m *Manager) CreateTask(toolName string, ttl time.Duration) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return nil, ErrDisabled
	}
	m.pruneLocked()

	now := m.clk.Now()
	t := &Task{
		ID:            uuid.NewString(),
		ToolName:      toolName,
		Status:        StatusWorking,
		StatusMessage: "The operation is now in progress.",
		CreatedAt:     now,
		LastUpdatedAt: now,
		TTL:           ttl,
		PollInterval:  m.defaultPoll,
	}
	// pruneLocked above already cleared expired and excess terminal tasks,
	// so eviction here only bites if the backlog is entirely live work.
	m.tasks.SetEvictOldest(t.ID, t)
	m.pruneLocked()
	return t, nil
}

// Get returns the task by ID, or ok=false if unknown or expired.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	t, ok := m.tasks.Get(id)
	return t, ok
}

// UpdateStatus transitions a non-terminal task to newStatus. It fails if the
// task is unknown or already terminal.
func (m *Manager) UpdateStatus(id string, newStatus Status, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks.Get(id)
	if !ok {
		return fmt.Errorf("tasks: unknown task %q", id)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("tasks: task %q is already in terminal state %s", id, t.Status)
	}
	t.Status = newStatus
	if message != "" {
		t.StatusMessage = message
	}
	t.LastUpdatedAt = m.clk.Now()
	return nil
}

// Complete marks a task completed with the given result payload.
func (m *Manager) Complete(id string, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks.Get(id)
	if !ok {
		return fmt.Errorf("tasks: unknown task %q", id)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("tasks: task %q is already in terminal state %s", id, t.Status)
	}
	t.Status = StatusCompleted
	t.StatusMessage = "Task completed successfully."
	t.LastUpdatedAt = m.clk.Now()
	t.Result = result
	t.HasResult = true
	return nil
}

// Fail marks a task failed with errMessage.
func (m *Manager) Fail(id string, errMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks.Get(id)
	if !ok {
		return fmt.Errorf("tasks: unknown task %q", id)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("tasks: task %q is already in terminal state %s", id, t.Status)
	}
	t.Status = StatusFailed
	t.StatusMessage = errMessage
	t.LastUpdatedAt = m.clk.Now()
	return nil
}

// Cancel marks a task cancelled.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks.Get(id)
	if !ok {
		return fmt.Errorf("tasks: unknown task %q", id)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("tasks: task %q is already in terminal state %s", id, t.Status)
	}
	t.Status = StatusCancelled
	t.StatusMessage = "The task was cancelled by request."
	t.LastUpdatedAt = m.clk.Now()
	return nil
}

// List returns every retained task in creation order, applying offset-based
// pagination: startIdx skips that many entries, pageSize caps the return,
// and nextStart reports the offset to resume from (0 if exhausted).
func (m *Manager) List(startIdx, pageSize int) (page []*Task, nextStart int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	all := m.tasks.Keys()
	if startIdx >= len(all) {
		return nil, 0
	}
	end := startIdx + pageSize
	if end > len(all) {
		end = len(all)
	}
	for _, id := range all[startIdx:end] {
		if t, ok := m.tasks.Get(id); ok {
			page = append(page, t)
		}
	}
	if end < len(all) {
		nextStart = end
	}
	return page, nextStart
}

// Remove deletes a task by ID.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks.Delete(id)
}

// Count returns the number of retained tasks.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks.Len()
}

// Prune removes every task whose TTL has elapsed, and then — if still over
// the configured maxTasks — evicts the oldest terminal tasks until back
// within budget. It returns how many tasks were removed.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked()
}

func (m *Manager) pruneLocked() int {
	now := m.clk.Now()
	removed := 0

	var expired []string
	m.tasks.Range(func(id string, t *Task) bool {
		if t.Expired(now) {
			expired = append(expired, id)
		}
		return true
	})
	for _, id := range expired {
		m.tasks.Delete(id)
		removed++
	}

	for m.tasks.Len() > m.maxTasks {
		id, removedAny := m.evictOldestTerminal()
		if !removedAny {
			break
		}
		_ = id
		removed++
	}
	return removed
}

func (m *Manager) evictOldestTerminal() (string, bool) {
	var victim string
	found := false
	m.tasks.Range(func(id string, t *Task) bool {
		if t.Status.IsTerminal() {
			victim = id
			found = true
			return false
		}
		return true
	})
	if !found {
		return "", false
	}
	m.tasks.Delete(victim)
	return victim, true
}
