// Package scheduler implements a polled periodic/one-shot task runner. It is
// deliberately not a goroutine-per-task design: the owning event loop calls
// Loop on every tick, and due tasks fire inline on the caller's goroutine,
// matching the cooperative single-threaded execution model the rest of this
// module assumes.
package scheduler

import (
	"sync"
	"time"

	"github.com/edgemcp/mcpd/internal/clock"
)

// Callback is invoked when a scheduled task becomes due.
type Callback func()

// task is one scheduled unit of work.
type task struct {
	name          string
	callback      Callback
	interval      time.Duration
	nextRun       time.Time
	execCount     int
	maxExecutions int // 0 means unlimited
	paused        bool
	oneShot       bool
	removed       bool
}

// Scheduler holds every registered task and fires due ones when Loop is
// called.
type Scheduler struct {
	mu       sync.Mutex
	clk      clock.Clock
	tasks    map[string]*task
	anonSeq  uint64
}

// New creates an empty Scheduler.
func New(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{clk: clk, tasks: make(map[string]*task)}
}

func (s *Scheduler) autoName() string {
	s.anonSeq++
	return "task-" + itoa(s.anonSeq)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Every schedules cb to run repeatedly every interval, starting one interval
// from now. If name is empty, an internal name is generated. Returns the
// task's name, which is the handle used by Pause/Resume/Remove/Reschedule.
func (s *Scheduler) Every(interval time.Duration, cb Callback, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		name = s.autoName()
	}
	s.tasks[name] = &task{
		name:     name,
		callback: cb,
		interval: interval,
		nextRun:  s.clk.Now().Add(interval),
	}
	return name
}

// At schedules cb to run exactly once at the given time.
func (s *Scheduler) At(when time.Time, cb Callback, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		name = s.autoName()
	}
	s.tasks[name] = &task{
		name:     name,
		callback: cb,
		nextRun:  when,
		oneShot:  true,
	}
	return name
}

// Times schedules cb to run every interval, up to n total executions, after
// which the task removes itself.
func (s *Scheduler) Times(interval time.Duration, n int, cb Callback, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		name = s.autoName()
	}
	s.tasks[name] = &task{
		name:          name,
		callback:      cb,
		interval:      interval,
		nextRun:       s.clk.Now().Add(interval),
		maxExecutions: n,
	}
	return name
}

// Loop fires every non-paused, due task exactly once, advances repeating
// tasks' next-run time, and garbage-collects one-shot or exhausted tasks.
// It is meant to be called from the owning event loop on every tick.
func (s *Scheduler) Loop() {
	now := s.clk.Now()

	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if t.paused || t.removed {
			continue
		}
		if !t.nextRun.After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		if t.callback != nil {
			t.callback()
		}

		s.mu.Lock()
		t.execCount++
		switch {
		case t.oneShot:
			t.removed = true
		case t.maxExecutions > 0 && t.execCount >= t.maxExecutions:
			t.removed = true
		default:
			t.nextRun = now.Add(t.interval)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	for name, t := range s.tasks {
		if t.removed {
			delete(s.tasks, name)
		}
	}
	s.mu.Unlock()
}

// Pause suppresses a task's execution without removing it.
func (s *Scheduler) Pause(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.paused = true
	return true
}

// Resume re-arms a paused task, rebasing its next run from now.
func (s *Scheduler) Resume(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.paused = false
	if !t.oneShot {
		t.nextRun = s.clk.Now().Add(t.interval)
	}
	return true
}

// Remove cancels a task by name.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; !ok {
		return false
	}
	delete(s.tasks, name)
	return true
}

// Reschedule changes a repeating task's interval, taking effect on its next
// run. For a one-shot task it instead moves its fire time.
func (s *Scheduler) Reschedule(name string, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	if t.oneShot {
		t.nextRun = s.clk.Now().Add(interval)
		return true
	}
	t.interval = interval
	t.nextRun = s.clk.Now().Add(interval)
	return true
}

// Count returns the number of currently scheduled tasks.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Exists reports whether name is currently scheduled.
func (s *Scheduler) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// ExecCount returns how many times the named task has fired.
func (s *Scheduler) ExecCount(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return 0, false
	}
	return t.execCount, true
}
