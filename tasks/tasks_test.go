package tasks

import (
	"testing"
	"time"

	"github.com/edgemcp/mcpd/internal/clock"
)

func newEnabledManager(clk clock.Clock) *Manager {
	m := New(DefaultConfig(), clk)
	m.SetEnabled(true)
	return m
}

func TestCreateTaskDisabledByDefault(t *testing.T) {
	m := New(DefaultConfig(), clock.NewFake(time.Unix(0, 0)))
	if _, err := m.CreateTask("reboot", 0); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestTaskLifecycleToCompletion(t *testing.T) {
	m := newEnabledManager(clock.NewFake(time.Unix(0, 0)))
	task, err := m.CreateTask("flash_firmware", 0)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if task.Status != StatusWorking {
		t.Fatalf("expected initial status working, got %s", task.Status)
	}
	if err := m.Complete(task.ID, map[string]any{"ok": true}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	got, ok := m.Get(task.ID)
	if !ok || got.Status != StatusCompleted || !got.HasResult {
		t.Fatalf("expected completed task with result, got %+v ok=%v", got, ok)
	}
}

func TestTerminalStateIsAbsorbing(t *testing.T) {
	m := newEnabledManager(clock.NewFake(time.Unix(0, 0)))
	task, _ := m.CreateTask("reboot", 0)
	if err := m.Cancel(task.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := m.Complete(task.ID, "late"); err == nil {
		t.Fatal("expected completing an already-cancelled task to fail")
	}
}

func TestInputRequiredThenWorkingThenComplete(t *testing.T) {
	m := newEnabledManager(clock.NewFake(time.Unix(0, 0)))
	task, _ := m.CreateTask("configure_wifi", 0)
	if err := m.UpdateStatus(task.ID, StatusInputRequired, "need SSID"); err != nil {
		t.Fatalf("transition to input_required failed: %v", err)
	}
	if err := m.UpdateStatus(task.ID, StatusWorking, "resuming"); err != nil {
		t.Fatalf("transition back to working failed: %v", err)
	}
	if err := m.Complete(task.ID, "done"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
}

func TestTTLExpiryRemovesTask(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	m := newEnabledManager(fake)
	task, _ := m.CreateTask("long_scan", 5*time.Second)
	fake.Advance(6 * time.Second)
	if _, ok := m.Get(task.ID); ok {
		t.Fatal("expected task to have expired past its TTL")
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	m := newEnabledManager(fake)
	task, _ := m.CreateTask("long_scan", 0)
	fake.Advance(365 * 24 * time.Hour)
	if _, ok := m.Get(task.ID); !ok {
		t.Fatal("expected zero-TTL task to never expire")
	}
}

func TestListPagination(t *testing.T) {
	m := newEnabledManager(clock.NewFake(time.Unix(0, 0)))
	for i := 0; i < 5; i++ {
		m.CreateTask("tool", 0)
	}
	page, next := m.List(0, 2)
	if len(page) != 2 || next != 2 {
		t.Fatalf("expected page of 2 with next=2, got len=%d next=%d", len(page), next)
	}
	page2, next2 := m.List(next, 2)
	if len(page2) != 2 || next2 != 4 {
		t.Fatalf("expected second page of 2 with next=4, got len=%d next=%d", len(page2), next2)
	}
}

func TestCapacityEvictsOldestTerminalFirst(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := Config{MaxTasks: 2, DefaultPollInterval: time.Second}
	m := New(cfg, fake)
	m.SetEnabled(true)

	a, _ := m.CreateTask("a", 0)
	b, _ := m.CreateTask("b", 0)
	m.Complete(a.ID, "done")

	// Creating a third task should prune the completed task a to stay
	// within maxTasks, since b is still live working.
	c, _ := m.CreateTask("c", 0)

	if _, ok := m.Get(a.ID); ok {
		t.Fatal("expected completed task a to be evicted under capacity pressure")
	}
	if _, ok := m.Get(b.ID); !ok {
		t.Fatal("expected still-working task b to survive")
	}
	if _, ok := m.Get(c.ID); !ok {
		t.Fatal("expected newly created task c to exist")
	}
}
