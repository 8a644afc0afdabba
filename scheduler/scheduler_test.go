package scheduler

import (
	"testing"
	"time"

	"github.com/edgemcp/mcpd/internal/clock"
)

func TestEveryFiresRepeatedly(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(fake)
	count := 0
	s.Every(time.Second, func() { count++ }, "tick")

	fake.Advance(time.Second)
	s.Loop()
	fake.Advance(time.Second)
	s.Loop()

	if count != 2 {
		t.Fatalf("expected 2 fires, got %d", count)
	}
	if n, _ := s.ExecCount("tick"); n != 2 {
		t.Fatalf("expected exec count 2, got %d", n)
	}
}

func TestAtFiresOnceThenRemoves(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(fake)
	fired := 0
	s.At(fake.Now().Add(5*time.Second), func() { fired++ }, "once")

	fake.Advance(5 * time.Second)
	s.Loop()
	fake.Advance(time.Hour)
	s.Loop()

	if fired != 1 {
		t.Fatalf("expected exactly 1 fire, got %d", fired)
	}
	if s.Exists("once") {
		t.Fatal("expected one-shot task to be removed after firing")
	}
}

func TestTimesLimitsExecutions(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(fake)
	count := 0
	s.Times(time.Second, 3, func() { count++ }, "limited")

	for i := 0; i < 5; i++ {
		fake.Advance(time.Second)
		s.Loop()
	}

	if count != 3 {
		t.Fatalf("expected 3 executions, got %d", count)
	}
	if s.Exists("limited") {
		t.Fatal("expected exhausted task to be removed")
	}
}

func TestPauseSuppressesExecution(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(fake)
	count := 0
	s.Every(time.Second, func() { count++ }, "tick")
	s.Pause("tick")

	fake.Advance(5 * time.Second)
	s.Loop()

	if count != 0 {
		t.Fatalf("expected paused task to not fire, got %d executions", count)
	}
}

func TestResumeRearmsFromNow(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(fake)
	count := 0
	s.Every(time.Second, func() { count++ }, "tick")
	s.Pause("tick")
	fake.Advance(10 * time.Second)
	s.Resume("tick")

	fake.Advance(500 * time.Millisecond)
	s.Loop()
	if count != 0 {
		t.Fatal("expected no fire before the rebased interval elapses")
	}
	fake.Advance(600 * time.Millisecond)
	s.Loop()
	if count != 1 {
		t.Fatalf("expected 1 fire after rebased interval elapses, got %d", count)
	}
}

func TestRemoveCancelsTask(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(fake)
	s.Every(time.Second, func() {}, "tick")
	if !s.Remove("tick") {
		t.Fatal("expected remove to succeed")
	}
	if s.Exists("tick") {
		t.Fatal("expected task to be gone")
	}
}

func TestRescheduleChangesInterval(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	s := New(fake)
	count := 0
	s.Every(time.Second, func() { count++ }, "tick")
	s.Reschedule("tick", 10*time.Second)

	fake.Advance(time.Second)
	s.Loop()
	if count != 0 {
		t.Fatal("expected rescheduled task to not fire at the old interval")
	}
	fake.Advance(10 * time.Second)
	s.Loop()
	if count != 1 {
		t.Fatalf("expected 1 fire at the new interval, got %d", count)
	}
}
