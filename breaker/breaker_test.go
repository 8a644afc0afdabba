package breaker

import (
	"testing"
	"time"

	"github.com/edgemcp/mcpd/internal/clock"
)

func TestTripsAfterFailureThreshold(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	b := newBreaker("i2c-sensor", fake, Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, HalfOpenSuccessThreshold: 1}, nil)

	for i := 0; i < 2; i++ {
		if !b.AllowRequest() {
			t.Fatal("expected closed breaker to allow request")
		}
		b.RecordFailure()
	}
	if b.Snapshot().State != StateClosed {
		t.Fatal("expected breaker still closed before threshold reached")
	}
	b.AllowRequest()
	b.RecordFailure()
	if b.Snapshot().State != StateOpen {
		t.Fatal("expected breaker to trip open at failure threshold")
	}
}

func TestOpenRejectsUntilRecoveryTimeout(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	b := newBreaker("bus", fake, Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, HalfOpenSuccessThreshold: 1}, nil)

	b.AllowRequest()
	b.RecordFailure()
	if b.Snapshot().State != StateOpen {
		t.Fatal("expected open after single failure at threshold 1")
	}
	if b.AllowRequest() {
		t.Fatal("expected open breaker to reject immediately")
	}
	fake.Advance(11 * time.Second)
	if !b.AllowRequest() {
		t.Fatal("expected half-open probe to be allowed after recovery timeout")
	}
	if b.Snapshot().State != StateHalfOpen {
		t.Fatal("expected transition to half-open")
	}
}

func TestHalfOpenSuccessClosesBreaker(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	b := newBreaker("bus", fake, Config{FailureThreshold: 1, RecoveryTimeout: 1 * time.Second, HalfOpenSuccessThreshold: 2}, nil)
	b.AllowRequest()
	b.RecordFailure()
	fake.Advance(2 * time.Second)
	b.AllowRequest() // transitions to half-open

	b.RecordSuccess()
	if b.Snapshot().State != StateHalfOpen {
		t.Fatal("expected still half-open after one success below threshold")
	}
	b.RecordSuccess()
	if b.Snapshot().State != StateClosed {
		t.Fatal("expected closed after reaching half-open success threshold")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	b := newBreaker("bus", fake, Config{FailureThreshold: 1, RecoveryTimeout: 1 * time.Second, HalfOpenSuccessThreshold: 1}, nil)
	b.AllowRequest()
	b.RecordFailure()
	fake.Advance(2 * time.Second)
	b.AllowRequest()
	b.RecordFailure()
	if b.Snapshot().State != StateOpen {
		t.Fatal("expected half-open failure to reopen the breaker")
	}
}

func TestRegistryLRUEviction(t *testing.T) {
	r := NewRegistry(DefaultConfig(), 2, clock.NewFake(time.Unix(0, 0)))
	r.Get("a")
	r.Get("b")
	r.Get("c") // evicts a
	if r.Has("a") {
		t.Fatal("expected a to be evicted under capacity pressure")
	}
	if !r.Has("b") || !r.Has("c") {
		t.Fatal("expected b and c to remain")
	}
}
