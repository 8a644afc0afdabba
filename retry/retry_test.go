package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/edgemcp/mcpd/internal/clock"
)

func TestExecuteSucceedsOnFirstAttempt(t *testing.T) {
	e := NewExecutor(DefaultPolicy(), clock.NewFake(time.Unix(0, 0)))
	calls := 0
	result := e.Execute(func() Result {
		calls++
		return Success("ok")
	})
	if !result.Succeeded || calls != 1 {
		t.Fatalf("expected single successful call, got succeeded=%v calls=%d", result.Succeeded, calls)
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	e := NewExecutor(Policy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: JitterNone}, fake)
	calls := 0
	result := e.Execute(func() Result {
		calls++
		if calls < 3 {
			return Retryable(errors.New("nak"))
		}
		return Success("ok")
	})
	if !result.Succeeded || calls != 3 {
		t.Fatalf("expected success on 3rd call, got succeeded=%v calls=%d", result.Succeeded, calls)
	}
	if e.Stats().TotalRetries != 2 {
		t.Fatalf("expected 2 retries recorded, got %d", e.Stats().TotalRetries)
	}
}

func TestExecuteFatalStopsImmediately(t *testing.T) {
	e := NewExecutor(DefaultPolicy(), clock.NewFake(time.Unix(0, 0)))
	calls := 0
	result := e.Execute(func() Result {
		calls++
		return Fatal(errors.New("unsupported"))
	})
	if result.Succeeded || result.CanRetry || calls != 1 {
		t.Fatalf("expected single fatal call, got calls=%d canRetry=%v", calls, result.CanRetry)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	e := NewExecutor(Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second}, clock.NewFake(time.Unix(0, 0)))
	calls := 0
	var gaveUpAttempts int
	e.OnGiveUp(func(attempts int, lastErr error) { gaveUpAttempts = attempts })
	result := e.Execute(func() Result {
		calls++
		return Retryable(errors.New("nak"))
	})
	if result.Succeeded || calls != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got calls=%d", calls)
	}
	if gaveUpAttempts != 3 {
		t.Fatalf("expected give-up callback with 3 attempts, got %d", gaveUpAttempts)
	}
}

func TestDelayForAttemptExponential(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: JitterNone}
	if d := p.delayForAttempt(0, 0, nil); d != 100*time.Millisecond {
		t.Fatalf("expected 100ms at attempt 0, got %v", d)
	}
	if d := p.delayForAttempt(2, 0, nil); d != 400*time.Millisecond {
		t.Fatalf("expected 400ms at attempt 2, got %v", d)
	}
	if d := p.delayForAttempt(10, 0, nil); d != time.Second {
		t.Fatalf("expected clamp to maxDelay 1s, got %v", d)
	}
}

func TestRegistryFallsBackToDefaultWithoutTracking(t *testing.T) {
	r := NewRegistry(4, clock.NewFake(time.Unix(0, 0)))
	calls := 0
	result := r.Execute("unregistered-key", DefaultPolicy(), func() Result {
		calls++
		return Success("ok")
	})
	if !result.Succeeded || calls != 1 {
		t.Fatalf("expected fallback execution to succeed, calls=%d", calls)
	}
	if r.Has("unregistered-key") {
		t.Fatal("expected Execute to not create an entry as a side effect")
	}
}

func TestRegistryAccumulatesStats(t *testing.T) {
	r := NewRegistry(4, clock.NewFake(time.Unix(0, 0)))
	r.Set("i2c-sensor", Policy{MaxRetries: 1, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second})

	r.Execute("i2c-sensor", DefaultPolicy(), func() Result { return Success("ok") })
	r.Execute("i2c-sensor", DefaultPolicy(), func() Result { return Success("ok") })

	stats, ok := r.Stats("i2c-sensor")
	if !ok || stats.TotalSuccesses != 2 {
		t.Fatalf("expected accumulated 2 successes, got %+v ok=%v", stats, ok)
	}
}
