package outbound

import (
	"testing"
	"time"

	"github.com/edgemcp/mcpd/internal/clock"
)

func TestTrackerCancelMovesFromInFlight(t *testing.T) {
	tr := NewTracker(4)
	tr.Start("1", "progress-tok")
	tr.Cancel("1")

	if _, ok := tr.ProgressToken("1"); ok {
		t.Fatal("expected cancelled request to be removed from in-flight")
	}
	if !tr.IsCancelled("1") {
		t.Fatal("expected request to be recorded as cancelled")
	}
}

func TestTrackerBoundedCancelledHistory(t *testing.T) {
	tr := NewTracker(2)
	tr.Cancel("a")
	tr.Cancel("b")
	tr.Cancel("c")

	if tr.IsCancelled("a") {
		t.Fatal("expected oldest cancellation to have been evicted")
	}
	if !tr.IsCancelled("b") || !tr.IsCancelled("c") {
		t.Fatal("expected two most recent cancellations to be retained")
	}
}

func TestOutboxResolveInvokesCallback(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	ob := NewOutbox("srv-", fake)

	var gotResult []byte
	var gotErr error
	id := ob.Enqueue("sampling/createMessage", DefaultSamplingTimeout, func(result []byte, err error) {
		gotResult, gotErr = result, err
	})

	if !ob.Resolve(id.Value().(string), []byte(`{"ok":true}`), nil) {
		t.Fatal("expected resolve to find the pending request")
	}
	if gotErr != nil || string(gotResult) != `{"ok":true}` {
		t.Fatalf("unexpected callback args: result=%s err=%v", gotResult, gotErr)
	}
	if ob.Len() != 0 {
		t.Fatalf("expected 0 pending after resolve, got %d", ob.Len())
	}
}

func TestOutboxPruneExpiredFiresTimeoutCallback(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	ob := NewOutbox("srv-", fake)

	timedOut := false
	ob.Enqueue("elicitation/create", DefaultElicitationTimeout, func(result []byte, err error) {
		timedOut = err != nil
	})

	fake.Advance(DefaultElicitationTimeout + time.Second)
	if n := ob.PruneExpired(); n != 1 {
		t.Fatalf("expected 1 pruned request, got %d", n)
	}
	if !timedOut {
		t.Fatal("expected timeout callback to fire with a non-nil error")
	}
}

func TestOutboxUnresolvedIDIgnored(t *testing.T) {
	ob := NewOutbox("srv-", clock.NewFake(time.Unix(0, 0)))
	if ob.Resolve("no-such-id", nil, nil) {
		t.Fatal("expected resolving an unknown id to report false")
	}
}
