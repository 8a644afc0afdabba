// Package outbound tracks in-flight JSON-RPC requests in both directions:
// client-initiated requests the dispatcher is still working on (so a
// notifications/cancelled can be honored), and server-initiated requests
// (sampling, elicitation, progress) awaiting a client response, correlated
// by an ID drawn from a space disjoint from client-issued IDs.
package outbound

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgemcp/mcpd/internal/clock"
	"github.com/edgemcp/mcpd/internal/jsonrpc"
)

// Tracker records in-flight client requests so a later
// notifications/cancelled can be honored by handlers that poll for it at
// checkpoints.
type Tracker struct {
	mu               sync.Mutex
	inFlight         map[string]any // id -> progress token (nil if none)
	cancelled        map[string]struct{}
	cancelledOrder   []string
	maxCancelledKept int
}

// NewTracker creates a Tracker that remembers up to maxCancelledKept
// recently cancelled IDs.
func NewTracker(maxCancelledKept int) *Tracker {
	if maxCancelledKept < 1 {
		maxCancelledKept = 256
	}
	return &Tracker{
		inFlight:         make(map[string]any),
		cancelled:        make(map[string]struct{}),
		maxCancelledKept: maxCancelledKept,
	}
}

// Start records a request ID as in-flight, with an optional progress token.
func (t *Tracker) Start(id string, progressToken any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[id] = progressToken
}

// Finish removes id from the in-flight set once its handler returns.
func (t *Tracker) Finish(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, id)
}

// ProgressToken returns the progress token associated with an in-flight
// request, if any.
func (t *Tracker) ProgressToken(id string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok, ok := t.inFlight[id]
	return tok, ok
}

// Cancel moves id from in-flight to the cancelled set, evicting the oldest
// remembered cancellation if at capacity.
func (t *Tracker) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, id)
	if _, already := t.cancelled[id]; already {
		return
	}
	t.cancelled[id] = struct{}{}
	t.cancelledOrder = append(t.cancelledOrder, id)
	if len(t.cancelledOrder) > t.maxCancelledKept {
		oldest := t.cancelledOrder[0]
		t.cancelledOrder = t.cancelledOrder[1:]
		delete(t.cancelled, oldest)
	}
}

// IsCancelled reports whether id was cancelled. Handlers should consult
// this at checkpoints during long-running work and abort if true.
func (t *Tracker) IsCancelled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cancelled[id]
	return ok
}

// Default timeouts for pending server-initiated requests, per §4.8.
const (
	DefaultSamplingTimeout    = 60 * time.Second
	DefaultElicitationTimeout = 120 * time.Second
)

// ResponseCallback is invoked when a server-initiated request's matching
// response arrives, or with err set if the request timed out or the
// dispatcher shut down before a response arrived.
type ResponseCallback func(result []byte, err error)

type pendingRequest struct {
	method   string
	callback ResponseCallback
	sentAt   time.Time
	timeout  time.Duration
}

// Outbox tracks server-initiated requests (sampling/createMessage,
// elicitation/create, notifications/progress) awaiting a client response.
// IDs are allocated from a space disjoint from client request IDs by
// prefixing a monotonic counter.
type Outbox struct {
	mu      sync.Mutex
	clk     clock.Clock
	nextID  uint64
	prefix  string
	pending map[string]*pendingRequest
}

// NewOutbox creates an Outbox whose allocated IDs are prefixed with prefix
// (e.g. "srv-") to keep them disjoint from client-issued IDs.
func NewOutbox(prefix string, clk clock.Clock) *Outbox {
	if clk == nil {
		clk = clock.Real()
	}
	if prefix == "" {
		prefix = "srv-"
	}
	return &Outbox{clk: clk, prefix: prefix, pending: make(map[string]*pendingRequest)}
}

// Enqueue allocates a correlation ID for a server-initiated request of the
// given method and registers cb to be invoked when the matching response
// arrives or the request times out per defaultTimeout.
func (o *Outbox) Enqueue(method string, defaultTimeout time.Duration, cb ResponseCallback) *jsonrpc.RequestID {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := atomic.AddUint64(&o.nextID, 1)
	key := fmt.Sprintf("%s%d", o.prefix, n)
	o.pending[key] = &pendingRequest{
		method:   method,
		callback: cb,
		sentAt:   o.clk.Now(),
		timeout:  defaultTimeout,
	}
	return jsonrpc.NewRequestID(key)
}

// Resolve delivers a response payload to the pending request matching id,
// invoking its callback and removing it. Unmatched IDs are ignored (e.g. a
// response to an already-timed-out request).
func (o *Outbox) Resolve(id string, result []byte, rpcErr error) bool {
	o.mu.Lock()
	pr, ok := o.pending[id]
	if ok {
		delete(o.pending, id)
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	pr.callback(result, rpcErr)
	return true
}

// PruneExpired invokes the callback of, and removes, every pending request
// older than its configured timeout. It returns how many were pruned. Meant
// to be polled periodically (e.g. from the scheduler).
func (o *Outbox) PruneExpired() int {
	now := o.clk.Now()
	o.mu.Lock()
	var expired []*pendingRequest
	for id, pr := range o.pending {
		if now.Sub(pr.sentAt) >= pr.timeout {
			expired = append(expired, pr)
			delete(o.pending, id)
		}
	}
	o.mu.Unlock()

	for _, pr := range expired {
		pr.callback(nil, fmt.Errorf("outbound: %s request timed out after %s", pr.method, pr.timeout))
	}
	return len(expired)
}

// Len returns the number of requests currently awaiting a response.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
