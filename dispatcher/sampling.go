package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgemcp/mcpd/mcp"
	"github.com/edgemcp/mcpd/outbound"
)

// ErrServerRequestsDisabled is returned by RequestSampling and Elicit when
// the dispatcher was constructed without WithServerRequests.
var ErrServerRequestsDisabled = fmt.Errorf("dispatcher: server-initiated requests are disabled")

// RequestSampling asks sessionID's client to run a sampling/createMessage
// request against its own model access, blocking until the client responds,
// the request times out, or ctx is cancelled. Tool handlers call this to
// delegate a generation step to the client rather than running it on-device.
func (d *Dispatcher) RequestSampling(ctx context.Context, sessionID string, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	var result mcp.CreateMessageResult
	raw, err := d.sendServerRequest(ctx, sessionID, mcp.SamplingCreateMessageMethod, req, outbound.DefaultSamplingTimeout)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("dispatcher: decode sampling result: %w", err)
	}
	return &result, nil
}

// Elicit asks sessionID's client to collect structured input from its user
// matching req's schema, blocking until the client responds, the request
// times out, or ctx is cancelled.
func (d *Dispatcher) Elicit(ctx context.Context, sessionID string, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
	var result mcp.ElicitResult
	raw, err := d.sendServerRequest(ctx, sessionID, mcp.ElicitationCreateMethod, req, outbound.DefaultElicitationTimeout)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("dispatcher: decode elicitation result: %w", err)
	}
	return &result, nil
}

// sendServerRequest enqueues a correlation ID in the outbox, hands the
// request to the transport, and blocks on a one-shot channel fed by the
// outbox's callback — which fires either when HandleMessage resolves the
// matching response, when the request's own timeout elapses, or is abandoned
// if ctx is cancelled first.
func (d *Dispatcher) sendServerRequest(ctx context.Context, sessionID string, method mcp.Method, params any, timeout time.Duration) (json.RawMessage, error) {
	if d.serverRequests == nil || d.sendRequest == nil {
		return nil, ErrServerRequestsDisabled
	}

	done := make(chan struct{}, 1)
	var result json.RawMessage
	var callErr error

	id := d.serverRequests.Enqueue(string(method), timeout, func(raw []byte, err error) {
		result = raw
		callErr = err
		select {
		case done <- struct{}{}:
		default:
		}
	})

	if err := d.sendRequest(sessionID, id.String(), string(method), params); err != nil {
		return nil, fmt.Errorf("dispatcher: deliver %s request: %w", method, err)
	}

	select {
	case <-done:
		return result, callErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
