// Package transport defines the contract a concrete transport (HTTP+SSE,
// WebSocket, BLE) implements against the dispatcher core. The core itself
// has no notion of connections, framing, or authentication headers; a
// transport's job is to turn whatever the wire gives it into a call against
// Core and to deliver whatever Core pushes back out.
package transport

import (
	"context"

	"github.com/edgemcp/mcpd/internal/jsonrpc"
	"github.com/edgemcp/mcpd/mcp"
	"github.com/edgemcp/mcpd/sessions"
)

// Core is the subset of *dispatcher.Dispatcher every transport drives. A
// transport never reaches past this interface into dispatcher internals.
type Core interface {
	// Initialize performs the initialize handshake for a brand new session
	// and returns the session plus the negotiated capabilities to echo back.
	Initialize(ctx context.Context, req *mcp.InitializeRequest) (*sessions.Session, *mcp.InitializeResult, error)

	// HandleMessage decodes and routes a single raw JSON-RPC message
	// addressed to sessionID. A request produces a non-nil response; a
	// notification or a response-to-a-server-request produces nil.
	HandleMessage(ctx context.Context, sessionID string, raw []byte) (*jsonrpc.Response, error)

	// CloseSession signals that the transport connection backing sessionID
	// is gone for good, so the core can release the session immediately
	// rather than waiting out its idle TTL.
	CloseSession(sessionID string) bool
}

// Pusher delivers a server-to-client notification addressed to a live
// session. Transports that support an out-of-band push channel (SSE,
// WebSocket) implement this directly; poll-only transports (plain HTTP
// request/response) can have it return an error and rely on the client
// re-polling instead.
type Pusher interface {
	Push(sessionID string, method string, params any) error
}

// Requester delivers a server-initiated request (sampling, elicitation)
// addressed to a live session, carrying the correlation ID the client must
// echo back in its response. Only transports with a genuine push channel
// can implement this; others should leave RequestSampling/Elicit disabled
// on the dispatcher.
type Requester interface {
	Request(sessionID string, id string, method string, params any) error
}
