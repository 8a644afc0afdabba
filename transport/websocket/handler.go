// Package websocket implements the WebSocket transport: every message,
// client or server initiated, is a single JSON-RPC object sent as a text
// frame over one long-lived connection, per spec §6. Unlike the HTTP+SSE
// transport there is no separate push channel — the same connection carries
// both directions — so session lifetime is simply connection lifetime.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/edgemcp/mcpd/dispatcher"
	"github.com/edgemcp/mcpd/internal/jsonrpc"
	"github.com/edgemcp/mcpd/mcp"
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithAcceptOptions overrides the websocket.AcceptOptions used to upgrade
// incoming connections (e.g. to allow specific origins).
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(h *Handler) { h.acceptOpts = opts }
}

// Handler upgrades HTTP connections to WebSocket and runs the JSON-RPC
// exchange over text frames for the connection's lifetime. It implements
// transport.Pusher and transport.Requester directly against the live
// connection, since there is exactly one connection per session here.
type Handler struct {
	core       *dispatcher.Dispatcher
	log        *slog.Logger
	acceptOpts *websocket.AcceptOptions

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewHandler constructs a Handler. The dispatcher core is attached
// separately via SetCore for the same reason as the HTTP+SSE handler: it
// typically needs this Handler's Push/Request methods as its own
// construction options.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{log: slog.Default(), conns: make(map[string]*websocket.Conn)}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// SetCore attaches the dispatcher this handler routes requests to.
func (h *Handler) SetCore(core *dispatcher.Dispatcher) {
	h.core = core
}

// Push implements dispatcher.NotifyFunc over the live connection.
func (h *Handler) Push(sessionID string, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return h.write(sessionID, req)
}

// Request implements dispatcher.RequestFunc over the live connection.
func (h *Handler) Request(sessionID string, id string, method string, params any) error {
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, params)
	if err != nil {
		return err
	}
	return h.write(sessionID, req)
}

func (h *Handler) write(sessionID string, req *jsonrpc.Request) error {
	h.mu.Lock()
	conn, ok := h.conns[sessionID]
	h.mu.Unlock()
	if !ok {
		return errors.New("websocket: no open connection for session")
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.Write(context.Background(), websocket.MessageText, b)
}

// ServeHTTP upgrades the connection and runs its read loop until the client
// disconnects or the server closes the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.acceptOpts)
	if err != nil {
		h.log.ErrorContext(r.Context(), "websocket.accept.fail", slog.String("err", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	sessionID, err := h.handshake(ctx, conn)
	if err != nil {
		h.log.WarnContext(ctx, "websocket.handshake.fail", slog.String("err", err.Error()))
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		return
	}

	h.mu.Lock()
	h.conns[sessionID] = conn
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.conns[sessionID] == conn {
			delete(h.conns, sessionID)
		}
		h.mu.Unlock()
		h.core.CloseSession(sessionID)
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				h.log.InfoContext(ctx, "websocket.closed", slog.String("session_id", sessionID))
			} else {
				h.log.InfoContext(ctx, "websocket.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		resp, err := h.core.HandleMessage(ctx, sessionID, data)
		if err != nil {
			h.log.ErrorContext(ctx, "websocket.handle_message.fail", slog.String("err", err.Error()))
			continue
		}
		if resp == nil {
			continue
		}
		b, err := json.Marshal(resp)
		if err != nil {
			h.log.ErrorContext(ctx, "websocket.marshal_response.fail", slog.String("err", err.Error()))
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			h.log.ErrorContext(ctx, "websocket.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

// handshake reads the connection's first frame, which must be an initialize
// request, and returns the session ID the rest of the connection's frames
// will be dispatched under.
func (h *Handler) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		return "", err
	}
	if msgType != websocket.MessageText {
		return "", errors.New("websocket: expected a text frame for the initialize handshake")
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", err
	}
	req := msg.AsRequest()
	if req == nil || req.Method != string(mcp.InitializeMethod) {
		return "", errors.New("websocket: first frame must be an initialize request")
	}

	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		return "", err
	}

	sess, result, err := h.core.Initialize(ctx, &initReq)
	if err != nil {
		return "", err
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return "", err
	}
	return sess.ID, nil
}

var _ http.Handler = (*Handler)(nil)
