// Package httpsse implements the HTTP transport: JSON-RPC requests are
// posted to a single endpoint and server-to-client traffic (notifications,
// sampling/elicitation requests, task status pushes) is delivered over a
// Server-Sent Events stream the client opens with GET against the same
// endpoint, per spec §6.
package httpsse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/edgemcp/mcpd/dispatcher"
	"github.com/edgemcp/mcpd/internal/jsonrpc"
	"github.com/edgemcp/mcpd/mcp"
	"github.com/elnormous/contenttype"
)

const (
	mcpSessionIDHeader  = "Mcp-Session-Id"
	mcpProtocolHeader   = "Mcp-Protocol-Version"
	lastEventIDHeader   = "Last-Event-ID"
	authorizationHeader = "Authorization"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
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

// Handler implements the HTTP+SSE transport described in spec §6: POST for
// request/response and fire-and-forget notifications, GET for the
// server-to-client event stream, DELETE to tear a session down explicitly.
// It implements both transport.Pusher and transport.Requester by holding a
// table of live SSE connections keyed by session ID, so it can be wired into
// a Dispatcher's WithNotifier/WithServerRequests options before the
// dispatcher itself is constructed.
type Handler struct {
	mu    sync.Mutex
	conns map[string]*sseConn

	core *dispatcher.Dispatcher
	log  *slog.Logger
}

// NewHandler constructs a Handler. The dispatcher core is attached
// separately via SetCore, since the dispatcher's own construction typically
// needs this Handler's Push/Request methods as NotifyFunc/RequestFunc —
// attach after both exist.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{conns: make(map[string]*sseConn), log: slog.Default()}
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

// sseConn is one open GET /mcp stream, serialized against concurrent writes
// (a tool-call response racing a pushed notification, say).
type sseConn struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

func (c *sseConn) writeFrame(eventID string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if eventID != "" {
		if _, err := fmt.Fprintf(c.w, "id: %s\n", eventID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	c.f.Flush()
	return nil
}

// Push implements dispatcher.NotifyFunc: it writes a JSON-RPC notification
// to sessionID's open SSE stream, if any. A session with no open stream
// (poll-only client, or the stream hasn't been opened yet) drops the
// notification and Push returns an error — the client's next tools/call or
// tasks/get will observe the resulting state directly.
func (h *Handler) Push(sessionID string, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return h.deliver(sessionID, req)
}

// Request implements dispatcher.RequestFunc: it writes a JSON-RPC request
// carrying id to sessionID's open SSE stream so the client can correlate its
// eventual response.
func (h *Handler) Request(sessionID string, id string, method string, params any) error {
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, params)
	if err != nil {
		return err
	}
	return h.deliver(sessionID, req)
}

func (h *Handler) deliver(sessionID string, req *jsonrpc.Request) error {
	h.mu.Lock()
	conn, ok := h.conns[sessionID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("httpsse: no open stream for session %q", sessionID)
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.writeFrame("", b)
}

// ServeHTTP routes the three methods a single MCP endpoint handles.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func bearerAPIKey(r *http.Request) string {
	auth := r.Header.Get(authorizationHeader)
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// handlePost accepts a single JSON-RPC message or a batch array (spec §6
// permits batching, unlike a single-message-only transport). Requests with
// no counterpart response (pure notifications, or responses-to-server-requests)
// produce 202 Accepted; anything yielding at least one response is returned
// as JSON (a bare object for one message, an array for a batch).
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := dispatcher.ContextWithAPIKey(r.Context(), bearerAPIKey(r))

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var rawMessages []json.RawMessage
	trimmed := strings.TrimSpace(string(body))
	isBatch := strings.HasPrefix(trimmed, "[")
	if isBatch {
		if err := json.Unmarshal(body, &rawMessages); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC batch: "+err.Error())
			return
		}
	} else {
		rawMessages = []json.RawMessage{body}
	}

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		h.handleInitialize(w, ctx, rawMessages)
		return
	}

	var responses []*jsonrpc.Response
	for _, raw := range rawMessages {
		resp, err := h.core.HandleMessage(ctx, sessionID, raw)
		if err != nil {
			h.log.ErrorContext(ctx, "httpsse.handle_message.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "failed to process message")
			return
		}
		if resp != nil {
			responses = append(responses, resp)
		}
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	acc := r.Header.Get("Accept")
	if acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, append([]contenttype.MediaType{jsonMediaType}, eventStreamMediaTypes...)); err != nil {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if len(responses) == 1 && !isBatch {
		_ = json.NewEncoder(w).Encode(responses[0])
		return
	}
	_ = json.NewEncoder(w).Encode(responses)
}

// handleInitialize handles the no-session-header case: the single message
// in the batch must be an initialize request, and the new session ID is
// returned via the Mcp-Session-Id response header.
func (h *Handler) handleInitialize(w http.ResponseWriter, ctx context.Context, rawMessages []json.RawMessage) {
	if len(rawMessages) != 1 {
		writeJSONError(w, http.StatusBadRequest, "expected a single initialize request")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(rawMessages[0], &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		return
	}
	req := msg.AsRequest()
	if req == nil || req.Method != string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusNotFound, "expected initialize request")
		return
	}

	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
		return
	}

	sess, result, err := h.core.Initialize(ctx, &initReq)
	if err != nil {
		h.log.ErrorContext(ctx, "httpsse.initialize.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		return
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID)
	if result.ProtocolVersion != "" {
		w.Header().Set(mcpProtocolHeader, result.ProtocolVersion)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleGet opens the server-to-client SSE stream for an existing session.
// Last-Event-ID based resumption is accepted at the framing layer but, since
// this handler delivers best-effort notifications rather than replaying a
// durable backlog, is currently a no-op beyond acknowledging the header.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	_ = r.Header.Get(lastEventIDHeader)

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	conn := &sseConn{w: w, f: f}
	h.mu.Lock()
	h.conns[sessionID] = conn
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.conns[sessionID] == conn {
			delete(h.conns, sessionID)
		}
		h.mu.Unlock()
	}()

	<-r.Context().Done()
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	delete(h.conns, sessionID)
	h.mu.Unlock()

	if !h.core.CloseSession(sessionID) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var _ http.Handler = (*Handler)(nil)
