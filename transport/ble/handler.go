// Package ble implements the BLE-GATT transport described in spec §6: each
// JSON-RPC message is split into chunks no larger than the connection's
// negotiated MTU, each chunk prefixed with a 1-byte header (0x00 single
// chunk, 0x01 first of several, 0x02 continuation, 0x03 final) so a
// reassembler on the other end can tell a complete message from a partial
// one without relying on any BLE-stack-level framing.
//
// No concrete GATT stack is wired in here — the retrieval pack carries no
// Go BLE peripheral/central library, and platform BLE bindings (BlueZ over
// D-Bus, CoreBluetooth, a vendor SoC SDK) are inherently platform-specific
// in a way nothing in this module's dependency graph addresses. Handler
// instead depends on the minimal Link interface a concrete stack would
// implement, so the chunking and reassembly logic — the part spec §6
// actually specifies — is fully implemented and testable on its own.
package ble

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/edgemcp/mcpd/dispatcher"
	"github.com/edgemcp/mcpd/internal/jsonrpc"
	"github.com/edgemcp/mcpd/mcp"
)

// Chunk header bytes, per spec §6.
const (
	ChunkSingle     byte = 0x00
	ChunkFirst      byte = 0x01
	ChunkContinue   byte = 0x02
	ChunkFinal      byte = 0x03
	headerSize           = 1
	minimumMTU           = headerSize + 1
)

// Link is the minimal GATT characteristic abstraction a concrete BLE stack
// supplies: writing one outbound chunk, already framed and under the
// negotiated MTU. Inbound chunks arrive by the stack calling Handler.Feed
// from its own notify/write callback.
type Link interface {
	Send(chunk []byte) error
}

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

// Handler runs one BLE connection's JSON-RPC exchange: chunk reassembly on
// the way in, chunking on the way out. BLE has no notion of multiplexing
// multiple logical sessions over a single connection, so a Handler owns
// exactly one session for its entire lifetime — sessionID is populated once
// the first reassembled message (the initialize request) is processed.
type Handler struct {
	core *dispatcher.Dispatcher
	link Link
	mtu  int
	log  *slog.Logger

	mu         sync.Mutex
	reassembly []byte
	sessionID  string
}

// NewHandler constructs a Handler bound to one BLE connection. mtu is the
// maximum chunk size (header byte included) negotiated for the connection;
// it must be at least 2 bytes to carry any payload at all.
func NewHandler(link Link, mtu int, opts ...Option) (*Handler, error) {
	if link == nil {
		return nil, fmt.Errorf("ble: link is required")
	}
	if mtu < minimumMTU {
		return nil, fmt.Errorf("ble: mtu must be at least %d bytes, got %d", minimumMTU, mtu)
	}
	h := &Handler{link: link, mtu: mtu, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// SetCore attaches the dispatcher this handler routes requests to.
func (h *Handler) SetCore(core *dispatcher.Dispatcher) {
	h.core = core
}

// Push implements dispatcher.NotifyFunc over this connection's link.
func (h *Handler) Push(sessionID string, method string, params any) error {
	if sessionID != h.sessionID {
		return fmt.Errorf("ble: session %q is not bound to this connection", sessionID)
	}
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return h.sendMessage(req)
}

// Request implements dispatcher.RequestFunc over this connection's link.
func (h *Handler) Request(sessionID string, id string, method string, params any) error {
	if sessionID != h.sessionID {
		return fmt.Errorf("ble: session %q is not bound to this connection", sessionID)
	}
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, params)
	if err != nil {
		return err
	}
	return h.sendMessage(req)
}

func (h *Handler) sendMessage(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.sendFramed(b)
}

// sendFramed splits payload into chunks of at most mtu-1 content bytes,
// each prefixed with the appropriate header byte.
func (h *Handler) sendFramed(payload []byte) error {
	maxContent := h.mtu - headerSize
	if len(payload) <= maxContent {
		return h.link.Send(append([]byte{ChunkSingle}, payload...))
	}

	for offset := 0; offset < len(payload); offset += maxContent {
		end := offset + maxContent
		if end > len(payload) {
			end = len(payload)
		}
		var header byte
		switch {
		case offset == 0:
			header = ChunkFirst
		case end == len(payload):
			header = ChunkFinal
		default:
			header = ChunkContinue
		}
		chunk := append([]byte{header}, payload[offset:end]...)
		if err := h.link.Send(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Feed is called by the concrete BLE stack with one inbound chunk. Once a
// single or final chunk completes a message, Feed processes it against the
// dispatcher and, if it produced a response, sends it back framed the same
// way.
func (h *Handler) Feed(ctx context.Context, chunk []byte) error {
	if len(chunk) < headerSize {
		return fmt.Errorf("ble: chunk shorter than the header byte")
	}
	header, content := chunk[0], chunk[1:]

	h.mu.Lock()
	var complete []byte
	switch header {
	case ChunkSingle:
		complete = append([]byte{}, content...)
		h.reassembly = nil
	case ChunkFirst:
		h.reassembly = append([]byte{}, content...)
		h.mu.Unlock()
		return nil
	case ChunkContinue:
		h.reassembly = append(h.reassembly, content...)
		h.mu.Unlock()
		return nil
	case ChunkFinal:
		h.reassembly = append(h.reassembly, content...)
		complete = h.reassembly
		h.reassembly = nil
	default:
		h.mu.Unlock()
		return fmt.Errorf("ble: unknown chunk header 0x%02x", header)
	}
	h.mu.Unlock()

	return h.dispatch(ctx, complete)
}

func (h *Handler) dispatch(ctx context.Context, raw []byte) error {
	h.mu.Lock()
	sessionID := h.sessionID
	h.mu.Unlock()

	if sessionID == "" {
		return h.handshake(ctx, raw)
	}

	resp, err := h.core.HandleMessage(ctx, sessionID, raw)
	if err != nil {
		h.log.ErrorContext(ctx, "ble.handle_message.fail", slog.String("err", err.Error()))
		return err
	}
	if resp == nil {
		return nil
	}
	return h.sendMessage(resp)
}

// handshake processes the connection's first reassembled message, which
// must be an initialize request, and binds the resulting session to this
// connection for its remaining lifetime.
func (h *Handler) handshake(ctx context.Context, raw []byte) error {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	req := msg.AsRequest()
	if req == nil || req.Method != string(mcp.InitializeMethod) {
		return fmt.Errorf("ble: first message on a connection must be an initialize request")
	}

	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		return err
	}

	sess, result, err := h.core.Initialize(ctx, &initReq)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.sessionID = sess.ID
	h.mu.Unlock()

	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return err
	}
	return h.sendMessage(resp)
}

// Close signals to the core that this connection, and the session bound to
// it, is gone for good — the BLE stack's disconnect callback should call
// this.
func (h *Handler) Close() {
	h.mu.Lock()
	sessionID := h.sessionID
	h.mu.Unlock()
	if sessionID != "" {
		h.core.CloseSession(sessionID)
	}
}
