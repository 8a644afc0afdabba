// Package dispatcher is the protocol core: it accepts JSON-RPC messages
// addressed to a session, routes them to the catalog, and runs the
// reliability pipeline (access control, rate limiting, circuit breaking,
// retries, watchdogs, auditing) around tools/call. It is transport-agnostic;
// an HTTP, WebSocket, or BLE front end feeds it raw messages and forwards
// whatever it returns.
//
// The dispatch model mirrors a cooperative single-threaded event loop: a
// call to Dispatch either completes synchronously or hands off to the task
// engine, which signals completion asynchronously rather than blocking the
// original request. Server-initiated requests (sampling, elicitation) are
// queued in an outbox and resolved out of band when the transport delivers
// the client's response.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/edgemcp/mcpd/accesscontrol"
	"github.com/edgemcp/mcpd/audit"
	"github.com/edgemcp/mcpd/breaker"
	"github.com/edgemcp/mcpd/catalog"
	"github.com/edgemcp/mcpd/eventstore"
	"github.com/edgemcp/mcpd/internal/clock"
	"github.com/edgemcp/mcpd/internal/jsonrpc"
	"github.com/edgemcp/mcpd/mcp"
	"github.com/edgemcp/mcpd/outbound"
	"github.com/edgemcp/mcpd/ratelimit"
	"github.com/edgemcp/mcpd/retry"
	"github.com/edgemcp/mcpd/sessions"
	"github.com/edgemcp/mcpd/statestore"
	"github.com/edgemcp/mcpd/tasks"
	"github.com/edgemcp/mcpd/watchdog"
)

// apiKeyContextKey carries the caller's API key (set by a transport's
// authentication middleware) through to access control and per-key rate
// limiting.
type apiKeyContextKey struct{}

// ContextWithAPIKey attaches apiKey to ctx for downstream access-control and
// rate-limit key resolution.
func ContextWithAPIKey(ctx context.Context, apiKey string) context.Context {
	return context.WithValue(ctx, apiKeyContextKey{}, apiKey)
}

// APIKeyFromContext returns the API key attached by ContextWithAPIKey, or
// the empty string if none was set.
func APIKeyFromContext(ctx context.Context) string {
	v, _ := ctx.Value(apiKeyContextKey{}).(string)
	return v
}

// NotifyFunc delivers a server-to-client notification (or request) addressed
// to a session. The transport supplies this; a nil NotifyFunc makes
// notifications a no-op, which is convenient in tests.
type NotifyFunc func(sessionID string, method string, params any) error

// RequestFunc delivers a server-initiated request (sampling, elicitation) to
// a session, carrying the correlation ID the client's response must echo
// back. The transport supplies this; a nil RequestFunc makes
// RequestSampling and Elicit fail immediately rather than hang.
type RequestFunc func(sessionID string, id string, method string, params any) error

// BeforeHookFunc runs just before a tool call executes (and, per the
// retry-wrapping contract, on every retry attempt). Returning an error
// rejects the call with an application error.
type BeforeHookFunc func(ctx context.Context, sess *sessions.Session, toolName string, arguments json.RawMessage) error

// AfterHookFunc runs once after a tool call's outcome is known, whether it
// succeeded or failed.
type AfterHookFunc func(ctx context.Context, sess *sessions.Session, toolName string, result *mcp.CallToolResult, callErr error)

// InitializeFunc is invoked once a session completes the initialize
// handshake, before the client is told it succeeded.
type InitializeFunc func(ctx context.Context, sess *sessions.Session, req *mcp.InitializeRequest) error

// RateLimitKeyFunc derives the per-key rate-limit bucket key for a call. The
// default uses the API key when present, falling back to the session ID, so
// an unauthenticated transport still gets per-connection fairness.
type RateLimitKeyFunc func(sess *sessions.Session, apiKey, toolName string) string

func defaultRateLimitKeyFunc(sess *sessions.Session, apiKey, toolName string) string {
	if apiKey != "" {
		return apiKey
	}
	if sess != nil {
		return sess.ID
	}
	return toolName
}

// Dispatcher wires every reliability component into the JSON-RPC method
// routing table and the tools/call pipeline.
type Dispatcher struct {
	clk clock.Clock
	log *slog.Logger

	sessionMgr  *sessions.Manager
	tools       *catalog.ToolRegistry
	resources   *catalog.ResourceRegistry
	prompts     *catalog.PromptRegistry
	roots       *catalog.RootRegistry
	completions *catalog.CompletionRegistry

	access        *accesscontrol.AccessControl
	globalLimiter *ratelimit.Limiter
	keyedLimiter  *ratelimit.KeyedRegistry
	breakers      *breaker.Registry
	retries       *retry.Registry
	retryDefault  retry.Policy
	watchdog      *watchdog.Watchdog
	taskMgr       *tasks.Manager

	events   *eventstore.Store
	state    *statestore.Store
	auditLog *audit.Log

	serverRequests *outbound.Outbox
	clientRequests *outbound.Tracker

	serverInfo   mcp.ImplementationInfo
	instructions string
	pageSize     int

	notify       NotifyFunc
	sendRequest  RequestFunc
	beforeHook   BeforeHookFunc
	afterHook    AfterHookFunc
	onInitialize InitializeFunc
	rateLimitKey RateLimitKeyFunc

	subMu         sync.Mutex
	subscriptions map[string]map[string]struct{} // sessionID -> uri -> present
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithAccessControl enables RBAC gating in the tool-call pipeline.
func WithAccessControl(ac *accesscontrol.AccessControl) Option {
	return func(d *Dispatcher) { d.access = ac }
}

// WithGlobalRateLimit enables a single shared token bucket gating every
// tool call.
func WithGlobalRateLimit(l *ratelimit.Limiter) Option {
	return func(d *Dispatcher) { d.globalLimiter = l }
}

// WithPerKeyRateLimit enables a per-caller token bucket pool.
func WithPerKeyRateLimit(r *ratelimit.KeyedRegistry) Option {
	return func(d *Dispatcher) { d.keyedLimiter = r }
}

// WithRateLimitKeyFunc overrides how the per-key rate limiter derives its
// bucket key.
func WithRateLimitKeyFunc(fn RateLimitKeyFunc) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.rateLimitKey = fn
		}
	}
}

// WithCircuitBreakers enables breaker gating for tools that declare a
// ResourceKey.
func WithCircuitBreakers(r *breaker.Registry) Option {
	return func(d *Dispatcher) { d.breakers = r }
}

// WithRetries wraps every synchronous tool call in the retry executor, keyed
// by the tool's ResourceKey (or its name when it has none), falling back to
// defaultPolicy for keys with no registered policy.
func WithRetries(r *retry.Registry, defaultPolicy retry.Policy) Option {
	return func(d *Dispatcher) { d.retries = r; d.retryDefault = defaultPolicy }
}

// WithWatchdog enables the watchdog kick step for tools that declare a
// WatchdogName.
func WithWatchdog(w *watchdog.Watchdog) Option {
	return func(d *Dispatcher) { d.watchdog = w }
}

// WithTasks enables the asynchronous task engine for tools/call envelopes.
func WithTasks(m *tasks.Manager) Option {
	return func(d *Dispatcher) { d.taskMgr = m }
}

// WithEventStore attaches the diagnostic event log.
func WithEventStore(s *eventstore.Store) Option {
	return func(d *Dispatcher) { d.events = s }
}

// WithStateStore attaches the shared key/value store. The dispatcher holds
// the reference but does not read it, and does not pass it to tool handlers.
func WithStateStore(s *statestore.Store) Option {
	return func(d *Dispatcher) { d.state = s }
}

// WithAuditLog attaches the security audit trail.
func WithAuditLog(l *audit.Log) Option {
	return func(d *Dispatcher) { d.auditLog = l }
}

// WithNotifier installs the transport callback used to deliver
// server-to-client notifications and requests.
func WithNotifier(fn NotifyFunc) Option {
	return func(d *Dispatcher) { d.notify = fn }
}

// WithServerRequests enables server-initiated requests (sampling,
// elicitation) by installing the outbox that correlates their responses and
// the transport callback that actually delivers them. Both RequestSampling
// and Elicit fail immediately if this option is not supplied.
func WithServerRequests(o *outbound.Outbox, send RequestFunc) Option {
	return func(d *Dispatcher) { d.serverRequests = o; d.sendRequest = send }
}

// WithClientRequestTracking enables notifications/cancelled handling for
// client-initiated requests by installing the tracker that remembers which
// IDs were cancelled.
func WithClientRequestTracking(t *outbound.Tracker) Option {
	return func(d *Dispatcher) { d.clientRequests = t }
}

// WithHooks installs the optional before/after tool-call hooks.
func WithHooks(before BeforeHookFunc, after AfterHookFunc) Option {
	return func(d *Dispatcher) { d.beforeHook = before; d.afterHook = after }
}

// WithInitializeListener installs a callback invoked once per successful
// initialize handshake.
func WithInitializeListener(fn InitializeFunc) Option {
	return func(d *Dispatcher) { d.onInitialize = fn }
}

// WithServerInfo sets the implementation info and instructions text
// returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo, instructions string) Option {
	return func(d *Dispatcher) { d.serverInfo = info; d.instructions = instructions }
}

// WithPageSize sets the list page size for roots/list and tasks/list, which
// have no registry-owned page size of their own.
func WithPageSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.pageSize = n
		}
	}
}

// New constructs a Dispatcher. sessionMgr and the five catalog registries are
// required; every other subsystem is optional and, left nil, disables the
// pipeline step it would have gated.
func New(
	sessionMgr *sessions.Manager,
	tools *catalog.ToolRegistry,
	resources *catalog.ResourceRegistry,
	prompts *catalog.PromptRegistry,
	roots *catalog.RootRegistry,
	completions *catalog.CompletionRegistry,
	clk clock.Clock,
	opts ...Option,
) *Dispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	d := &Dispatcher{
		clk:           clk,
		log:           slog.Default(),
		sessionMgr:    sessionMgr,
		tools:         tools,
		resources:     resources,
		prompts:       prompts,
		roots:         roots,
		completions:   completions,
		pageSize:      50,
		rateLimitKey:  defaultRateLimitKeyFunc,
		subscriptions: make(map[string]map[string]struct{}),
		retryDefault:  retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Initialize performs the initialize handshake: it creates a session,
// invokes the initialize listener, and returns the negotiated capabilities.
// There is no existing session ID at this point, so unlike Dispatch this
// takes the request directly rather than a session ID.
func (d *Dispatcher) Initialize(ctx context.Context, req *mcp.InitializeRequest) (*sessions.Session, *mcp.InitializeResult, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("dispatcher: initialize request is required")
	}

	sess, err := d.sessionMgr.Create(req.ProtocolVersion, req.ClientInfo, req.Capabilities)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatcher: create session: %w", err)
	}

	if d.onInitialize != nil {
		if err := d.onInitialize(ctx, sess, req); err != nil {
			d.sessionMgr.Evict(sess.ID)
			return nil, nil, err
		}
	}

	result := &mcp.InitializeResult{
		ProtocolVersion: req.ProtocolVersion,
		ServerInfo:      d.serverInfo,
		Instructions:    d.instructions,
		Capabilities: mcp.ServerCapabilities{
			Tools:     &struct{ ListChanged bool `json:"listChanged"` }{ListChanged: true},
			Resources: &struct {
				ListChanged bool `json:"listChanged"`
				Subscribe   bool `json:"subscribe"`
			}{ListChanged: true, Subscribe: true},
			Prompts:     &struct{ ListChanged bool `json:"listChanged"` }{ListChanged: true},
			Logging:     &struct{}{},
			Completions: &struct{}{},
		},
	}

	d.log.InfoContext(ctx, "dispatcher.initialize", slog.String("session_id", sess.ID), slog.String("protocol_version", req.ProtocolVersion))
	return sess, result, nil
}

// HandleMessage decodes a raw JSON-RPC message and routes it: requests
// produce a response, notifications produce nothing, and responses are
// resolved against the server-initiated request outbox.
func (d *Dispatcher) HandleMessage(ctx context.Context, sessionID string, raw []byte) (*jsonrpc.Response, error) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil), nil
	}

	switch msg.Type() {
	case "response":
		resp := msg.AsResponse()
		if d.serverRequests != nil && resp.ID != nil {
			var rpcErr error
			if resp.Error != nil {
				rpcErr = fmt.Errorf("%s", resp.Error.Message)
			}
			d.serverRequests.Resolve(resp.ID.String(), resp.Result, rpcErr)
		}
		return nil, nil
	case "notification":
		return nil, d.dispatchNotification(ctx, sessionID, msg.AsRequest())
	default:
		return d.Dispatch(ctx, sessionID, msg.AsRequest())
	}
}

// Dispatch handles a single JSON-RPC request addressed to sessionID and
// returns its response. Batched transports should call Dispatch once per
// message in the batch and assemble the array themselves.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req == nil {
		return jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "invalid request", nil), nil
	}

	if !d.sessionMgr.Validate(sessionID) {
		d.sessionMgr.Evict(sessionID)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "unknown or expired session", nil), nil
	}
	sess, ok := d.sessionMgr.Touch(sessionID)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "unknown or expired session", nil), nil
	}

	log := d.log.With(slog.String("method", req.Method), slog.String("session_id", sessionID))

	switch mcp.Method(req.Method) {
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})

	case mcp.ToolsListMethod:
		return d.handleToolsList(req)
	case mcp.ToolsCallMethod:
		return d.handleToolsCall(ctx, sess, req)

	case mcp.ResourcesListMethod:
		return d.handleResourcesList(req)
	case mcp.ResourcesReadMethod:
		return d.handleResourcesRead(ctx, req)
	case mcp.ResourcesTemplatesListMethod:
		return d.handleResourceTemplatesList(req)
	case mcp.ResourcesSubscribeMethod:
		return d.handleResourcesSubscribe(sessionID, req)
	case mcp.ResourcesUnsubscribeMethod:
		return d.handleResourcesUnsubscribe(sessionID, req)

	case mcp.PromptsListMethod:
		return d.handlePromptsList(req)
	case mcp.PromptsGetMethod:
		return d.handlePromptsGet(ctx, req)

	case mcp.RootsListMethod:
		return d.handleRootsList(req)

	case mcp.CompletionCompleteMethod:
		return d.handleCompletionComplete(ctx, req)

	case mcp.LoggingSetLevelMethod:
		return d.handleSetLevel(sessionID, req)

	case mcp.TasksListMethod:
		return d.handleTasksList(req)
	case mcp.TasksGetMethod:
		return d.handleTasksGet(req)
	case mcp.TasksResultMethod:
		return d.handleTasksResult(req)
	case mcp.TasksCancelMethod:
		return d.handleTasksCancel(req)

	default:
		log.InfoContext(ctx, "dispatcher.method_not_found")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil), nil
	}
}

// dispatchNotification handles a JSON-RPC notification (a Request with no
// ID), for which no response is ever produced.
func (d *Dispatcher) dispatchNotification(ctx context.Context, sessionID string, req *jsonrpc.Request) error {
	if req == nil {
		return nil
	}
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		d.sessionMgr.MarkInitialized(sessionID)
		return nil
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil
		}
		if d.clientRequests != nil && params.RequestID != "" {
			d.clientRequests.Cancel(params.RequestID)
		}
		return nil
	default:
		d.log.InfoContext(ctx, "dispatcher.unhandled_notification", slog.String("method", req.Method))
		return nil
	}
}

// principal identifies the caller for audit purposes. When access control is
// configured, this is the resolved role (the same identity CanAccess checks
// a restriction against), not the raw API key or session ID, so an audit
// trail reads in terms of "who" in the RBAC sense rather than a bare
// credential. With no access control configured there is no role to
// resolve, so it falls back to the raw API key, then the session ID.
func (d *Dispatcher) principal(ctx context.Context, sess *sessions.Session) string {
	apiKey := APIKeyFromContext(ctx)
	if d.access != nil {
		return d.access.ResolveRole(apiKey)
	}
	if apiKey != "" {
		return apiKey
	}
	if sess != nil {
		return sess.ID
	}
	return "anonymous"
}

// CloseSession evicts sessionID, the hook a transport calls when it detects
// the underlying connection (or device link) has gone away for good, per
// the transport contract's session-close signal.
func (d *Dispatcher) CloseSession(sessionID string) bool {
	return d.sessionMgr.Evict(sessionID)
}

// cursorParam decodes the cursor field common to every paginated request.
func cursorParam(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p mcp.PaginatedRequest
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.Cursor
}
