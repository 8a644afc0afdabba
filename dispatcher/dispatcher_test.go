package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/edgemcp/mcpd/accesscontrol"
	"github.com/edgemcp/mcpd/audit"
	"github.com/edgemcp/mcpd/breaker"
	"github.com/edgemcp/mcpd/catalog"
	"github.com/edgemcp/mcpd/internal/clock"
	"github.com/edgemcp/mcpd/internal/jsonrpc"
	"github.com/edgemcp/mcpd/mcp"
	"github.com/edgemcp/mcpd/ratelimit"
	"github.com/edgemcp/mcpd/retry"
	"github.com/edgemcp/mcpd/schema"
	"github.com/edgemcp/mcpd/sessions"
	"github.com/edgemcp/mcpd/tasks"
)

func newTestDispatcher(t *testing.T, fake *clock.Fake, opts ...Option) (*Dispatcher, *catalog.ToolRegistry) {
	t.Helper()
	sessionMgr := sessions.New(sessions.Config{MaxSessions: 16, IdleTTL: time.Hour}, fake)
	tools := catalog.NewToolRegistry(50)
	resources := catalog.NewResourceRegistry(50)
	prompts := catalog.NewPromptRegistry(50)
	roots := catalog.NewRootRegistry()
	completions := catalog.NewCompletionRegistry()
	return New(sessionMgr, tools, resources, prompts, roots, completions, fake, opts...), tools
}

func initSession(t *testing.T, d *Dispatcher) *sessions.Session {
	t.Helper()
	sess, _, err := d.Initialize(context.Background(), &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "0.1"},
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := d.dispatchNotification(context.Background(), sess.ID, &jsonrpc.Request{Method: string(mcp.InitializedNotificationMethod)}); err != nil {
		t.Fatalf("notify initialized: %v", err)
	}
	sess, _ = d.sessionMgr.Get(sess.ID)
	return sess
}

func callToolReq(id int64, name string, args any) *jsonrpc.Request {
	argBytes, _ := json.Marshal(args)
	params, _ := json.Marshal(mcp.CallToolRequestReceived{Name: name, Arguments: argBytes})
	return &jsonrpc.Request{Method: string(mcp.ToolsCallMethod), ID: jsonrpc.NewRequestID(id), Params: params}
}

func echoEntry(name string) catalog.ToolEntry {
	return catalog.ToolEntry{
		Descriptor: mcp.Tool{Name: name},
		Handler: func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}}}, nil
		},
	}
}

func resultOf(t *testing.T, resp *jsonrpc.Response) *mcp.CallToolResult {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected protocol error: %v", resp.Error)
	}
	var out mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return &out
}

func TestToolsCallRejectsUninitializedSession(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	d, tools := newTestDispatcher(t, fake)
	_ = tools.Register(echoEntry("echo"))

	sess, _, err := d.Initialize(context.Background(), &mcp.InitializeRequest{ProtocolVersion: mcp.LatestProtocolVersion})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	resp, err := d.Dispatch(context.Background(), sess.ID, callToolReq(1, "echo", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected a protocol error before initialize completes")
	}
}

func TestToolsCallHappyPath(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	d, tools := newTestDispatcher(t, fake)
	_ = tools.Register(echoEntry("echo"))
	sess := initSession(t, d)

	resp, err := d.Dispatch(context.Background(), sess.ID, callToolReq(1, "echo", map[string]any{"x": 1}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	result := resultOf(t, resp)
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "ok" {
		t.Fatalf("unexpected content: %+v", result.Content)
	}
}

func TestToolsCallUnknownToolReturnsApplicationError(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	d, _ := newTestDispatcher(t, fake)
	sess := initSession(t, d)

	resp, err := d.Dispatch(context.Background(), sess.ID, callToolReq(1, "missing", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeServerError {
		t.Fatalf("expected a server-error response for an unknown tool, got %+v", resp.Error)
	}
}

func TestToolsCallAccessControlDenied(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	ac := accesscontrol.New()
	ac.Enable(true)
	ac.AddRole("operator")
	ac.RestrictTool("echo", "operator")
	auditLog := audit.New(16, fake)

	d, tools := newTestDispatcher(t, fake, WithAccessControl(ac), WithAuditLog(auditLog))
	_ = tools.Register(echoEntry("echo"))
	sess := initSession(t, d)

	resp, err := d.Dispatch(context.Background(), sess.ID, callToolReq(1, "echo", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected access control to deny an unauthenticated caller")
	}
	entries := auditLog.Since(0)
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeDenied {
		t.Fatalf("expected a single denied audit entry, got %+v", entries)
	}
	if entries[0].Principal != "guest" {
		t.Fatalf("expected audit actor to be the resolved default role guest, got %q", entries[0].Principal)
	}
}

func TestToolsCallAccessControlDeniedRecordsResolvedRoleAsActor(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	ac := accesscontrol.New()
	ac.Enable(true)
	ac.MapKeyToRole("K-view", "viewer")
	ac.RestrictTool("gpio_write", "admin")
	auditLog := audit.New(16, fake)

	d, tools := newTestDispatcher(t, fake, WithAccessControl(ac), WithAuditLog(auditLog))
	_ = tools.Register(echoEntry("gpio_write"))
	sess := initSession(t, d)

	ctx := ContextWithAPIKey(context.Background(), "K-view")
	resp, err := d.Dispatch(ctx, sess.ID, callToolReq(1, "gpio_write", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected access control to deny a viewer calling an admin-only tool")
	}
	entries := auditLog.Since(0)
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeDenied {
		t.Fatalf("expected a single denied audit entry, got %+v", entries)
	}
	if entries[0].Principal != "viewer" {
		t.Fatalf("expected audit actor to be the resolved role %q, not the raw API key, got %q", "viewer", entries[0].Principal)
	}
	if entries[0].Tool != "gpio_write" {
		t.Fatalf("expected audit target gpio_write, got %q", entries[0].Tool)
	}
}

func TestDispatchRejectsIdleExpiredSession(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	sessionMgr := sessions.New(sessions.Config{MaxSessions: 16, IdleTTL: time.Minute}, fake)
	tools := catalog.NewToolRegistry(50)
	resources := catalog.NewResourceRegistry(50)
	prompts := catalog.NewPromptRegistry(50)
	roots := catalog.NewRootRegistry()
	completions := catalog.NewCompletionRegistry()
	d := New(sessionMgr, tools, resources, prompts, roots, completions, fake)
	_ = tools.Register(echoEntry("echo"))

	sess := initSession(t, d)

	fake.Advance(2 * time.Minute)

	resp, err := d.Dispatch(context.Background(), sess.ID, callToolReq(1, "echo", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected a request against an idle-expired session to be rejected")
	}
	if _, ok := sessionMgr.Get(sess.ID); ok {
		t.Fatal("expected the idle-expired session to have been evicted")
	}
}

func TestToolsCallGlobalRateLimitExceeded(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	limiter := ratelimit.NewLimiter(1, 1)
	d, tools := newTestDispatcher(t, fake, WithGlobalRateLimit(limiter))
	_ = tools.Register(echoEntry("echo"))
	sess := initSession(t, d)

	if resp, err := d.Dispatch(context.Background(), sess.ID, callToolReq(1, "echo", nil)); err != nil || resp.Error != nil {
		t.Fatalf("expected first call to succeed, got resp=%+v err=%v", resp, err)
	}
	resp, err := d.Dispatch(context.Background(), sess.ID, callToolReq(2, "echo", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected second call within the same tick to be rate limited")
	}
	var data map[string]any
	_ = json.Unmarshal(mustMarshal(resp.Error.Data), &data)
	if _, ok := data["retryAfterMs"]; !ok {
		t.Fatalf("expected a retryAfterMs hint, got %+v", resp.Error.Data)
	}
}

func TestToolsCallInputValidationFailureIsProtocolError(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	d, tools := newTestDispatcher(t, fake)
	_ = tools.Register(catalog.ToolEntry{
		Descriptor:  mcp.Tool{Name: "greet"},
		Handler:     echoEntry("greet").Handler,
		InputSchema: requiredStringSchema("name"),
	})
	sess := initSession(t, d)

	resp, err := d.Dispatch(context.Background(), sess.ID, callToolReq(1, "greet", map[string]any{}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("expected -32602 invalid params for a missing required field, got %+v", resp.Error)
	}
}

func TestToolsCallOutputValidationFailureIsIsErrorResult(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	d, tools := newTestDispatcher(t, fake)
	_ = tools.Register(catalog.ToolEntry{
		Descriptor: mcp.Tool{Name: "bad-output"},
		Handler: func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{StructuredContent: map[string]any{"wrong": "shape"}}, nil
		},
		OutputSchema: requiredStringSchema("right"),
	})
	sess := initSession(t, d)

	resp, err := d.Dispatch(context.Background(), sess.ID, callToolReq(1, "bad-output", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("output validation failure must not be a protocol error, got %+v", resp.Error)
	}
	result := resultOf(t, resp)
	if !result.IsError {
		t.Fatal("expected output schema mismatch to produce an isError result")
	}
}

func TestToolsCallCircuitBreakerOpenRejectsSynchronously(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second, HalfOpenSuccessThreshold: 1}, 8, fake)
	d, tools := newTestDispatcher(t, fake, WithCircuitBreakers(breakers))
	_ = tools.Register(catalog.ToolEntry{
		Descriptor:  mcp.Tool{Name: "flaky"},
		ResourceKey: "flaky-bus",
		Handler: func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			return nil, errAlwaysFails
		},
	})
	sess := initSession(t, d)

	if resp, err := d.Dispatch(context.Background(), sess.ID, callToolReq(1, "flaky", nil)); err != nil {
		t.Fatalf("dispatch: %v", err)
	} else if resp.Error != nil {
		t.Fatalf("a failing handler call should surface as isError, not a protocol error, got %+v", resp.Error)
	}

	resp, err := d.Dispatch(context.Background(), sess.ID, callToolReq(2, "flaky", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeServerError {
		t.Fatalf("expected the open breaker to reject the next call as a server error, got %+v", resp.Error)
	}
}

func TestToolsCallBeforeHookRejection(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	before := func(ctx context.Context, sess *sessions.Session, toolName string, arguments json.RawMessage) error {
		return errAlwaysFails
	}
	d, tools := newTestDispatcher(t, fake, WithHooks(before, nil))
	_ = tools.Register(echoEntry("echo"))
	sess := initSession(t, d)

	resp, err := d.Dispatch(context.Background(), sess.ID, callToolReq(1, "echo", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected a before-hook rejection to surface as a protocol error")
	}
}

func TestToolsCallRetryExhaustionProducesIsErrorResult(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	retries := retry.NewRegistry(8, fake)
	policy := retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond, Jitter: retry.JitterNone}
	d, tools := newTestDispatcher(t, fake, WithRetries(retries, policy))
	calls := 0
	_ = tools.Register(catalog.ToolEntry{
		Descriptor: mcp.Tool{Name: "flaky"},
		Handler: func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			calls++
			return nil, errAlwaysFails
		},
	})
	sess := initSession(t, d)

	resp, err := d.Dispatch(context.Background(), sess.ID, callToolReq(1, "flaky", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("retry exhaustion must not surface as a protocol error, got %+v", resp.Error)
	}
	result := resultOf(t, resp)
	if !result.IsError {
		t.Fatal("expected an isError result once retries are exhausted")
	}
	if calls != 3 {
		t.Fatalf("expected 1 initial attempt + 2 retries = 3 calls, got %d", calls)
	}
}

func TestToolsCallAsyncTaskDispatchAndCompletion(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	taskMgr := tasks.New(tasks.DefaultConfig(), fake)
	taskMgr.SetEnabled(true)

	var notified []string
	notify := func(sessionID, method string, params any) error {
		notified = append(notified, method)
		return nil
	}

	d, tools := newTestDispatcher(t, fake, WithTasks(taskMgr), WithNotifier(notify))
	_ = tools.Register(catalog.ToolEntry{
		Descriptor: mcp.Tool{Name: "long-op", TaskSupport: mcp.TaskSupportOptional},
		TaskHandler: func(ctx context.Context, taskID string, arguments json.RawMessage) {
			_ = taskMgr.Complete(taskID, &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "done"}}})
		},
	})
	sess := initSession(t, d)

	argBytes, _ := json.Marshal(map[string]any{})
	params, _ := json.Marshal(mcp.CallToolRequestReceived{Name: "long-op", Arguments: argBytes, Task: &mcp.TaskMetadata{TTL: 60000}})
	req := &jsonrpc.Request{Method: string(mcp.ToolsCallMethod), ID: jsonrpc.NewRequestID(int64(1)), Params: params}

	resp, err := d.Dispatch(context.Background(), sess.ID, req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected protocol error dispatching a task call: %+v", resp.Error)
	}
	var wire struct {
		Task mcp.Task `json:"task"`
	}
	if err := json.Unmarshal(resp.Result, &wire); err != nil {
		t.Fatalf("unmarshal task envelope: %v", err)
	}
	if wire.Task.TaskID == "" {
		t.Fatal("expected a non-empty task id in the envelope")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := taskMgr.Get(wire.Task.TaskID)
		if ok && task.Status.IsTerminal() {
			break
		}
		time.Sleep(time.Millisecond)
	}

	task, ok := taskMgr.Get(wire.Task.TaskID)
	if !ok || task.Status != tasks.StatusCompleted {
		t.Fatalf("expected task to complete, got %+v ok=%v", task, ok)
	}

	found := false
	for _, m := range notified {
		if m == taskStatusNotificationMethod {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a task status notification to be pushed, got %v", notified)
	}
}

func TestToolsCallRequiredTaskWithoutEnvelopeIsRejected(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	taskMgr := tasks.New(tasks.DefaultConfig(), fake)
	taskMgr.SetEnabled(true)

	d, tools := newTestDispatcher(t, fake, WithTasks(taskMgr))
	_ = tools.Register(catalog.ToolEntry{
		Descriptor: mcp.Tool{Name: "long-op", TaskSupport: mcp.TaskSupportRequired},
		TaskHandler: func(ctx context.Context, taskID string, arguments json.RawMessage) {
			_ = taskMgr.Complete(taskID, &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "done"}}})
		},
	})
	sess := initSession(t, d)

	argBytes, _ := json.Marshal(map[string]any{})
	params, _ := json.Marshal(mcp.CallToolRequestReceived{Name: "long-op", Arguments: argBytes})
	req := &jsonrpc.Request{Method: string(mcp.ToolsCallMethod), ID: jsonrpc.NewRequestID(int64(1)), Params: params}

	resp, err := d.Dispatch(context.Background(), sess.ID, req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected a protocol error when calling a task-required tool without a task envelope")
	}
}

func TestHandleToolsListPagination(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	d, tools := newTestDispatcher(t, fake)
	_ = tools.Register(echoEntry("a"))
	_ = tools.Register(echoEntry("b"))
	sess := initSession(t, d)

	req := &jsonrpc.Request{Method: string(mcp.ToolsListMethod), ID: jsonrpc.NewRequestID(int64(1))}
	resp, err := d.Dispatch(context.Background(), sess.ID, req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(result.Tools))
	}
}

func TestResourcesSubscribeThenNotify(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	var notified []string
	notify := func(sessionID, method string, params any) error {
		notified = append(notified, sessionID)
		return nil
	}
	d, _ := newTestDispatcher(t, fake, WithNotifier(notify))
	sess := initSession(t, d)

	params, _ := json.Marshal(mcp.SubscribeRequest{URI: "file:///a"})
	req := &jsonrpc.Request{Method: string(mcp.ResourcesSubscribeMethod), ID: jsonrpc.NewRequestID(int64(1)), Params: params}
	if resp, err := d.Dispatch(context.Background(), sess.ID, req); err != nil || resp.Error != nil {
		t.Fatalf("subscribe failed: resp=%+v err=%v", resp, err)
	}

	d.notifyResourceUpdated("file:///a")
	if len(notified) != 1 || notified[0] != sess.ID {
		t.Fatalf("expected exactly one notification to the subscribed session, got %v", notified)
	}
}

var errAlwaysFails = errors.New("handler failed")

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func requiredStringSchema(field string) *schema.Schema {
	return &schema.Schema{
		Type:     schema.TypeObject,
		Required: []string{field},
		Properties: map[string]*schema.Schema{
			field: {Type: schema.TypeString},
		},
	}
}
