package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgemcp/mcpd/audit"
	"github.com/edgemcp/mcpd/breaker"
	"github.com/edgemcp/mcpd/catalog"
	"github.com/edgemcp/mcpd/internal/jsonrpc"
	"github.com/edgemcp/mcpd/mcp"
	"github.com/edgemcp/mcpd/retry"
	"github.com/edgemcp/mcpd/schema"
	"github.com/edgemcp/mcpd/sessions"
	"github.com/edgemcp/mcpd/tasks"
)

// taskStatusNotificationMethod is not part of mcp.Method's registered
// constants; the task engine is a supplemental feature layered on top of
// the base protocol, so its notification name lives here rather than in
// the wire package.
const taskStatusNotificationMethod = "notifications/tasks/status"

// breakerOpenError is returned by an attempt rejected at the circuit-breaker
// gate. It carries the probe wait so the caller can surface retryAfterMs.
type breakerOpenError struct {
	key        string
	retryAfter time.Duration
}

func (e *breakerOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q, retry after %s", e.key, e.retryAfter)
}

// beforeHookError wraps a before-hook rejection so the pipeline can tell it
// apart from a handler execution failure once the retry executor has
// unwound.
type beforeHookError struct {
	err error
}

func (e *beforeHookError) Error() string { return e.err.Error() }
func (e *beforeHookError) Unwrap() error { return e.err }

// handleToolsCall runs the full tools/call pipeline: session and tool
// lookup, access control, rate limiting, input validation, circuit
// breaking, hooks, watchdog, execution (synchronous or task-enveloped),
// retries, output validation, auditing, and the after-hook.
func (d *Dispatcher) handleToolsCall(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if !sess.Initialized {
		return errorResult(req.ID, "session has not completed initialize")
	}

	var call mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &call); err != nil || call.Name == "" {
		return invalidParams(req.ID, "tools/call requires a name")
	}

	entry, ok := d.tools.Get(call.Name)
	if !ok {
		return errorResult(req.ID, fmt.Sprintf("unknown tool %q", call.Name))
	}

	apiKey := APIKeyFromContext(ctx)
	principal := d.principal(ctx, sess)
	now := d.clk.Now()

	if d.access != nil && !d.access.CanAccess(call.Name, apiKey) {
		d.record(principal, call.Name, audit.OutcomeDenied, "access control denied")
		return errorResult(req.ID, "access denied")
	}

	if d.globalLimiter != nil && !d.globalLimiter.TryAcquire(now) {
		retryAfter := d.globalLimiter.RetryAfter(now)
		d.record(principal, call.Name, audit.OutcomeRateLimited, "global rate limit exceeded")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, "rate limited", map[string]any{
			"retryAfterMs": retryAfter.Milliseconds(),
		}), nil
	}

	if d.keyedLimiter != nil {
		key := d.rateLimitKey(sess, apiKey, call.Name)
		if !d.keyedLimiter.TryAcquire(key, now) {
			retryAfter := d.keyedLimiter.RetryAfter(key, now)
			d.record(principal, call.Name, audit.OutcomeRateLimited, "per-key rate limit exceeded")
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, "rate limited", map[string]any{
				"retryAfterMs": retryAfter.Milliseconds(),
			}), nil
		}
	}

	if entry.InputSchema != nil {
		var argsVal any
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &argsVal); err != nil {
				return invalidParams(req.ID, "arguments must be valid JSON")
			}
		}
		if err := schema.Validate(entry.InputSchema, argsVal); err != nil {
			d.record(principal, call.Name, audit.OutcomeValidationFail, "input validation failed")
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid arguments", violationData(err)), nil
		}
	}

	var br *breaker.Breaker
	if entry.ResourceKey != "" && d.breakers != nil {
		br = d.breakers.Get(entry.ResourceKey)
	}

	if call.Task != nil {
		return d.dispatchAsyncToolCall(ctx, sess, req.ID, entry, call, br, principal)
	}

	if entry.Descriptor.TaskSupport == mcp.TaskSupportRequired {
		d.record(principal, call.Name, audit.OutcomeDenied, "tool requires a task envelope")
		return errorResult(req.ID, fmt.Sprintf("tool %q requires a task envelope", call.Name))
	}

	result, protoErr := d.runSyncToolCall(ctx, sess, entry, call, br)
	if protoErr != nil {
		var openErr *breakerOpenError
		if errors.As(protoErr, &openErr) {
			d.record(principal, call.Name, audit.OutcomeCircuitOpen, "circuit breaker open")
			if d.afterHook != nil {
				d.afterHook(ctx, sess, call.Name, nil, protoErr)
			}
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, "circuit open", map[string]any{
				"retryAfterMs": openErr.retryAfter.Milliseconds(),
			}), nil
		}
		var hookErr *beforeHookError
		if errors.As(protoErr, &hookErr) {
			d.record(principal, call.Name, audit.OutcomeDenied, "before-hook rejected call")
			if d.afterHook != nil {
				d.afterHook(ctx, sess, call.Name, nil, protoErr)
			}
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeServerError, protoErr.Error(), nil), nil
		}
		return errorResult(req.ID, protoErr.Error())
	}

	if entry.OutputSchema != nil && !result.IsError {
		if err := schema.Validate(entry.OutputSchema, structuredContentValue(result.StructuredContent)); err != nil {
			result = &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.ContentBlock{{Type: "text", Text: "output failed schema validation: " + err.Error()}},
			}
		}
	}

	d.record(principal, call.Name, audit.OutcomeAllowed, fmt.Sprintf("tool_call args=%s success=%t", argsDigest(call.Arguments), !result.IsError))

	if d.afterHook != nil {
		d.afterHook(ctx, sess, call.Name, result, nil)
	}

	return jsonrpc.NewResultResponse(req.ID, result)
}

// runSyncToolCall runs the circuit-breaker/before-hook/watchdog/execute
// sequence, wrapped in the retry executor when one is configured. A
// *breakerOpenError or *beforeHookError return means the call never reached
// the tool handler and should be surfaced as a JSON-RPC application error,
// not an isError result; any other error is a tool execution failure and
// should be reported in the CallToolResult itself.
func (d *Dispatcher) runSyncToolCall(ctx context.Context, sess *sessions.Session, entry catalog.ToolEntry, call mcp.CallToolRequestReceived, br *breaker.Breaker) (*mcp.CallToolResult, error) {
	attempt := func() retry.Result {
		if br != nil && !br.AllowRequest() {
			return retry.Fatal(&breakerOpenError{key: entry.ResourceKey, retryAfter: br.RetryAfter()})
		}
		if d.beforeHook != nil {
			if err := d.beforeHook(ctx, sess, call.Name, call.Arguments); err != nil {
				return retry.Fatal(&beforeHookError{err: err})
			}
		}
		if entry.WatchdogName != "" && d.watchdog != nil {
			d.watchdog.Kick(entry.WatchdogName)
		}

		result, err := entry.Handler(ctx, &call)
		if err != nil {
			if br != nil {
				br.RecordFailure()
			}
			return retry.Retryable(err)
		}
		if br != nil {
			br.RecordSuccess()
		}
		return retry.Success(result)
	}

	var res retry.Result
	if d.retries != nil {
		key := entry.ResourceKey
		if key == "" {
			key = call.Name
		}
		res = d.retries.Execute(key, d.retryDefault, attempt)
	} else {
		res = attempt()
	}

	if res.Succeeded {
		out, _ := res.Value.(*mcp.CallToolResult)
		if out == nil {
			out = &mcp.CallToolResult{}
		}
		return out, nil
	}

	var openErr *breakerOpenError
	var hookErr *beforeHookError
	if errors.As(res.Err, &openErr) || errors.As(res.Err, &hookErr) {
		return nil, res.Err
	}
	// Execution failed and retries (if any) are exhausted: this is a tool
	// result, not a protocol error.
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.ContentBlock{{Type: "text", Text: res.Err.Error()}},
	}, nil
}

// dispatchAsyncToolCall runs the breaker/before-hook/watchdog gate once
// synchronously, creates a tracked task, and hands execution to a goroutine
// so the caller gets the task descriptor back immediately. Retrying an
// in-flight asynchronous operation would race the client's own poll loop,
// so only the synchronous path above is wrapped in the retry executor; the
// task handler is responsible for its own internal retry if it wants one.
func (d *Dispatcher) dispatchAsyncToolCall(ctx context.Context, sess *sessions.Session, id *jsonrpc.RequestID, entry catalog.ToolEntry, call mcp.CallToolRequestReceived, br *breaker.Breaker, principal string) (*jsonrpc.Response, error) {
	if entry.Descriptor.TaskSupport == mcp.TaskSupportForbidden {
		return errorResult(id, fmt.Sprintf("tool %q does not support task execution", call.Name))
	}
	if entry.TaskHandler == nil {
		return errorResult(id, fmt.Sprintf("tool %q has no task handler", call.Name))
	}
	if d.taskMgr == nil {
		return errorResult(id, "tasks are not enabled")
	}

	if br != nil && !br.AllowRequest() {
		d.record(principal, call.Name, audit.OutcomeCircuitOpen, "circuit breaker open")
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeServerError, "circuit open", map[string]any{
			"retryAfterMs": br.RetryAfter().Milliseconds(),
		}), nil
	}
	if d.beforeHook != nil {
		if err := d.beforeHook(ctx, sess, call.Name, call.Arguments); err != nil {
			d.record(principal, call.Name, audit.OutcomeDenied, "before-hook rejected call")
			return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeServerError, err.Error(), nil), nil
		}
	}
	if entry.WatchdogName != "" && d.watchdog != nil {
		d.watchdog.Kick(entry.WatchdogName)
	}

	ttl := time.Duration(call.Task.TTL) * time.Millisecond
	task, err := d.taskMgr.CreateTask(call.Name, ttl)
	if err != nil {
		return errorResult(id, err.Error())
	}

	d.record(principal, call.Name, audit.OutcomeAllowed, fmt.Sprintf("tool_call args=%s dispatched_as_task=%s", argsDigest(call.Arguments), task.ID))

	taskHandler := entry.TaskHandler
	sessionID := sess.ID
	toolName := call.Name
	outputSchema := entry.OutputSchema
	go d.runAsyncToolCall(context.WithoutCancel(ctx), sessionID, task.ID, toolName, taskHandler, call.Arguments, br, outputSchema, principal)

	return jsonrpc.NewResultResponse(id, map[string]any{"task": taskToWire(task)})
}

// runAsyncToolCall is the body of the goroutine spawned for a task-enveloped
// tool call. It mirrors the synchronous path's breaker bookkeeping, output
// validation, audit, and after-hook, but against the task engine instead of
// a direct JSON-RPC response. A task handler is expected to drive its task
// to a terminal status before returning; this goroutine checks status once
// handler returns and, if terminal, records the outcome and pushes a
// notifications/tasks/status update. A handler that defers completion to
// its own background work after returning is still fully servable through
// tasks/get and tasks/result polling, just without the proactive push.
func (d *Dispatcher) runAsyncToolCall(ctx context.Context, sessionID, taskID, toolName string, handler catalog.TaskHandler, arguments json.RawMessage, br *breaker.Breaker, outputSchema *schema.Schema, principal string) {
	handler(ctx, taskID, arguments)

	task, ok := d.taskMgr.Get(taskID)
	if !ok {
		return
	}
	if !task.Status.IsTerminal() {
		return
	}

	success := task.Status == tasks.StatusCompleted
	if br != nil {
		if success {
			br.RecordSuccess()
		} else {
			br.RecordFailure()
		}
	}

	if success && outputSchema != nil {
		if result, ok := task.Result.(*mcp.CallToolResult); ok && result != nil && !result.IsError {
			if err := schema.Validate(outputSchema, structuredContentValue(result.StructuredContent)); err != nil {
				result.IsError = true
				result.Content = []mcp.ContentBlock{{Type: "text", Text: "output failed schema validation: " + err.Error()}}
			}
		}
	}

	d.record(principal, toolName, audit.OutcomeAllowed, fmt.Sprintf("task_call task=%s success=%t", taskID, success))

	if d.afterHook != nil {
		var result *mcp.CallToolResult
		if r, ok := task.Result.(*mcp.CallToolResult); ok {
			result = r
		}
		d.afterHook(ctx, nil, toolName, result, nil)
	}

	d.notifyTaskStatus(sessionID, task)
}

func (d *Dispatcher) notifyTaskStatus(sessionID string, task *tasks.Task) {
	if d.notify == nil {
		return
	}
	_ = d.notify(sessionID, taskStatusNotificationMethod, mcp.TaskStatusNotification{Task: taskToWire(task)})
}

func (d *Dispatcher) record(principal, tool string, outcome audit.Outcome, reason string) {
	if d.auditLog == nil {
		return
	}
	d.auditLog.Record(principal, tool, outcome, reason)
}

func argsDigest(arguments json.RawMessage) string {
	sum := sha256.Sum256(arguments)
	return hex.EncodeToString(sum[:8])
}

func violationData(err error) map[string]any {
	verr, ok := err.(*schema.ValidationError)
	if !ok {
		return map[string]any{"message": err.Error()}
	}
	fields := make([]map[string]string, 0, len(verr.Violations))
	for _, v := range verr.Violations {
		fields = append(fields, map[string]string{"field": v.Path, "message": v.Message})
	}
	return map[string]any{"violations": fields}
}

func structuredContentValue(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
