package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgemcp/mcpd/catalog"
	"github.com/edgemcp/mcpd/internal/jsonrpc"
	"github.com/edgemcp/mcpd/mcp"
	"github.com/edgemcp/mcpd/tasks"
)

// errorResult builds a server-error (-32000 range) JSON-RPC error response,
// the code the tool-call pipeline and every capability lookup below uses for
// application-level failures that are not malformed JSON-RPC.
func errorResult(id *jsonrpc.RequestID, message string) (*jsonrpc.Response, error) {
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeServerError, message, nil), nil
}

func invalidParams(id *jsonrpc.RequestID, message string) (*jsonrpc.Response, error) {
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, message, nil), nil
}

func (d *Dispatcher) handleToolsList(req *jsonrpc.Request) (*jsonrpc.Response, error) {
	cursor := cursorParam(req.Params)
	page, next, err := d.tools.List(cursor)
	if err != nil {
		return invalidParams(req.ID, err.Error())
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{
		Tools:           page,
		PaginatedResult: mcp.PaginatedResult{NextCursor: next},
	})
}

func (d *Dispatcher) handleResourcesList(req *jsonrpc.Request) (*jsonrpc.Response, error) {
	cursor := cursorParam(req.Params)
	page, next, err := d.resources.ListResources(cursor)
	if err != nil {
		return invalidParams(req.ID, err.Error())
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListResourcesResult{
		Resources:       page,
		PaginatedResult: mcp.PaginatedResult{NextCursor: next},
	})
}

func (d *Dispatcher) handleResourceTemplatesList(req *jsonrpc.Request) (*jsonrpc.Response, error) {
	cursor := cursorParam(req.Params)
	page, next, err := d.resources.ListTemplates(cursor)
	if err != nil {
		return invalidParams(req.ID, err.Error())
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListResourceTemplatesResult{
		ResourceTemplates: page,
		PaginatedResult:   mcp.PaginatedResult{NextCursor: next},
	})
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return invalidParams(req.ID, "resources/read requires a uri")
	}
	contents, err := d.resources.Resolve(ctx, params.URI)
	if err != nil {
		return errorResult(req.ID, err.Error())
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{contents}})
}

func (d *Dispatcher) handleResourcesSubscribe(sessionID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.SubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return invalidParams(req.ID, "resources/subscribe requires a uri")
	}
	d.subMu.Lock()
	uris, ok := d.subscriptions[sessionID]
	if !ok {
		uris = make(map[string]struct{})
		d.subscriptions[sessionID] = uris
	}
	uris[params.URI] = struct{}{}
	d.subMu.Unlock()
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (d *Dispatcher) handleResourcesUnsubscribe(sessionID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.UnsubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return invalidParams(req.ID, "resources/unsubscribe requires a uri")
	}
	d.subMu.Lock()
	if uris, ok := d.subscriptions[sessionID]; ok {
		delete(uris, params.URI)
	}
	d.subMu.Unlock()
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

// notifyResourceUpdated pushes notifications/resources/updated to every
// session subscribed to uri. Called by whatever owns the underlying resource
// once its content changes; the dispatcher itself never mutates resources.
func (d *Dispatcher) notifyResourceUpdated(uri string) {
	if d.notify == nil {
		return
	}
	d.subMu.Lock()
	var targets []string
	for sessionID, uris := range d.subscriptions {
		if _, ok := uris[uri]; ok {
			targets = append(targets, sessionID)
		}
	}
	d.subMu.Unlock()
	for _, sessionID := range targets {
		_ = d.notify(sessionID, string(mcp.ResourcesUpdatedNotificationMethod), mcp.ResourceUpdatedNotification{URI: uri})
	}
}

func (d *Dispatcher) handlePromptsList(req *jsonrpc.Request) (*jsonrpc.Response, error) {
	cursor := cursorParam(req.Params)
	page, next, err := d.prompts.List(cursor)
	if err != nil {
		return invalidParams(req.ID, err.Error())
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListPromptsResult{
		Prompts:         page,
		PaginatedResult: mcp.PaginatedResult{NextCursor: next},
	})
}

func (d *Dispatcher) handlePromptsGet(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.GetPromptRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return invalidParams(req.ID, "prompts/get requires a name")
	}
	args := make(map[string]string, len(params.Arguments))
	for k, raw := range params.Arguments {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			args[k] = s
		} else {
			args[k] = string(raw)
		}
	}
	messages, err := d.prompts.Get(ctx, params.Name, args)
	if err != nil {
		return errorResult(req.ID, err.Error())
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.GetPromptResult{Messages: messages})
}

func (d *Dispatcher) handleRootsList(req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if d.roots == nil {
		return jsonrpc.NewResultResponse(req.ID, &mcp.ListRootsResult{})
	}
	page, _, err := d.roots.List("", d.pageSize)
	if err != nil {
		return invalidParams(req.ID, err.Error())
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListRootsResult{Roots: page})
}

func (d *Dispatcher) handleCompletionComplete(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CompleteRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return invalidParams(req.ID, "completion/complete requires ref and argument")
	}
	var key string
	switch params.Ref.Type {
	case "ref/prompt":
		key = catalog.PromptArgKey(params.Ref.URI, params.Argument.Name)
	case "ref/resource":
		key = catalog.TemplateVarKey(params.Ref.URI, params.Argument.Name)
	default:
		key = params.Ref.Type + ":" + params.Ref.URI + ":" + params.Argument.Name
	}
	completion, err := d.completions.Complete(ctx, key, params.Argument.Value)
	if err != nil {
		return errorResult(req.ID, err.Error())
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.CompleteResult{Completion: completion})
}

func (d *Dispatcher) handleSetLevel(sessionID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || !mcp.IsValidLoggingLevel(params.Level) {
		return invalidParams(req.ID, "logging/setLevel requires a valid level")
	}
	d.sessionMgr.SetLoggingLevel(sessionID, params.Level)
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

// Log delivers a notifications/message to sessionID if level meets or
// exceeds the session's configured minimum severity. Tool handlers and
// background components call this through whatever reference the caller
// wires up; the dispatcher does not generate log messages on its own.
func (d *Dispatcher) Log(sessionID string, level mcp.LoggingLevel, logger string, data any) {
	sess, ok := d.sessionMgr.Get(sessionID)
	if !ok || d.notify == nil {
		return
	}
	if severityRank(level) < severityRank(sess.LoggingLevel) {
		return
	}
	_ = d.notify(sessionID, string(mcp.LoggingMessageNotificationMethod), mcp.LoggingMessageNotification{
		Level: level, Logger: logger, Data: data,
	})
}

var logSeverityOrder = map[mcp.LoggingLevel]int{
	mcp.LoggingLevelDebug:     0,
	mcp.LoggingLevelInfo:      1,
	mcp.LoggingLevelNotice:    2,
	mcp.LoggingLevelWarning:   3,
	mcp.LoggingLevelError:     4,
	mcp.LoggingLevelCritical:  5,
	mcp.LoggingLevelAlert:     6,
	mcp.LoggingLevelEmergency: 7,
}

func severityRank(l mcp.LoggingLevel) int {
	if r, ok := logSeverityOrder[l]; ok {
		return r
	}
	return 1
}

func (d *Dispatcher) handleTasksList(req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if d.taskMgr == nil {
		return jsonrpc.NewResultResponse(req.ID, &mcp.ListTasksResult{})
	}
	start, err := cursorOffset(cursorParam(req.Params))
	if err != nil {
		return invalidParams(req.ID, err.Error())
	}
	page, next := d.taskMgr.List(start, d.pageSize)
	result := &mcp.ListTasksResult{Tasks: make([]mcp.Task, 0, len(page))}
	for _, t := range page {
		result.Tasks = append(result.Tasks, taskToWire(t))
	}
	if next > 0 {
		result.NextCursor = fmt.Sprintf("%d", next)
	}
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (d *Dispatcher) handleTasksGet(req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.GetTaskRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		return invalidParams(req.ID, "tasks/get requires a taskId")
	}
	if d.taskMgr == nil {
		return errorResult(req.ID, "tasks are not enabled")
	}
	t, ok := d.taskMgr.Get(params.TaskID)
	if !ok {
		return errorResult(req.ID, fmt.Sprintf("unknown task %q", params.TaskID))
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.GetTaskResult{Task: taskToWire(t)})
}

func (d *Dispatcher) handleTasksResult(req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.GetTaskResultRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		return invalidParams(req.ID, "tasks/result requires a taskId")
	}
	if d.taskMgr == nil {
		return errorResult(req.ID, "tasks are not enabled")
	}
	t, ok := d.taskMgr.Get(params.TaskID)
	if !ok {
		return errorResult(req.ID, fmt.Sprintf("unknown task %q", params.TaskID))
	}
	if !t.HasResult {
		return errorResult(req.ID, fmt.Sprintf("task %q has not completed", params.TaskID))
	}
	result, ok := t.Result.(*mcp.CallToolResult)
	if !ok || result == nil {
		return errorResult(req.ID, fmt.Sprintf("task %q produced no retrievable result", params.TaskID))
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.GetTaskPayloadResult{CallToolResult: *result})
}

func (d *Dispatcher) handleTasksCancel(req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CancelTaskRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.TaskID == "" {
		return invalidParams(req.ID, "tasks/cancel requires a taskId")
	}
	if d.taskMgr == nil {
		return errorResult(req.ID, "tasks are not enabled")
	}
	if err := d.taskMgr.Cancel(params.TaskID); err != nil {
		return errorResult(req.ID, err.Error())
	}
	t, _ := d.taskMgr.Get(params.TaskID)
	return jsonrpc.NewResultResponse(req.ID, &mcp.GetTaskResult{Task: taskToWire(t)})
}

func taskToWire(t *tasks.Task) mcp.Task {
	if t == nil {
		return mcp.Task{}
	}
	return mcp.Task{
		TaskID:        t.ID,
		Status:        mcp.TaskStatus(t.Status),
		StatusMessage: t.StatusMessage,
		CreatedAt:     t.CreatedAt.Format(rfc3339Milli),
		LastUpdatedAt: t.LastUpdatedAt.Format(rfc3339Milli),
		TTL:           int64(t.TTL.Milliseconds()),
		PollInterval:  int64(t.PollInterval.Milliseconds()),
	}
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

func cursorOffset(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	var n int
	if _, err := fmt.Sscanf(cursor, "%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("dispatcher: invalid cursor %q", cursor)
	}
	return n, nil
}
