// Package catalog holds the registries the dispatcher consults when serving
// tools/list, resources/list, resources/templates/list, prompts/list,
// roots/list, and completion/complete: ordered, capacity-unbounded
// collections of descriptors plus their handlers, with deterministic
// registration-order pagination.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/edgemcp/mcpd/mcp"
	"github.com/edgemcp/mcpd/schema"
)

// ToolHandler runs a tool synchronously, returning its result as an
// mcp.CallToolResult (content blocks and/or structured content).
type ToolHandler func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// TaskHandler runs a tool as a tracked asynchronous task. It is invoked
// with the task's ID and the raw call arguments; it is expected to
// eventually signal completion or failure back through the task engine
// rather than returning a result directly.
type TaskHandler func(ctx context.Context, taskID string, arguments json.RawMessage)

// ToolEntry pairs a tool descriptor with its handler(s). Per the catalog's
// invariant, at least one of Handler or TaskHandler must be set, and a
// TaskSupportRequired descriptor requires TaskHandler.
type ToolEntry struct {
	Descriptor  mcp.Tool
	Handler     ToolHandler
	TaskHandler TaskHandler
	// ResourceKey, if set, names the circuit-breaker/retry-policy key this
	// tool's calls are gated under; empty means no breaker/retry wiring.
	ResourceKey string
	// WatchdogName, if set, names the watchdog entry the dispatcher kicks
	// before running this tool.
	WatchdogName string
	// InputSchema, if set, validates tools/call arguments before execution.
	InputSchema *schema.Schema
	// OutputSchema, if set, validates the handler's structured output before
	// it is returned to the caller.
	OutputSchema *schema.Schema
}

func (e ToolEntry) validate() error {
	if e.Descriptor.Name == "" {
		return fmt.Errorf("catalog: tool descriptor missing name")
	}
	if e.Handler == nil && e.TaskHandler == nil {
		return fmt.Errorf("catalog: tool %q has neither a synchronous nor task handler", e.Descriptor.Name)
	}
	if e.Descriptor.TaskSupport == mcp.TaskSupportRequired && e.TaskHandler == nil {
		return fmt.Errorf("catalog: tool %q declares taskSupport=required but has no task handler", e.Descriptor.Name)
	}
	return nil
}

// ToolRegistry holds tool descriptors in registration order, dispatches
// tools/call by name, and serves paginated tools/list.
type ToolRegistry struct {
	mu       sync.RWMutex
	order    []string
	entries  map[string]ToolEntry
	pageSize int
}

// NewToolRegistry creates an empty registry with the given list page size.
func NewToolRegistry(pageSize int) *ToolRegistry {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &ToolRegistry{entries: make(map[string]ToolEntry), pageSize: pageSize}
}

// Register adds a tool, rejecting a duplicate name or an entry missing both
// handler kinds.
func (r *ToolRegistry) Register(e ToolEntry) error {
	if err := e.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Descriptor.Name]; exists {
		return fmt.Errorf("catalog: tool %q already registered", e.Descriptor.Name)
	}
	r.entries[e.Descriptor.Name] = e
	r.order = append(r.order, e.Descriptor.Name)
	return nil
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the tool entry by name.
func (r *ToolRegistry) Get(name string) (ToolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Has reports whether name is registered.
func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// List returns a page of tool descriptors starting at the offset cursor
// encodes (empty cursor means the beginning). nextCursor is empty when the
// page completes the list.
func (r *ToolRegistry) List(cursor string) (page []mcp.Tool, nextCursor string, err error) {
	start, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if start > len(r.order) {
		return nil, "", fmt.Errorf("catalog: cursor out of range")
	}
	end := start + r.pageSize
	if end > len(r.order) {
		end = len(r.order)
	}
	for _, name := range r.order[start:end] {
		page = append(page, r.entries[name].Descriptor)
	}
	if end < len(r.order) {
		nextCursor = fmt.Sprintf("%d", end)
	}
	return page, nextCursor, nil
}

// Names returns every registered tool name in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func parseCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	var n int
	if _, err := fmt.Sscanf(cursor, "%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("catalog: invalid cursor %q", cursor)
	}
	return n, nil
}

// SortedToolNames is a small helper used by tests and diagnostics to get a
// deterministic view independent of registration order.
func (r *ToolRegistry) SortedToolNames() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}
