package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgemcp/mcpd/mcp"
)

// PromptRenderer consumes a name→value argument binding and returns the
// ordered messages the prompt expands to.
type PromptRenderer func(ctx context.Context, args map[string]string) ([]mcp.PromptMessage, error)

type promptEntry struct {
	descriptor mcp.Prompt
	render     PromptRenderer
}

// PromptRegistry holds named prompts in registration order.
type PromptRegistry struct {
	mu       sync.RWMutex
	order    []string
	entries  map[string]promptEntry
	pageSize int
}

// NewPromptRegistry creates an empty registry with the given list page
// size.
func NewPromptRegistry(pageSize int) *PromptRegistry {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &PromptRegistry{entries: make(map[string]promptEntry), pageSize: pageSize}
}

// Register adds a prompt, rejecting a duplicate name.
func (r *PromptRegistry) Register(desc mcp.Prompt, render PromptRenderer) error {
	if desc.Name == "" {
		return fmt.Errorf("catalog: prompt missing name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("catalog: prompt %q already registered", desc.Name)
	}
	r.entries[desc.Name] = promptEntry{descriptor: desc, render: render}
	r.order = append(r.order, desc.Name)
	return nil
}

// Get renders the named prompt against the given argument bindings,
// validating required arguments first.
func (r *PromptRegistry) Get(ctx context.Context, name string, args map[string]string) ([]mcp.PromptMessage, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("catalog: prompt %q not found", name)
	}
	for _, arg := range e.descriptor.Arguments {
		if arg.Required {
			if _, present := args[arg.Name]; !present {
				return nil, fmt.Errorf("catalog: prompt %q missing required argument %q", name, arg.Name)
			}
		}
	}
	if e.render == nil {
		return nil, fmt.Errorf("catalog: prompt %q has no renderer", name)
	}
	return e.render(ctx, args)
}

// List returns a page of prompt descriptors.
func (r *PromptRegistry) List(cursor string) (page []mcp.Prompt, nextCursor string, err error) {
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
		page = append(page, r.entries[name].descriptor)
	}
	if end < len(r.order) {
		nextCursor = fmt.Sprintf("%d", end)
	}
	return page, nextCursor, nil
}

// Has reports whether name is registered.
func (r *PromptRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// RootRegistry holds the workspace roots the server advertises.
type RootRegistry struct {
	mu    sync.RWMutex
	roots []mcp.Root
}

// NewRootRegistry creates an empty RootRegistry.
func NewRootRegistry() *RootRegistry {
	return &RootRegistry{}
}

// Set replaces the full set of advertised roots.
func (r *RootRegistry) Set(roots []mcp.Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots = append([]mcp.Root(nil), roots...)
}

// List returns a page of roots. Roots are typically few enough that
// pagination never truncates, but the shape matches every other list
// method for dispatcher uniformity.
func (r *RootRegistry) List(cursor string, pageSize int) (page []mcp.Root, nextCursor string, err error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	start, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if start > len(r.roots) {
		return nil, "", fmt.Errorf("catalog: cursor out of range")
	}
	end := start + pageSize
	if end > len(r.roots) {
		end = len(r.roots)
	}
	page = append(page, r.roots[start:end]...)
	if end < len(r.roots) {
		nextCursor = fmt.Sprintf("%d", end)
	}
	return page, nextCursor, nil
}

// CompletionFunc returns completion candidates for a partially-typed value.
type CompletionFunc func(ctx context.Context, value string) (mcp.Completion, error)

// CompletionRegistry maps a completion reference key — "prompt:<name>:<arg>"
// or "template:<uriTemplate>:<var>" — to a provider function.
type CompletionRegistry struct {
	mu        sync.RWMutex
	providers map[string]CompletionFunc
}

// NewCompletionRegistry creates an empty registry.
func NewCompletionRegistry() *CompletionRegistry {
	return &CompletionRegistry{providers: make(map[string]CompletionFunc)}
}

// PromptArgKey builds the reference key for a prompt argument completion
// provider.
func PromptArgKey(promptName, argName string) string {
	return fmt.Sprintf("prompt:%s:%s", promptName, argName)
}

// TemplateVarKey builds the reference key for a resource template variable
// completion provider.
func TemplateVarKey(uriTemplate, varName string) string {
	return fmt.Sprintf("template:%s:%s", uriTemplate, varName)
}

// Register associates fn with key.
func (r *CompletionRegistry) Register(key string, fn CompletionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[key] = fn
}

// maxCompletionValues caps the number of completion values returned,
// matching the catalog's "truncate and report more available" contract.
const maxCompletionValues = 100

// Complete invokes the provider for key with the given partial value,
// prefix-filters the result, and truncates it to maxCompletionValues,
// setting HasMore when truncation occurred.
func (r *CompletionRegistry) Complete(ctx context.Context, key, prefix string) (mcp.Completion, error) {
	r.mu.RLock()
	fn, ok := r.providers[key]
	r.mu.RUnlock()
	if !ok {
		return mcp.Completion{}, nil
	}
	result, err := fn(ctx, prefix)
	if err != nil {
		return mcp.Completion{}, err
	}

	var filtered []string
	for _, v := range result.Values {
		if hasPrefix(v, prefix) {
			filtered = append(filtered, v)
		}
	}
	total := len(filtered)
	hasMore := result.HasMore
	if total > maxCompletionValues {
		filtered = filtered[:maxCompletionValues]
		hasMore = true
	}
	return mcp.Completion{Values: filtered, Total: total, HasMore: hasMore}, nil
}

func hasPrefix(s, prefix string) bool {
	if prefix == "" {
		return true
	}
	if len(s) < len(prefix) {
		return false
	}
	return s[:len(prefix)] == prefix
}
