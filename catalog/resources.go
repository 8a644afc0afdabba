package catalog

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/yosida95/uritemplate/v3"

	"github.com/edgemcp/mcpd/mcp"
)

// placeholderPattern matches the simple {var} placeholder form this
// catalog supports; richer RFC 6570 operators ({?x}, {+x}, {x*}, ...) are
// accepted by uritemplate.New for syntax validation but are not given
// match semantics here.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// compileMatcher turns a {var}-style template into an anchored regexp with
// one named capture group per variable, greedily matching any run of
// non-slash characters for each placeholder.
func compileMatcher(raw string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	last := 0
	for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(raw, -1) {
		sb.WriteString(regexp.QuoteMeta(raw[last:loc[0]]))
		name := raw[loc[2]:loc[3]]
		sb.WriteString(fmt.Sprintf("(?P<%s>[^/]+)", name))
		last = loc[1]
	}
	sb.WriteString(regexp.QuoteMeta(raw[last:]))
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// ResourceProducer returns the contents of a static resource.
type ResourceProducer func(ctx context.Context, uri string) (mcp.ResourceContents, error)

// TemplateProducer returns the contents of a resource matched via a
// ResourceTemplate, given the variable bindings the match yielded.
type TemplateProducer func(ctx context.Context, uri string, vars map[string]string) (mcp.ResourceContents, error)

type resourceEntry struct {
	descriptor mcp.Resource
	produce    ResourceProducer
}

type templateEntry struct {
	descriptor mcp.ResourceTemplate
	matcher    *regexp.Regexp
	produce    TemplateProducer
}

// ResourceRegistry holds static resources and URI templates, resolving a
// read request to a static resource first and falling back to templates in
// registration order. A URI matched by a static resource is never
// dispatched to a template.
type ResourceRegistry struct {
	mu         sync.RWMutex
	resOrder   []string
	resources  map[string]resourceEntry
	templates  []templateEntry
	pageSize   int
}

// NewResourceRegistry creates an empty registry with the given list page
// size.
func NewResourceRegistry(pageSize int) *ResourceRegistry {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &ResourceRegistry{resources: make(map[string]resourceEntry), pageSize: pageSize}
}

// RegisterResource adds a static resource, rejecting a duplicate URI.
func (r *ResourceRegistry) RegisterResource(desc mcp.Resource, produce ResourceProducer) error {
	if desc.URI == "" {
		return fmt.Errorf("catalog: resource missing uri")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[desc.URI]; exists {
		return fmt.Errorf("catalog: resource %q already registered", desc.URI)
	}
	r.resources[desc.URI] = resourceEntry{descriptor: desc, produce: produce}
	r.resOrder = append(r.resOrder, desc.URI)
	return nil
}

// RegisterTemplate adds a URI template, tried in registration order during
// resolution, after every static resource has already failed to match.
func (r *ResourceRegistry) RegisterTemplate(desc mcp.ResourceTemplate, produce TemplateProducer) error {
	if desc.URITemplate == "" {
		return fmt.Errorf("catalog: resource template missing uriTemplate")
	}
	// uritemplate.New validates full RFC 6570 syntax even though matching
	// below only understands the {var} subset; this catches malformed
	// templates (unbalanced braces, bad operators) before registration.
	if _, err := uritemplate.New(desc.URITemplate); err != nil {
		return fmt.Errorf("catalog: invalid uri template %q: %w", desc.URITemplate, err)
	}
	matcher, err := compileMatcher(desc.URITemplate)
	if err != nil {
		return fmt.Errorf("catalog: could not compile matcher for %q: %w", desc.URITemplate, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = append(r.templates, templateEntry{descriptor: desc, matcher: matcher, produce: produce})
	return nil
}

// Resolve reads uri, trying static resources before templates, matching
// templates in registration order.
func (r *ResourceRegistry) Resolve(ctx context.Context, uri string) (mcp.ResourceContents, error) {
	r.mu.RLock()
	if entry, ok := r.resources[uri]; ok {
		produce := entry.produce
		r.mu.RUnlock()
		if produce == nil {
			return mcp.ResourceContents{}, fmt.Errorf("catalog: resource %q has no producer", uri)
		}
		return produce(ctx, uri)
	}
	templates := make([]templateEntry, len(r.templates))
	copy(templates, r.templates)
	r.mu.RUnlock()

	for _, te := range templates {
		if vars, ok := matchTemplate(te.matcher, uri); ok {
			if te.produce == nil {
				return mcp.ResourceContents{}, fmt.Errorf("catalog: template %q has no producer", te.descriptor.URITemplate)
			}
			return te.produce(ctx, uri, vars)
		}
	}
	return mcp.ResourceContents{}, fmt.Errorf("catalog: no resource or template matches %q", uri)
}

// matchTemplate reports whether uri matches the compiled matcher, and if so
// returns the bound template variables.
func matchTemplate(matcher *regexp.Regexp, uri string) (map[string]string, bool) {
	m := matcher.FindStringSubmatch(uri)
	if m == nil {
		return nil, false
	}
	vars := make(map[string]string, len(m)-1)
	for i, name := range matcher.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		vars[name] = m[i]
	}
	return vars, true
}

// ListResources returns a page of static resource descriptors.
func (r *ResourceRegistry) ListResources(cursor string) (page []mcp.Resource, nextCursor string, err error) {
	start, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if start > len(r.resOrder) {
		return nil, "", fmt.Errorf("catalog: cursor out of range")
	}
	end := start + r.pageSize
	if end > len(r.resOrder) {
		end = len(r.resOrder)
	}
	for _, uri := range r.resOrder[start:end] {
		page = append(page, r.resources[uri].descriptor)
	}
	if end < len(r.resOrder) {
		nextCursor = fmt.Sprintf("%d", end)
	}
	return page, nextCursor, nil
}

// ListTemplates returns a page of resource template descriptors.
func (r *ResourceRegistry) ListTemplates(cursor string) (page []mcp.ResourceTemplate, nextCursor string, err error) {
	start, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if start > len(r.templates) {
		return nil, "", fmt.Errorf("catalog: cursor out of range")
	}
	end := start + r.pageSize
	if end > len(r.templates) {
		end = len(r.templates)
	}
	for _, te := range r.templates[start:end] {
		page = append(page, te.descriptor)
	}
	if end < len(r.templates) {
		nextCursor = fmt.Sprintf("%d", end)
	}
	return page, nextCursor, nil
}

// ResourceURIs returns every registered static resource URI in
// registration order.
func (r *ResourceRegistry) ResourceURIs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.resOrder))
	copy(out, r.resOrder)
	return out
}
