// Package accesscontrol implements role-based access control for tool
// calls: API keys map to roles, tools can be restricted to a set of
// allowed roles, and unauthenticated or unmapped callers fall back to a
// configurable default role. When disabled, every call is allowed — RBAC
// is opt-in, matching how the underlying hardware ships with no
// authentication configured out of the box.
package accesscontrol

import "sync"

// AccessControl holds the role graph, key→role mapping, and per-tool
// restrictions.
type AccessControl struct {
	mu sync.RWMutex

	enabled     bool
	defaultRole string
	roles       map[string]struct{}
	keyToRole   map[string]string
	toolRoles   map[string]map[string]struct{}
}

// New creates an AccessControl with RBAC disabled and default role "guest",
// matching the firmware's defaults.
func New() *AccessControl {
	return &AccessControl{
		defaultRole: "guest",
		roles:       map[string]struct{}{"guest": {}},
		keyToRole:   map[string]string{},
		toolRoles:   map[string]map[string]struct{}{},
	}
}

// Enable turns RBAC checking on or off.
func (a *AccessControl) Enable(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = v
}

// Enabled reports whether RBAC checking is active.
func (a *AccessControl) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// AddRole defines a role.
func (a *AccessControl) AddRole(role string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roles[role] = struct{}{}
}

// RemoveRole deletes a role definition along with every key mapping and
// tool restriction that references it.
func (a *AccessControl) RemoveRole(role string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.roles, role)
	for key, r := range a.keyToRole {
		if r == role {
			delete(a.keyToRole, key)
		}
	}
	for _, allowed := range a.toolRoles {
		delete(allowed, role)
	}
}

// HasRole reports whether role is defined.
func (a *AccessControl) HasRole(role string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.roles[role]
	return ok
}

// Roles returns every defined role.
func (a *AccessControl) Roles() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.roles))
	for r := range a.roles {
		out = append(out, r)
	}
	return out
}

// MapKeyToRole assigns apiKey to role, auto-defining the role if it does
// not already exist. A key holds at most one role at a time.
func (a *AccessControl) MapKeyToRole(apiKey, role string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keyToRole[apiKey] = role
	a.roles[role] = struct{}{}
}

// UnmapKey removes apiKey's role assignment.
func (a *AccessControl) UnmapKey(apiKey string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keyToRole, apiKey)
}

// RoleForKey returns the role assigned to apiKey, or "" if unmapped.
func (a *AccessControl) RoleForKey(apiKey string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.keyToRole[apiKey]
}

// ResolveRole returns the role apiKey resolves to: the role mapped to
// apiKey if one is set, otherwise the default role. This is the role
// CanAccess itself resolves internally before checking a restriction;
// callers that need to record an identity (audit logging, for instance)
// should use the resolved role rather than the raw apiKey.
func (a *AccessControl) ResolveRole(apiKey string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.resolveRoleLocked(apiKey)
}

// resolveRoleLocked is ResolveRole's body, callable by methods that already
// hold a.mu.
func (a *AccessControl) resolveRoleLocked(apiKey string) string {
	if apiKey != "" {
		if r, ok := a.keyToRole[apiKey]; ok {
			return r
		}
	}
	return a.defaultRole
}

// RestrictTool limits toolName to the given allowed roles. An empty set
// disables the tool for everyone.
func (a *AccessControl) RestrictTool(toolName string, allowedRoles ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := make(map[string]struct{}, len(allowedRoles))
	for _, r := range allowedRoles {
		set[r] = struct{}{}
	}
	a.toolRoles[toolName] = set
}

// UnrestrictTool removes toolName's restriction, making it accessible to
// every role.
func (a *AccessControl) UnrestrictTool(toolName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.toolRoles, toolName)
}

// IsToolRestricted reports whether toolName has an explicit role
// restriction configured.
func (a *AccessControl) IsToolRestricted(toolName string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.toolRoles[toolName]
	return ok
}

// ToolAllowedRoles returns the roles allowed to call toolName, or nil if
// unrestricted.
func (a *AccessControl) ToolAllowedRoles(toolName string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	allowed, ok := a.toolRoles[toolName]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(allowed))
	for r := range allowed {
		out = append(out, r)
	}
	return out
}

// SetDefaultRole sets the role assigned to callers with no mapped API key,
// auto-defining it if necessary.
func (a *AccessControl) SetDefaultRole(role string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.defaultRole = role
	a.roles[role] = struct{}{}
}

// DefaultRole returns the role assigned to unmapped callers.
func (a *AccessControl) DefaultRole() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.defaultRole
}

// CanAccess reports whether a caller presenting apiKey (empty if
// unauthenticated) may call toolName. When RBAC is disabled, or the tool is
// unrestricted, access is always allowed.
func (a *AccessControl) CanAccess(toolName, apiKey string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.enabled {
		return true
	}
	allowed, restricted := a.toolRoles[toolName]
	if !restricted {
		return true
	}

	callerRole := a.resolveRoleLocked(apiKey)
	if callerRole == "" {
		return false
	}
	_, ok := allowed[callerRole]
	return ok
}

// RestrictDestructiveTools restricts every tool in toolNames to
// allowedRoles — a convenience for locking down a batch of tools in one
// call, e.g. everything annotated destructive.
func (a *AccessControl) RestrictDestructiveTools(toolNames []string, allowedRoles ...string) {
	for _, name := range toolNames {
		a.RestrictTool(name, allowedRoles...)
	}
}

// ToolsForRole filters allTools down to those role may call: unrestricted
// tools plus tools whose allowed-role set contains role.
func (a *AccessControl) ToolsForRole(role string, allTools []string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for _, tool := range allTools {
		allowed, restricted := a.toolRoles[tool]
		if !restricted {
			out = append(out, tool)
			continue
		}
		if _, ok := allowed[role]; ok {
			out = append(out, tool)
		}
	}
	return out
}

// Stats summarizes the current configuration for diagnostics.
type Stats struct {
	Enabled         bool `json:"enabled"`
	RoleCount       int  `json:"roles"`
	KeyMappings     int  `json:"keyMappings"`
	RestrictedTools int  `json:"restrictedTools"`
}

// Stats returns a snapshot of the access control configuration.
func (a *AccessControl) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		Enabled:         a.enabled,
		RoleCount:       len(a.roles),
		KeyMappings:     len(a.keyToRole),
		RestrictedTools: len(a.toolRoles),
	}
}
