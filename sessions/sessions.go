// Package sessions manages MCP client sessions: their opaque ID, negotiated
// protocol version and capabilities, and last-activity time. Sessions are
// held in a capacity-bounded store that evicts the least-recently-active
// session once full, so a device with a fixed memory budget never needs an
// unbounded session table.
package sessions

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/edgemcp/mcpd/internal/clock"
	"github.com/edgemcp/mcpd/internal/containers"
	"github.com/edgemcp/mcpd/mcp"
)

// Session holds the negotiated state for one client connection.
type Session struct {
	ID              string
	ProtocolVersion string
	ClientInfo      mcp.ImplementationInfo
	Capabilities    mcp.ClientCapabilities
	CreatedAt       time.Time
	LastActivity    time.Time
	Initialized     bool

	// LoggingLevel is the minimum severity this session wants to receive
	// via notifications/message, set via logging/setLevel.
	LoggingLevel mcp.LoggingLevel
}

// Manager tracks every live session, bounded at a maximum count.
type Manager struct {
	mu       sync.Mutex
	clk      clock.Clock
	idleTTL  time.Duration
	sessions *containers.OrderedMap[string, *Session]
}

// Config controls session lifetime and capacity.
type Config struct {
	MaxSessions int
	IdleTTL     time.Duration // sessions untouched for this long are prunable; zero disables idle pruning
}

// New creates a Manager bounded at cfg.MaxSessions.
func New(cfg Config, clk clock.Clock) *Manager {
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 64
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		clk:      clk,
		idleTTL:  cfg.IdleTTL,
		sessions: containers.NewOrderedMap[string, *Session](cfg.MaxSessions),
	}
}

// newID mints a 128-bit, hex-encoded opaque session identifier, matching the
// unguessability requirement for session ids carried in transport headers.
func newID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("sessions: generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Create mints a new session and registers it, evicting the
// least-recently-active session if at capacity.
func (m *Manager) Create(protocolVersion string, clientInfo mcp.ImplementationInfo, caps mcp.ClientCapabilities) (*Session, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	now := m.clk.Now()
	s := &Session{
		ID:              id,
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo,
		Capabilities:    caps,
		CreatedAt:       now,
		LastActivity:    now,
		LoggingLevel:    mcp.LoggingLevelInfo,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions.SetEvictOldest(s.ID, s)
	return s, nil
}

// Get returns the session by ID without updating its last-activity time.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions.Get(id)
}

// Touch records activity on the session, marking it most-recently-used so
// it is the last to be evicted under capacity pressure.
func (m *Manager) Touch(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions.Get(id)
	if !ok {
		return nil, false
	}
	s.LastActivity = m.clk.Now()
	m.sessions.Touch(id)
	return s, true
}

// Validate reports whether id names a live, non-idle-expired session.
func (m *Manager) Validate(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions.Get(id)
	if !ok {
		return false
	}
	if m.idleTTL > 0 && m.clk.Now().Sub(s.LastActivity) > m.idleTTL {
		return false
	}
	return true
}

// MarkInitialized records that the session completed the initialize
// handshake.
func (m *Manager) MarkInitialized(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions.Get(id)
	if !ok {
		return false
	}
	s.Initialized = true
	return true
}

// SetLoggingLevel updates the minimum log severity a session wants to
// receive.
func (m *Manager) SetLoggingLevel(id string, level mcp.LoggingLevel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions.Get(id)
	if !ok {
		return false
	}
	s.LoggingLevel = level
	return true
}

// Evict removes a session by ID, reporting whether it existed.
func (m *Manager) Evict(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions.Delete(id)
}

// PruneIdle removes every session that has exceeded the configured idle TTL
// and returns how many were removed. A zero idle TTL disables pruning.
func (m *Manager) PruneIdle() int {
	if m.idleTTL <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	var stale []string
	m.sessions.Range(func(id string, s *Session) bool {
		if now.Sub(s.LastActivity) > m.idleTTL {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		m.sessions.Delete(id)
	}
	return len(stale)
}

// Count returns the number of currently tracked sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions.Len()
}

// List returns every tracked session ID, least-recently-active first: new
// sessions are appended and Touch moves a session to the end.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions.Keys()
}
