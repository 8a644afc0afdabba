// Package eventstore provides the bounded, append-only device event log.
// Events are kept in a ring buffer so the store has a fixed memory footprint
// regardless of how long the device has been running; callers read the log
// back by sequence, severity, tag, or time window.
package eventstore

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/edgemcp/mcpd/internal/clock"
	"github.com/edgemcp/mcpd/internal/containers"
)

// Severity mirrors the logging severities the protocol layer understands,
// kept separate from mcp.LoggingLevel so this package has no dependency on
// the wire layer.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityNotice   Severity = "notice"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityNotice:   2,
	SeverityWarning:  3,
	SeverityError:    4,
	SeverityCritical: 5,
}

// Event is one entry in the log. Seq is assigned monotonically by the store
// and restarts at 1 after Clear. Data is carried as raw JSON so the
// store never needs to know the shape of caller payloads.
type Event struct {
	Seq      uint64          `json:"seq"`
	Time     time.Time       `json:"time"`
	Severity Severity        `json:"severity"`
	Tag      string          `json:"tag"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Store is a fixed-capacity event log.
type Store struct {
	mu      sync.Mutex
	clk     clock.Clock
	ring    *containers.Ring[Event]
	nextSeq uint64
}

// New creates a Store bounded at capacity events.
func New(capacity int, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{clk: clk, ring: containers.NewRing[Event](capacity)}
}

// Emit appends a new event, assigning it the next sequence number. data may
// be nil; if non-nil it is marshaled to JSON and stored verbatim (the store
// never re-interprets it).
func (s *Store) Emit(severity Severity, tag, message string, data any) (Event, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		raw = b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	ev := Event{
		Seq:      s.nextSeq,
		Time:     s.clk.Now(),
		Severity: severity,
		Tag:      tag,
		Message:  message,
		Data:     raw,
	}
	s.ring.Push(ev)
	return ev, nil
}

// Filter narrows a query over the event log. Zero values mean "no
// constraint" for that field.
type Filter struct {
	SinceSeq    uint64 // inclusive: events with Seq >= SinceSeq
	MinSeverity Severity
	Tag         string
	Since       time.Time
	Limit       int
}

// Query returns events matching f, oldest first, bounded by f.Limit if set.
func (s *Store) Query(f Filter) []Event {
	s.mu.Lock()
	all := s.ring.All()
	s.mu.Unlock()

	minRank, hasMinRank := severityRank[f.MinSeverity]
	out := make([]Event, 0, len(all))
	for _, ev := range all {
		if f.SinceSeq != 0 && ev.Seq < f.SinceSeq {
			continue
		}
		if hasMinRank && severityRank[ev.Severity] < minRank {
			continue
		}
		if f.Tag != "" && ev.Tag != f.Tag {
			continue
		}
		if !f.Since.IsZero() && ev.Time.Before(f.Since) {
			continue
		}
		out = append(out, ev)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Len returns the number of events currently retained.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Len()
}

// LastSeq returns the most recently assigned sequence number, or 0 if no
// event has ever been emitted.
func (s *Store) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// Clear empties the log and resets the sequence counter to 0.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring.Clear()
	s.nextSeq = 0
}

// ToJSON renders every retained event, oldest first, as a JSON array. Event
// payloads are carried as json.RawMessage, so a caller's JSON data passes
// through verbatim rather than being re-quoted as a string.
func (s *Store) ToJSON() ([]byte, error) {
	s.mu.Lock()
	all := s.ring.All()
	s.mu.Unlock()

	buf := make([]byte, 0, 64*len(all)+2)
	buf = append(buf, '[')
	for i, ev := range all {
		if i > 0 {
			buf = append(buf, ',')
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	buf = append(buf, ']')
	return buf, nil
}

// Stats summarizes the store's current contents for StatsJSON.
type Stats struct {
	Count      int              `json:"count"`
	Capacity   int              `json:"capacity"`
	BySeverity map[Severity]int `json:"bySeverity"`
	Evicted    uint64           `json:"evicted"`
}

// StatsJSON returns per-severity counts over the currently retained events
// plus a derived evicted count: max(0, nextSeq - capacity).
func (s *Store) StatsJSON() ([]byte, error) {
	s.mu.Lock()
	all := s.ring.All()
	capacity := s.ring.Capacity()
	evicted := s.ring.Evicted()
	s.mu.Unlock()

	bySeverity := make(map[Severity]int)
	for _, ev := range all {
		bySeverity[ev.Severity]++
	}
	return json.Marshal(Stats{
		Count:      len(all),
		Capacity:   capacity,
		BySeverity: bySeverity,
		Evicted:    evicted,
	})
}
