package models

import (
	"encoding/json"
	"time"
)

// Session is the authoritative in-memory state for one recording. Events and
// errors are opaque JSON produced by the browser tracker; the relay preserves
// their order and never inspects their internals.
type Session struct {
	SessionID    string            `json:"sessionId"`
	UserID       string            `json:"userId"`
	Metadata     json.RawMessage   `json:"metadata"`
	IsActive     bool              `json:"isActive"`
	Events       []json.RawMessage `json:"events"`
	Errors       []json.RawMessage `json:"errors"`
	StartTime    time.Time         `json:"startTime"`
	LastActivity time.Time         `json:"lastActivity"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`

	// TotalEvents counts every event accepted for the session, including
	// events trimmed out of the in-memory buffer.
	TotalEvents int `json:"totalEvents"`
}

// SessionSummary is the listing shape returned by the store and sent to
// viewers in active_sessions. EventCount and ErrorCount are aggregates, not
// the event payloads themselves.
type SessionSummary struct {
	SessionID  string          `json:"sessionId"`
	UserID     string          `json:"userId"`
	Metadata   json.RawMessage `json:"metadata"`
	IsActive   bool            `json:"isActive"`
	EventCount int             `json:"eventCount"`
	ErrorCount int             `json:"errorCount"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Batch is one coalesced persistence unit. A batch targets exactly one
// session; the batcher applies each batch atomically inside a single store
// transaction (session upsert, then event row, then error rows).
type Batch struct {
	SessionID string
	UserID    string
	Metadata  json.RawMessage
	IsActive  bool
	Events    []json.RawMessage
	Errors    []json.RawMessage
}

// StoreStats are the aggregate totals reported by /health and /stats.
type StoreStats struct {
	TotalSessions  int64 `json:"totalSessions"`
	ActiveSessions int64 `json:"activeSessions"`
	TotalEvents    int64 `json:"totalEvents"`
}
