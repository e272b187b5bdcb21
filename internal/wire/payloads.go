package wire

import (
	"encoding/json"

	"github.com/wolfeidau/replay/internal/models"
)

// SessionStart carries the identifying fields of a session_start frame. The
// remaining recorder metadata (url, userAgent, viewport, startTime, referrer,
// timeZone) is treated as opaque JSON and stored as-is, so the payload keeps a
// copy of the raw data alongside the decoded identifiers.
type SessionStart struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// EventsBatch is the tracker's unit of event delivery. Events are opaque.
type EventsBatch struct {
	Events []json.RawMessage `json:"events"`
}

// SessionRef names a session in session_end, heartbeat, viewer_join_session
// and viewer_leave_session frames.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// GetSessionEvents is a viewer's request for one page of history.
type GetSessionEvents struct {
	SessionID string `json:"sessionId"`
	FromIndex int    `json:"fromIndex"`
}

// SessionAssigned tells a tracker its chosen id was taken and which id to use
// for every subsequent frame.
type SessionAssigned struct {
	SessionID string `json:"sessionId"`
}

// ActiveSessions is the snapshot sent to viewers on connect and on request.
type ActiveSessions struct {
	Sessions []*models.SessionSummary `json:"sessions"`
}

// SessionStarted is broadcast to all viewers when a tracker opens a session.
type SessionStarted struct {
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Metadata  json.RawMessage `json:"metadata"`
}

// SessionEnded is broadcast to all viewers when a session goes inactive.
type SessionEnded struct {
	SessionID string `json:"sessionId"`
}

// SessionJoined acknowledges viewer_join_session. It carries metadata and
// totals but never the event stream; the viewer pages events separately.
type SessionJoined struct {
	SessionID   string            `json:"sessionId"`
	Events      []json.RawMessage `json:"events"`
	Metadata    json.RawMessage   `json:"metadata"`
	TotalEvents int               `json:"totalEvents"`
	IsActive    bool              `json:"isActive"`
}

// SessionEvents is one page of a session's event stream.
type SessionEvents struct {
	SessionID   string            `json:"sessionId"`
	Events      []json.RawMessage `json:"events"`
	FromIndex   int               `json:"fromIndex"`
	TotalEvents int               `json:"totalEvents"`
	HasMore     bool              `json:"hasMore"`
}

// SessionEventsBroadcast is the live delta fanned out to watching viewers.
type SessionEventsBroadcast struct {
	SessionID string            `json:"sessionId"`
	Events    []json.RawMessage `json:"events"`
}

// SessionSignal wraps an opaque tracker payload (error, javascript_error,
// promise_rejection, visibility_change) with its owning session for filtered
// broadcast to watchers. The original inbound type is preserved on the
// envelope.
type SessionSignal struct {
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

// ErrorReply is the best-effort error frame for protocol and routing faults.
type ErrorReply struct {
	Message string `json:"message"`
}
