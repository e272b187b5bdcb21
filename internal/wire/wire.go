package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the tagged union carried in every frame.
type MessageType string

// Tracker -> server.
const (
	MsgSessionStart     MessageType = "session_start"
	MsgEventsBatch      MessageType = "events_batch"
	MsgSessionEnd       MessageType = "session_end"
	MsgHeartbeat        MessageType = "heartbeat"
	MsgError            MessageType = "error"
	MsgJavascriptError  MessageType = "javascript_error"
	MsgPromiseRejection MessageType = "promise_rejection"
	MsgVisibilityChange MessageType = "visibility_change"
)

// Viewer -> server.
const (
	MsgGetActiveSessions  MessageType = "get_active_sessions"
	MsgViewerJoinSession  MessageType = "viewer_join_session"
	MsgViewerLeaveSession MessageType = "viewer_leave_session"
	MsgGetSessionEvents   MessageType = "get_session_events"
)

// Server -> client.
const (
	MsgSessionAssigned MessageType = "session_assigned"
	MsgActiveSessions  MessageType = "active_sessions"
	MsgSessionStarted  MessageType = "session_started"
	MsgSessionEnded    MessageType = "session_ended"
	MsgSessionJoined   MessageType = "session_joined"
	MsgSessionEvents   MessageType = "session_events"
)

// Message is the envelope shared by every frame: one JSON object per text
// frame, shaped {type, data}. Unknown envelope fields are ignored on decode,
// which also covers the legacy messages that carry extra top-level fields.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a single inbound frame. A frame without a type is a protocol
// error; a frame without data is legal (heartbeat, get_active_sessions).
func Decode(frame []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &msg, nil
}

// Encode marshals an outbound frame. Payloads are small JSON-friendly structs,
// so a marshal failure indicates a programming error and is returned as such.
func Encode(t MessageType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return json.Marshal(Message{Type: t, Data: raw})
}
