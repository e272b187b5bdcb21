package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/replay/internal/models"
	"github.com/wolfeidau/replay/internal/registry"
	"github.com/wolfeidau/replay/internal/store"
	"github.com/wolfeidau/replay/internal/telemetry"
	"github.com/wolfeidau/replay/internal/wire"
)

// Config holds the hub's tunables.
type Config struct {
	// HeartbeatInterval is the sweep and ping cadence.
	HeartbeatInterval time.Duration

	// ClientTimeout is how stale a client's heartbeat may be before the
	// sweep closes it.
	ClientTimeout time.Duration

	// EventsPageSize is the page length for get_session_events replies.
	EventsPageSize int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = 60 * time.Second
	}
	if c.EventsPageSize <= 0 {
		c.EventsPageSize = 100
	}
}

// Hub terminates tracker and viewer connections, routes inbound frames into
// the registry, and fans registry domain events back out to viewers filtered
// by their watched sets. It is the registry's wire-side subscriber.
type Hub struct {
	cfg      Config
	registry *registry.Registry
	store    store.SessionStore

	mu      sync.RWMutex
	clients map[*client]struct{}

	done chan struct{}
	wg   sync.WaitGroup

	upgrader websocket.Upgrader
}

// New creates a hub and subscribes it to the registry's domain events.
func New(cfg Config, reg *registry.Registry, st store.SessionStore) *Hub {
	cfg.applyDefaults()
	h := &Hub{
		cfg:      cfg,
		registry: reg,
		store:    st,
		clients:  make(map[*client]struct{}),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			// Trackers embed in arbitrary third-party pages; transport
			// security and access control sit in front of the relay.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	reg.Subscribe(h)
	return h
}

// Start launches the heartbeat sweep.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.heartbeatLoop()
	}()
}

// Shutdown closes every connection and stops the sweep.
func (h *Hub) Shutdown() {
	close(h.done)

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeWithReason("Server shutting down")
	}
	h.wg.Wait()
}

// ClientCounts reports connected totals by role.
func (h *Hub) ClientCounts() (total, trackers, viewers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		total++
		if c.role == RoleTracker {
			trackers++
		} else {
			viewers++
		}
	}
	return total, trackers, viewers
}

// HandleWS upgrades the HTTP request and runs the connection until it closes.
// The type query parameter classifies the client; anything but viewer is a
// tracker.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	role := RoleTracker
	if r.URL.Query().Get("type") == string(RoleViewer) {
		role = RoleViewer
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), conn, role, h.cfg.HeartbeatInterval)
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	telemetry.GetMetrics().ConnectedClients.Add(context.Background(), 1)
	log.Info().Str("client_id", c.id).Str("role", string(role)).Str("remote", r.RemoteAddr).Msg("Client connected")

	// Viewers get the live snapshot immediately.
	if role == RoleViewer {
		h.sendTo(c, wire.MsgActiveSessions, wire.ActiveSessions{Sessions: h.registry.ActiveSessions()})
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.readLoop(c)
	}()
}

// readLoop reads framed messages until the transport closes, then runs the
// disconnect path. Errors at message boundaries stay on the connection as
// protocol error replies.
func (h *Hub) readLoop(c *client) {
	defer h.disconnect(c)

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()

		msg, err := wire.Decode(frame)
		if err != nil {
			h.sendError(c, "malformed message: "+err.Error())
			continue
		}

		switch c.role {
		case RoleTracker:
			h.dispatchTracker(c, msg)
		case RoleViewer:
			h.dispatchViewer(c, msg)
		}
	}
}

// disconnect removes the client and, for a tracker that owns a session, ends
// it so viewers observe session_ended even without an explicit frame.
func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if !present {
		return
	}

	c.closeSend()
	telemetry.GetMetrics().ConnectedClients.Add(context.Background(), -1)
	log.Info().Str("client_id", c.id).Str("role", string(c.role)).Msg("Client disconnected")

	if c.role == RoleTracker && c.sessionID != "" {
		if err := h.registry.End(c.sessionID); err != nil && !errors.Is(err, registry.ErrUnknownSession) {
			log.Warn().Err(err).Str("session_id", c.sessionID).Msg("Failed to end session on disconnect")
		}
	}
}

// heartbeatLoop closes clients whose heartbeat is older than the timeout.
// Pings ride on each connection's writer; pongs and inbound frames refresh
// the stamp.
func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case now := <-ticker.C:
			h.mu.RLock()
			var stale []*client
			for c := range h.clients {
				if c.heartbeatAge(now) > h.cfg.ClientTimeout {
					stale = append(stale, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range stale {
				telemetry.GetMetrics().HeartbeatTimeoutsTotal.Add(context.Background(), 1)
				log.Warn().Str("client_id", c.id).Str("role", string(c.role)).Msg("Heartbeat timeout")
				c.closeWithReason("Heartbeat timeout")
			}
		}
	}
}

// --- registry.Subscriber ---

// SessionStarted broadcasts session_started to every viewer.
func (h *Hub) SessionStarted(summary *models.SessionSummary) {
	h.broadcastViewers(wire.MsgSessionStarted, wire.SessionStarted{
		SessionID: summary.SessionID,
		UserID:    summary.UserID,
		Metadata:  summary.Metadata,
	})
}

// SessionEnded broadcasts session_ended to every viewer.
func (h *Hub) SessionEnded(sessionID string) {
	h.broadcastViewers(wire.MsgSessionEnded, wire.SessionEnded{SessionID: sessionID})
}

// EventsAdded fans the new events out to viewers watching the session.
func (h *Hub) EventsAdded(sessionID string, events []json.RawMessage) {
	n := h.broadcastWatchers(sessionID, wire.MsgEventsBatch, wire.SessionEventsBroadcast{
		SessionID: sessionID,
		Events:    events,
	})
	if n > 0 {
		telemetry.GetMetrics().EventsBroadcastTotal.Add(context.Background(), int64(n*len(events)))
	}
}

// ErrorAdded rebroadcasts a recorded error to watchers under its original
// inbound type.
func (h *Hub) ErrorAdded(sessionID, kind string, data json.RawMessage) {
	h.broadcastWatchers(sessionID, wire.MessageType(kind), wire.SessionSignal{
		SessionID: sessionID,
		Data:      data,
	})
}

// --- dispatch ---

func (h *Hub) dispatchTracker(c *client, msg *wire.Message) {
	switch msg.Type {
	case wire.MsgSessionStart:
		var p wire.SessionStart
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			h.sendError(c, "invalid session_start payload")
			return
		}
		// A tracker owns one session at a time; a fresh start supersedes
		// the previous one.
		if c.sessionID != "" && c.sessionID != p.SessionID {
			_ = h.registry.End(c.sessionID)
		}
		assigned, reassigned := h.registry.Create(c.id, p.SessionID, p.UserID, msg.Data)
		c.sessionID = assigned
		if reassigned {
			h.sendTo(c, wire.MsgSessionAssigned, wire.SessionAssigned{SessionID: assigned})
		}

	case wire.MsgEventsBatch:
		if c.sessionID == "" {
			h.sendError(c, "no session started")
			return
		}
		var p wire.EventsBatch
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			h.sendError(c, "invalid events_batch payload")
			return
		}
		if err := h.registry.AppendEvents(c.sessionID, p.Events); err != nil {
			h.sendError(c, err.Error())
		}

	case wire.MsgSessionEnd:
		if c.sessionID == "" {
			h.sendError(c, "no session started")
			return
		}
		if err := h.registry.End(c.sessionID); err != nil {
			h.sendError(c, err.Error())
		}
		c.sessionID = ""

	case wire.MsgHeartbeat:
		if c.sessionID != "" {
			_ = h.registry.Heartbeat(c.sessionID)
		}

	case wire.MsgError, wire.MsgJavascriptError, wire.MsgPromiseRejection:
		if c.sessionID == "" {
			return
		}
		if err := h.registry.AppendError(c.sessionID, string(msg.Type), msg.Data); err != nil {
			h.sendError(c, err.Error())
		}

	case wire.MsgVisibilityChange:
		// Broadcast-only; not recorded.
		if c.sessionID == "" {
			return
		}
		h.broadcastWatchers(c.sessionID, wire.MsgVisibilityChange, wire.SessionSignal{
			SessionID: c.sessionID,
			Data:      msg.Data,
		})

	case wire.MsgGetActiveSessions, wire.MsgViewerJoinSession, wire.MsgViewerLeaveSession, wire.MsgGetSessionEvents:
		h.sendError(c, "viewer-only message: "+string(msg.Type))

	default:
		log.Debug().Str("type", string(msg.Type)).Str("client_id", c.id).Msg("Unknown message type dropped")
	}
}

func (h *Hub) dispatchViewer(c *client, msg *wire.Message) {
	switch msg.Type {
	case wire.MsgGetActiveSessions:
		h.sendTo(c, wire.MsgActiveSessions, wire.ActiveSessions{Sessions: h.registry.ActiveSessions()})

	case wire.MsgViewerJoinSession:
		var p wire.SessionRef
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.SessionID == "" {
			h.sendError(c, "invalid viewer_join_session payload")
			return
		}
		h.joinSession(c, p.SessionID)

	case wire.MsgViewerLeaveSession:
		var p wire.SessionRef
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.SessionID == "" {
			h.sendError(c, "invalid viewer_leave_session payload")
			return
		}
		c.unwatch(p.SessionID)

	case wire.MsgGetSessionEvents:
		var p wire.GetSessionEvents
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.SessionID == "" {
			h.sendError(c, "invalid get_session_events payload")
			return
		}
		h.sendEventsPage(c, p.SessionID, p.FromIndex)

	case wire.MsgHeartbeat:
		// touch already happened in the read loop

	case wire.MsgSessionStart, wire.MsgEventsBatch, wire.MsgSessionEnd,
		wire.MsgError, wire.MsgJavascriptError, wire.MsgPromiseRejection, wire.MsgVisibilityChange:
		h.sendError(c, "tracker-only message: "+string(msg.Type))

	default:
		log.Debug().Str("type", string(msg.Type)).Str("client_id", c.id).Msg("Unknown message type dropped")
	}
}

// joinSession adds the session to the viewer's watched set and acknowledges
// with metadata and totals but no events; the viewer pages those via
// get_session_events. Sessions absent from memory are looked up in the store
// so history can be replayed after eviction.
func (h *Hub) joinSession(c *client, sessionID string) {
	summary, ok := h.registry.Summary(sessionID)
	if !ok {
		var err error
		summary, err = h.store.GetSession(context.Background(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				h.sendError(c, "unknown session: "+sessionID)
			} else {
				log.Error().Err(err).Str("session_id", sessionID).Msg("Session lookup failed")
				h.sendError(c, "session lookup failed")
			}
			return
		}
	}

	c.watch(sessionID)
	h.sendTo(c, wire.MsgSessionJoined, wire.SessionJoined{
		SessionID:   sessionID,
		Events:      []json.RawMessage{},
		Metadata:    summary.Metadata,
		TotalEvents: summary.EventCount,
		IsActive:    summary.IsActive,
	})
}

// sendEventsPage replies with one page of the session's stream. The page
// comes from the in-memory buffer while it still holds the full stream;
// once trimming or eviction makes the buffer partial, the store's
// event-level pagination takes over.
func (h *Hub) sendEventsPage(c *client, sessionID string, fromIndex int) {
	events, buffered, total, live := h.registry.GetEvents(sessionID, fromIndex, h.cfg.EventsPageSize)
	if !live || buffered < total {
		page, err := h.store.GetSessionEvents(context.Background(), sessionID, fromIndex, h.cfg.EventsPageSize)
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("Event page read failed")
			h.sendError(c, "event query failed")
			return
		}
		events, total = page.Events, page.Total
	}

	h.sendTo(c, wire.MsgSessionEvents, wire.SessionEvents{
		SessionID:   sessionID,
		Events:      events,
		FromIndex:   fromIndex,
		TotalEvents: total,
		HasMore:     fromIndex+len(events) < total,
	})
}

// --- outbound ---

func (h *Hub) sendError(c *client, message string) {
	h.sendTo(c, wire.MsgError, wire.ErrorReply{Message: message})
}

func (h *Hub) sendTo(c *client, t wire.MessageType, payload any) {
	frame, err := wire.Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("Encode failed")
		return
	}
	h.deliver(c, frame)
}

// broadcastViewers sends the frame to every viewer.
func (h *Hub) broadcastViewers(t wire.MessageType, payload any) {
	h.broadcast(t, payload, func(c *client) bool { return c.role == RoleViewer })
}

// broadcastWatchers sends the frame to viewers watching the session and
// returns how many received it.
func (h *Hub) broadcastWatchers(sessionID string, t wire.MessageType, payload any) int {
	return h.broadcast(t, payload, func(c *client) bool {
		return c.role == RoleViewer && c.watching(sessionID)
	})
}

// broadcast marshals once and delivers to the snapshot of matching clients,
// never holding the client map lock across network I/O.
func (h *Hub) broadcast(t wire.MessageType, payload any, match func(*client) bool) int {
	frame, err := wire.Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("Encode failed")
		return 0
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if match(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, frame)
	}
	return len(targets)
}

// deliver enqueues the frame; a client that cannot keep up is disconnected
// rather than allowed to skew per-viewer ordering by dropping frames.
func (h *Hub) deliver(c *client, frame []byte) {
	if c.enqueue(frame) {
		return
	}
	telemetry.GetMetrics().FramesDroppedTotal.Add(context.Background(), 1)
	log.Warn().Str("client_id", c.id).Str("role", string(c.role)).Msg("Client too slow, disconnecting")
	c.closeWithReason("Send queue overflow")
}
