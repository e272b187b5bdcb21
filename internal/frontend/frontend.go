package frontend

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/replay/internal/batcher"
	"github.com/wolfeidau/replay/internal/hub"
	"github.com/wolfeidau/replay/internal/registry"
	"github.com/wolfeidau/replay/internal/store"
)

const (
	defaultSessionsLimit = 100
	defaultEventsLimit   = 100
	defaultCleanupHours  = 720
)

// Frontend is the HTTP query surface over the relay's in-memory and persisted
// state. It also terminates the upgrade handshake that promotes a connection
// into the hub.
type Frontend struct {
	store     store.SessionStore
	registry  *registry.Registry
	hub       *hub.Hub
	batcher   *batcher.Batcher
	version   string
	startedAt time.Time
}

// New creates the frontend. The batcher is consulted for degraded health
// reporting.
func New(st store.SessionStore, reg *registry.Registry, h *hub.Hub, b *batcher.Batcher, version string) *Frontend {
	return &Frontend{
		store:     st,
		registry:  reg,
		hub:       h,
		batcher:   b,
		version:   version,
		startedAt: time.Now(),
	}
}

// SetupRoutes registers all routes on the mux.
func (f *Frontend) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", f.handleHealth)
	mux.HandleFunc("GET /stats", f.handleStats)
	mux.HandleFunc("GET /sessions/active", f.handleActiveSessions)
	mux.HandleFunc("GET /sessions", f.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/events", f.handleSessionEvents)
	mux.HandleFunc("DELETE /sessions/cleanup", f.handleCleanup)
	mux.HandleFunc("GET /ws", f.hub.HandleWS)
	mux.HandleFunc("GET /{$}", f.handleRoot)
}

func (f *Frontend) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "session-replay-relay",
		"version": f.version,
	})
}

func (f *Frontend) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"

	stats, err := f.store.GetStats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Health stats query failed")
		status = "degraded"
		stats = nil
	}
	if err := f.store.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	if !f.batcher.Healthy() {
		status = "degraded"
	}

	sessionTotal, sessionActive := f.registry.Counts()
	clients, trackers, viewers := f.hub.ClientCounts()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(f.startedAt).Seconds(),
		"database": map[string]any{
			"totals": stats,
		},
		"sessions": map[string]any{
			"inMemory": sessionTotal,
			"active":   sessionActive,
		},
		"websockets": map[string]any{
			"clients":  clients,
			"trackers": trackers,
			"viewers":  viewers,
		},
	})
}

func (f *Frontend) handleStats(w http.ResponseWriter, r *http.Request) {
	clients, trackers, viewers := f.hub.ClientCounts()
	_, active := f.registry.Counts()

	writeJSON(w, http.StatusOK, map[string]any{
		"totalClients":   clients,
		"activeSessions": active,
		"viewers":        viewers,
		"trackers":       trackers,
		"totalEvents":    f.registry.TotalEvents(),
		"uptime":         time.Since(f.startedAt).Seconds(),
	})
}

func (f *Frontend) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := f.store.GetActiveSessions(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Active sessions query failed")
		writeError(w, http.StatusInternalServerError, "failed to query active sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (f *Frontend) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", defaultSessionsLimit)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}

	sessions, err := f.store.GetAllSessions(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Sessions query failed")
		writeError(w, http.StatusInternalServerError, "failed to query sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"limit":    limit,
		"offset":   offset,
	})
}

func (f *Frontend) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	fromIndex, ok := queryInt(w, r, "fromIndex", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", defaultEventsLimit)
	if !ok {
		return
	}

	page, err := f.store.GetSessionEvents(r.Context(), sessionID, fromIndex, limit)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Events query failed")
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"events":    page.Events,
		"fromIndex": fromIndex,
		"count":     len(page.Events),
	})
}

func (f *Frontend) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxAgeHours, ok := queryInt(w, r, "maxAgeHours", defaultCleanupHours)
	if !ok {
		return
	}
	if maxAgeHours <= 0 {
		writeError(w, http.StatusBadRequest, "maxAgeHours must be positive")
		return
	}

	deleted, err := f.store.CleanupOldSessions(r.Context(), time.Duration(maxAgeHours)*time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("Cleanup failed")
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deletedCount": deleted})
}

// queryInt parses an optional decimal query parameter, answering 400 on a
// malformed or negative value. The second return reports whether the caller
// should continue.
func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
