package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/replay/internal/models"
	"github.com/wolfeidau/replay/internal/store"
	"github.com/wolfeidau/replay/internal/telemetry"
)

// memoryRetention is how long an inactive session stays in memory after its
// last activity before the cleanup pass evicts it. Store retention is a
// separate, operator-configured knob.
const memoryRetention = 24 * time.Hour

// ErrUnknownSession is returned when an operation names a session the
// registry does not hold.
var ErrUnknownSession = fmt.Errorf("unknown session")

// ErrSessionEnded is returned when events arrive for an inactive session.
var ErrSessionEnded = fmt.Errorf("session has ended")

// Config holds the registry's tunables.
type Config struct {
	// MaxEventsPerSession caps the in-memory event buffer. When an append
	// pushes the buffer past the cap, the head is discarded down to half
	// the cap.
	MaxEventsPerSession int

	// CleanupInterval is how often the eviction pass runs.
	CleanupInterval time.Duration

	// StoreRetention is the age handed to the store's cleanup on each pass.
	StoreRetention time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxEventsPerSession <= 0 {
		c.MaxEventsPerSession = 1000
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.StoreRetention <= 0 {
		c.StoreRetention = 30 * 24 * time.Hour
	}
}

type liveSession struct {
	mu sync.Mutex
	models.Session

	// ownerID is the hub connection that established the session. A
	// session_start for an active session from a different owner triggers
	// id reassignment.
	ownerID string
}

// Registry is the single owner of live session state. The session map is
// guarded by mu; each session carries its own lock so event appends for
// different sessions do not contend. Domain events are emitted after locks
// are released, and every mutation that changes durable state enqueues a
// batch for the write-behind pipeline.
type Registry struct {
	cfg     Config
	batcher Enqueuer

	mu       sync.RWMutex
	sessions map[string]*liveSession

	subMu sync.RWMutex
	subs  []Subscriber
}

// New creates a registry feeding the given write-behind pipeline.
func New(cfg Config, batcher Enqueuer) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:      cfg,
		batcher:  batcher,
		sessions: make(map[string]*liveSession),
	}
}

// Subscribe registers a domain-event subscriber.
func (r *Registry) Subscribe(sub Subscriber) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subs = append(r.subs, sub)
}

func (r *Registry) subscribers() []Subscriber {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	return append([]Subscriber(nil), r.subs...)
}

// mintSessionID derives a replacement id from a monotonic source plus a
// random nonce; UUIDv7 provides both.
func mintSessionID() string {
	return "sess-" + uuid.Must(uuid.NewV7()).String()
}

// Create establishes or re-activates a session for the given owner
// connection. If the requested id belongs to an active session established by
// a different owner, a fresh id is minted and returned with reassigned=true;
// the caller signals it back to the tracker via session_assigned. A start for
// an ended session re-activates it in place.
func (r *Registry) Create(ownerID, sessionID, userID string, metadata json.RawMessage) (string, bool) {
	now := time.Now()
	reassigned := false

	if sessionID == "" {
		sessionID = mintSessionID()
		reassigned = true
	}

	r.mu.Lock()
	existing, ok := r.sessions[sessionID]
	if ok {
		// IsActive and ownerID are written under the per-session lock by
		// End and takeovers, so the conflict check must hold it too. Lock
		// order map then session, as everywhere else.
		existing.mu.Lock()
		if existing.IsActive && existing.ownerID != ownerID {
			existing.mu.Unlock()
			sessionID = mintSessionID()
			ok = false
			reassigned = true
		} else {
			existing.ownerID = ownerID
			existing.UserID = userID
			existing.Metadata = metadata
			existing.IsActive = true
			existing.StartTime = now
			existing.LastActivity = now
			existing.UpdatedAt = now
			existing.mu.Unlock()
		}
	}

	if !ok {
		r.sessions[sessionID] = &liveSession{
			ownerID: ownerID,
			Session: models.Session{
				SessionID:    sessionID,
				UserID:       userID,
				Metadata:     metadata,
				IsActive:     true,
				StartTime:    now,
				LastActivity: now,
				CreatedAt:    now,
				UpdatedAt:    now,
			},
		}
		telemetry.GetMetrics().LiveSessions.Add(context.Background(), 1)
	}
	summary := r.summaryLocked(r.sessions[sessionID])
	r.mu.Unlock()

	telemetry.GetMetrics().SessionsStartedTotal.Add(context.Background(), 1)
	log.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Bool("reassigned", reassigned).
		Msg("Session started")

	r.batcher.Enqueue(&models.Batch{
		SessionID: sessionID,
		UserID:    userID,
		Metadata:  metadata,
		IsActive:  true,
	})

	for _, sub := range r.subscribers() {
		sub.SessionStarted(summary)
	}
	return sessionID, reassigned
}

// AppendEvents appends events to an active session in arrival order. When the
// buffer exceeds the cap it is trimmed to the most recent half of the cap;
// TotalEvents keeps counting through trims. The newly appended events are
// emitted to subscribers and enqueued for persistence.
func (r *Registry) AppendEvents(sessionID string, events []json.RawMessage) error {
	if len(events) == 0 {
		return nil
	}

	s, ok := r.get(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	now := time.Now()

	s.mu.Lock()
	if !s.IsActive {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.Events = append(s.Events, events...)
	s.TotalEvents += len(events)
	s.LastActivity = now
	s.UpdatedAt = now

	if len(s.Events) > r.cfg.MaxEventsPerSession {
		keep := r.cfg.MaxEventsPerSession / 2
		trimmed := len(s.Events) - keep
		s.Events = append([]json.RawMessage(nil), s.Events[len(s.Events)-keep:]...)
		telemetry.GetMetrics().EventsTrimmedTotal.Add(context.Background(), int64(trimmed))
		log.Warn().
			Str("session_id", sessionID).
			Int("trimmed", trimmed).
			Int("retained", keep).
			Msg("Event buffer over cap, head trimmed")
	}
	batch := r.batchLocked(s)
	batch.Events = events
	s.mu.Unlock()

	telemetry.GetMetrics().EventsIngestedTotal.Add(context.Background(), int64(len(events)))

	r.batcher.Enqueue(batch)
	for _, sub := range r.subscribers() {
		sub.EventsAdded(sessionID, events)
	}
	return nil
}

// AppendError records an opaque error for the session. Kind is the inbound
// wire type and travels with the emitted domain event so the hub can rewrap
// the broadcast with the original type.
func (r *Registry) AppendError(sessionID, kind string, data json.RawMessage) error {
	s, ok := r.get(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	now := time.Now()

	s.mu.Lock()
	s.Errors = append(s.Errors, data)
	s.LastActivity = now
	s.UpdatedAt = now
	batch := r.batchLocked(s)
	batch.Errors = []json.RawMessage{data}
	s.mu.Unlock()

	telemetry.GetMetrics().ErrorsIngestedTotal.Add(context.Background(), 1)

	r.batcher.Enqueue(batch)
	for _, sub := range r.subscribers() {
		sub.ErrorAdded(sessionID, kind, data)
	}
	return nil
}

// End marks the session inactive. Further events are rejected and no further
// events_batch is broadcast for the id. Ending an already-ended session is a
// no-op.
func (r *Registry) End(sessionID string) error {
	s, ok := r.get(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	s.mu.Lock()
	if !s.IsActive {
		s.mu.Unlock()
		return nil
	}
	s.IsActive = false
	s.UpdatedAt = time.Now()
	batch := r.batchLocked(s)
	s.mu.Unlock()

	log.Info().Str("session_id", sessionID).Msg("Session ended")

	r.batcher.Enqueue(batch)
	for _, sub := range r.subscribers() {
		sub.SessionEnded(sessionID)
	}
	return nil
}

// Heartbeat refreshes the session's activity stamp without emitting events.
func (r *Registry) Heartbeat(sessionID string) error {
	s, ok := r.get(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	now := time.Now()
	s.mu.Lock()
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
	s.mu.Unlock()
	return nil
}

// Summary returns a snapshot of the session's metadata and totals.
func (r *Registry) Summary(sessionID string) (*models.SessionSummary, bool) {
	s, ok := r.get(sessionID)
	if !ok {
		return nil, false
	}
	return r.summaryLocked(s), true
}

// GetEvents returns a page of the current buffer. fromIndex addresses the
// buffer, not the full stream: once trimming has occurred the two diverge and
// historical reads must go to the store. Buffered and total report the buffer
// length and the full stream length so callers can tell the difference.
func (r *Registry) GetEvents(sessionID string, fromIndex, limit int) (events []json.RawMessage, buffered, total int, ok bool) {
	s, found := r.get(sessionID)
	if !found {
		return nil, 0, 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buffered = len(s.Events)
	total = s.TotalEvents
	if fromIndex < 0 {
		fromIndex = 0
	}
	if fromIndex >= buffered {
		return []json.RawMessage{}, buffered, total, true
	}
	end := min(fromIndex+limit, buffered)
	events = append([]json.RawMessage{}, s.Events[fromIndex:end]...)
	return events, buffered, total, true
}

// ActiveSessions lists the live sessions, newest activity first. Event counts
// reflect the in-memory total received, which survives buffer trimming.
func (r *Registry) ActiveSessions() []*models.SessionSummary {
	r.mu.RLock()
	result := make([]*models.SessionSummary, 0, len(r.sessions))
	for _, s := range r.sessions {
		if summary := r.summaryLocked(s); summary.IsActive {
			result = append(result, summary)
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result
}

// Counts reports how many sessions are in memory and how many are active.
func (r *Registry) Counts() (total, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total = len(r.sessions)
	for _, s := range r.sessions {
		s.mu.Lock()
		if s.IsActive {
			active++
		}
		s.mu.Unlock()
	}
	return total, active
}

// TotalEvents sums the received-event counters across live sessions.
func (r *Registry) TotalEvents() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, s := range r.sessions {
		s.mu.Lock()
		total += int64(s.TotalEvents)
		s.mu.Unlock()
	}
	return total
}

// Run drives the periodic cleanup until the context is cancelled: inactive
// sessions past the memory retention are evicted, and the store is asked to
// drop rows older than the configured retention.
func (r *Registry) Run(ctx context.Context, st store.SessionStore) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := r.evictStale(time.Now())
			if evicted > 0 {
				log.Info().Int("count", evicted).Msg("Evicted stale sessions from memory")
			}
			if _, err := st.CleanupOldSessions(ctx, r.cfg.StoreRetention); err != nil {
				log.Error().Err(err).Msg("Store cleanup failed")
			}
		}
	}
}

// evictStale removes inactive sessions whose last activity is strictly older
// than the memory retention window.
func (r *Registry) evictStale(now time.Time) int {
	cutoff := now.Add(-memoryRetention)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, s := range r.sessions {
		s.mu.Lock()
		stale := !s.IsActive && s.LastActivity.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(r.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		telemetry.GetMetrics().SessionsEvictedTotal.Add(context.Background(), int64(evicted))
		telemetry.GetMetrics().LiveSessions.Add(context.Background(), -int64(evicted))
	}
	return evicted
}

func (r *Registry) get(sessionID string) (*liveSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// batchLocked snapshots the session's durable fields. Caller holds s.mu.
func (r *Registry) batchLocked(s *liveSession) *models.Batch {
	return &models.Batch{
		SessionID: s.SessionID,
		UserID:    s.UserID,
		Metadata:  s.Metadata,
		IsActive:  s.IsActive,
	}
}

func (r *Registry) summaryLocked(s *liveSession) *models.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &models.SessionSummary{
		SessionID:  s.SessionID,
		UserID:     s.UserID,
		Metadata:   s.Metadata,
		IsActive:   s.IsActive,
		EventCount: s.TotalEvents,
		ErrorCount: len(s.Errors),
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}
