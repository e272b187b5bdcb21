package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/replay/internal/models"
	"github.com/wolfeidau/replay/internal/store"
)

// SessionStore is an in-memory store.SessionStore used for development and
// tests. It mirrors the postgres store's semantics: event batch rows keep
// their arrival order and pagination is event-level across rows.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRow
	order    []string // session ids in insertion order, for stable pagination
}

type sessionRow struct {
	summary   models.SessionSummary
	eventRows [][]json.RawMessage
	errors    []json.RawMessage
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*sessionRow),
	}
}

func (s *SessionStore) UpsertSession(_ context.Context, batch *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(batch)
	return nil
}

func (s *SessionStore) upsertLocked(batch *models.Batch) {
	now := time.Now()
	row, ok := s.sessions[batch.SessionID]
	if !ok {
		row = &sessionRow{
			summary: models.SessionSummary{
				SessionID: batch.SessionID,
				CreatedAt: now,
			},
		}
		s.sessions[batch.SessionID] = row
		s.order = append(s.order, batch.SessionID)
	}
	row.summary.UserID = batch.UserID
	row.summary.Metadata = batch.Metadata
	row.summary.IsActive = batch.IsActive
	row.summary.UpdatedAt = now
}

func (s *SessionStore) AppendEventsRow(_ context.Context, sessionID string, events []json.RawMessage) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventsLocked(sessionID, events)
	return nil
}

func (s *SessionStore) appendEventsLocked(sessionID string, events []json.RawMessage) {
	row, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	row.eventRows = append(row.eventRows, events)
	row.summary.EventCount += len(events)
}

func (s *SessionStore) AppendErrors(_ context.Context, sessionID string, errs []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErrorsLocked(sessionID, errs)
	return nil
}

func (s *SessionStore) appendErrorsLocked(sessionID string, errs []json.RawMessage) {
	row, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	row.errors = append(row.errors, errs...)
	row.summary.ErrorCount += len(errs)
}

func (s *SessionStore) ApplyBatches(_ context.Context, batches []*models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range batches {
		s.upsertLocked(b)
		if len(b.Events) > 0 {
			s.appendEventsLocked(b.SessionID, b.Events)
		}
		if len(b.Errors) > 0 {
			s.appendErrorsLocked(b.SessionID, b.Errors)
		}
	}
	return nil
}

func (s *SessionStore) GetSession(_ context.Context, sessionID string) (*models.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	summary := row.summary
	return &summary, nil
}

func (s *SessionStore) GetSessionEvents(_ context.Context, sessionID string, fromIndex, limit int) (*store.EventsPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := &store.EventsPage{Events: []json.RawMessage{}}
	row, ok := s.sessions[sessionID]
	if !ok {
		return page, nil
	}

	var all []json.RawMessage
	for _, r := range row.eventRows {
		all = append(all, r...)
	}
	page.Total = len(all)

	if fromIndex < 0 {
		fromIndex = 0
	}
	if fromIndex >= len(all) {
		return page, nil
	}
	end := min(fromIndex+limit, len(all))
	page.Events = append(page.Events, all[fromIndex:end]...)
	return page, nil
}

func (s *SessionStore) GetActiveSessions(ctx context.Context) ([]*models.SessionSummary, error) {
	return s.list(func(r *sessionRow) bool { return r.summary.IsActive }, -1, 0), nil
}

func (s *SessionStore) GetAllSessions(_ context.Context, limit, offset int) ([]*models.SessionSummary, error) {
	return s.list(func(*sessionRow) bool { return true }, limit, offset), nil
}

func (s *SessionStore) list(keep func(*sessionRow) bool, limit, offset int) []*models.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.SessionSummary, 0, len(s.sessions))
	for _, id := range s.order {
		row := s.sessions[id]
		if !keep(row) {
			continue
		}
		summary := row.summary
		result = append(result, &summary)
	}

	// Newest activity first, matching the postgres ORDER BY updated_at DESC.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if offset > 0 {
		if offset >= len(result) {
			return []*models.SessionSummary{}
		}
		result = result[offset:]
	}
	if limit >= 0 && limit < len(result) {
		result = result[:limit]
	}
	return result
}

func (s *SessionStore) GetStats(_ context.Context) (*models.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.StoreStats{}
	for _, row := range s.sessions {
		stats.TotalSessions++
		if row.summary.IsActive {
			stats.ActiveSessions++
		}
		stats.TotalEvents += int64(row.summary.EventCount)
	}
	return stats, nil
}

func (s *SessionStore) CleanupOldSessions(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	kept := s.order[:0]
	for _, id := range s.order {
		row := s.sessions[id]
		if !row.summary.IsActive && row.summary.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return deleted, nil
}

func (s *SessionStore) Ping(context.Context) error { return nil }

func (s *SessionStore) Close() {}
