package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/replay/internal/models"
	"github.com/wolfeidau/replay/internal/store"
)

func rawEvents(n, offset int) []json.RawMessage {
	events := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, json.RawMessage(fmt.Sprintf(`{"k":%d}`, offset+i)))
	}
	return events
}

func TestUpsertSessionIdempotent(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()

	batch := &models.Batch{SessionID: "s1", UserID: "u1", IsActive: true}
	require.NoError(t, s.UpsertSession(ctx, batch))
	require.NoError(t, s.UpsertSession(ctx, batch))

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalSessions)
}

func TestGetSessionEventsPagination(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, &models.Batch{SessionID: "s1", IsActive: true}))

	// Three rows with variable counts: 2, 3, 1 events.
	require.NoError(t, s.AppendEventsRow(ctx, "s1", rawEvents(2, 0)))
	require.NoError(t, s.AppendEventsRow(ctx, "s1", rawEvents(3, 2)))
	require.NoError(t, s.AppendEventsRow(ctx, "s1", rawEvents(1, 5)))

	// Pagination is event-level across rows.
	page, err := s.GetSessionEvents(ctx, "s1", 1, 3)
	require.NoError(t, err)
	require.Equal(t, 6, page.Total)
	require.Len(t, page.Events, 3)
	require.JSONEq(t, `{"k":1}`, string(page.Events[0]))
	require.JSONEq(t, `{"k":3}`, string(page.Events[2]))
}

func TestGetSessionEventsPastEnd(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, &models.Batch{SessionID: "s1", IsActive: true}))
	require.NoError(t, s.AppendEventsRow(ctx, "s1", rawEvents(2, 0)))

	page, err := s.GetSessionEvents(ctx, "s1", 10, 5)
	require.NoError(t, err)
	require.Empty(t, page.Events)
	require.Equal(t, 2, page.Total)
}

func TestGetSessionEventsUnknownSession(t *testing.T) {
	s := NewSessionStore()

	page, err := s.GetSessionEvents(context.Background(), "nope", 0, 10)
	require.NoError(t, err)
	require.Empty(t, page.Events)
	require.Zero(t, page.Total)
}

func TestGetActiveSessionsFilters(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, &models.Batch{SessionID: "live", IsActive: true}))
	require.NoError(t, s.UpsertSession(ctx, &models.Batch{SessionID: "done", IsActive: false}))

	active, err := s.GetActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "live", active[0].SessionID)

	all, err := s.GetAllSessions(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestGetAllSessionsPagination(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.UpsertSession(ctx, &models.Batch{SessionID: fmt.Sprintf("s%d", i), IsActive: true}))
	}

	page, err := s.GetAllSessions(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)

	past, err := s.GetAllSessions(ctx, 2, 10)
	require.NoError(t, err)
	require.Empty(t, past)
}

func TestApplyBatchesAtomicOrder(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()

	batches := []*models.Batch{
		{SessionID: "s1", UserID: "u1", IsActive: true, Events: rawEvents(2, 0)},
		{SessionID: "s1", UserID: "u1", IsActive: true, Events: rawEvents(2, 2)},
		{SessionID: "s1", UserID: "u1", IsActive: false, Errors: []json.RawMessage{json.RawMessage(`{"msg":"boom"}`)}},
	}
	require.NoError(t, s.ApplyBatches(ctx, batches))

	page, err := s.GetSessionEvents(ctx, "s1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, 4, page.Total)
	for i, e := range page.Events {
		require.JSONEq(t, fmt.Sprintf(`{"k":%d}`, i), string(e))
	}

	summary, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.False(t, summary.IsActive)
	require.Equal(t, 4, summary.EventCount)
	require.Equal(t, 1, summary.ErrorCount)
}

func TestGetSessionNotFound(t *testing.T) {
	s := NewSessionStore()

	_, err := s.GetSession(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestCleanupOldSessions(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, &models.Batch{SessionID: "old", IsActive: false}))
	require.NoError(t, s.UpsertSession(ctx, &models.Batch{SessionID: "oldactive", IsActive: true}))

	// Backdate both rows past the threshold.
	s.mu.Lock()
	s.sessions["old"].summary.UpdatedAt = time.Now().Add(-48 * time.Hour)
	s.sessions["oldactive"].summary.UpdatedAt = time.Now().Add(-48 * time.Hour)
	s.mu.Unlock()

	deleted, err := s.CleanupOldSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	// Active sessions survive regardless of age.
	_, err = s.GetSession(ctx, "oldactive")
	require.NoError(t, err)
	_, err = s.GetSession(ctx, "old")
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestStats(t *testing.T) {
	s := NewSessionStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, &models.Batch{SessionID: "s1", IsActive: true}))
	require.NoError(t, s.UpsertSession(ctx, &models.Batch{SessionID: "s2", IsActive: false}))
	require.NoError(t, s.AppendEventsRow(ctx, "s1", rawEvents(3, 0)))

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.TotalSessions)
	require.Equal(t, int64(1), stats.ActiveSessions)
	require.Equal(t, int64(3), stats.TotalEvents)
}
