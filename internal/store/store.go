package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/wolfeidau/replay/internal/models"
)

// Sentinel errors returned by SessionStore implementations.
var (
	// ErrSessionNotFound is returned when a session id has no row.
	ErrSessionNotFound = errors.New("session not found")
)

// EventsPage is the result of an event-level paginated read. Batch rows hold
// variable counts, so implementations read the rows in created_at order,
// concatenate their event arrays and slice; Total is the full stream length
// at read time.
type EventsPage struct {
	Events []json.RawMessage
	Total  int
}

// SessionStore is the durable repository behind the relay. Writes arrive via
// the batcher; reads serve the HTTP query surface and viewer history paging.
type SessionStore interface {
	// UpsertSession creates or updates the session row identified by
	// batch.SessionID, refreshing metadata, is_active and updated_at.
	UpsertSession(ctx context.Context, batch *models.Batch) error

	// AppendEventsRow writes one batch row holding the given events in
	// order. A call with no events is a no-op.
	AppendEventsRow(ctx context.Context, sessionID string, events []json.RawMessage) error

	// AppendErrors writes one row per error record.
	AppendErrors(ctx context.Context, sessionID string, errs []json.RawMessage) error

	// ApplyBatches applies the given batches in order inside a single
	// transaction: for each batch the session upsert, then the event row,
	// then the error rows. On error nothing is committed.
	ApplyBatches(ctx context.Context, batches []*models.Batch) error

	// GetSession returns the session row, or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*models.SessionSummary, error)

	// GetSessionEvents returns the slice [fromIndex, fromIndex+limit) of the
	// session's full event stream. An unknown session or an offset past the
	// end yields an empty page, not an error.
	GetSessionEvents(ctx context.Context, sessionID string, fromIndex, limit int) (*EventsPage, error)

	// GetActiveSessions lists sessions with is_active = true, newest
	// activity first, with event and error counts joined in.
	GetActiveSessions(ctx context.Context) ([]*models.SessionSummary, error)

	// GetAllSessions lists every session with pagination, newest first.
	GetAllSessions(ctx context.Context, limit, offset int) ([]*models.SessionSummary, error)

	// GetStats returns aggregate totals.
	GetStats(ctx context.Context) (*models.StoreStats, error)

	// CleanupOldSessions deletes inactive sessions whose updated_at is older
	// than maxAge; event and error rows go with them. Returns the number of
	// sessions deleted.
	CleanupOldSessions(ctx context.Context, maxAge time.Duration) (int, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}
