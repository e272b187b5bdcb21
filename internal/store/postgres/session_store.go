package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/replay/internal/models"
	"github.com/wolfeidau/replay/internal/store"
)

// execer covers both pgxpool.Pool and pgx.Tx so the write helpers can run
// standalone or inside the batcher's transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SessionStore implements store.SessionStore on PostgreSQL. Session metadata,
// events and error records are stored as JSONB and never interpreted.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a PostgreSQL-backed session store sharing the given
// connection pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// UpsertSession creates or updates the session row. Idempotent by session_id.
func (s *SessionStore) UpsertSession(ctx context.Context, batch *models.Batch) error {
	return s.upsertSession(ctx, s.pool, batch)
}

func (s *SessionStore) upsertSession(ctx context.Context, db execer, batch *models.Batch) error {
	query := `
		INSERT INTO sessions (session_id, user_id, metadata, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			metadata = EXCLUDED.metadata,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`

	metadata := batch.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	_, err := db.Exec(ctx, query, batch.SessionID, batch.UserID, metadata, batch.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", mapPostgresError(err))
	}
	return nil
}

// AppendEventsRow writes one batch row. Rows retain intra-batch order.
func (s *SessionStore) AppendEventsRow(ctx context.Context, sessionID string, events []json.RawMessage) error {
	return s.appendEventsRow(ctx, s.pool, sessionID, events)
}

func (s *SessionStore) appendEventsRow(ctx context.Context, db execer, sessionID string, events []json.RawMessage) error {
	if len(events) == 0 {
		return nil
	}

	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	query := `
		INSERT INTO session_events (session_id, events, event_count, created_at)
		VALUES ($1, $2, $3, NOW())
	`
	if _, err := db.Exec(ctx, query, sessionID, payload, len(events)); err != nil {
		return fmt.Errorf("failed to append events row: %w", mapPostgresError(err))
	}
	return nil
}

// AppendErrors writes one row per error record.
func (s *SessionStore) AppendErrors(ctx context.Context, sessionID string, errs []json.RawMessage) error {
	return s.appendErrors(ctx, s.pool, sessionID, errs)
}

func (s *SessionStore) appendErrors(ctx context.Context, db execer, sessionID string, errs []json.RawMessage) error {
	query := `
		INSERT INTO session_errors (session_id, error_data, created_at)
		VALUES ($1, $2, NOW())
	`
	for _, e := range errs {
		if _, err := db.Exec(ctx, query, sessionID, []byte(e)); err != nil {
			return fmt.Errorf("failed to append error row: %w", mapPostgresError(err))
		}
	}
	return nil
}

// ApplyBatches applies the batches in order inside one transaction. On any
// error the transaction rolls back and nothing is committed, which lets the
// batcher re-queue the drained entries without corrupting state.
func (s *SessionStore) ApplyBatches(ctx context.Context, batches []*models.Batch) error {
	if len(batches) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	for _, b := range batches {
		if err := s.upsertSession(ctx, tx, b); err != nil {
			return err
		}
		if err := s.appendEventsRow(ctx, tx, b.SessionID, b.Events); err != nil {
			return err
		}
		if err := s.appendErrors(ctx, tx, b.SessionID, b.Errors); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batches: %w", mapPostgresError(err))
	}

	log.Debug().Int("batches", len(batches)).Msg("Applied batches")
	return nil
}

// GetSession returns the session row with counts joined in.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*models.SessionSummary, error) {
	query := sessionSummarySelect + ` WHERE s.session_id = $1`

	row := s.pool.QueryRow(ctx, query, sessionID)
	summary, err := scanSessionSummary(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", mapPostgresError(err))
	}
	return summary, nil
}

// GetSessionEvents reads the session's batch rows in created_at order,
// concatenates their event arrays and returns the slice
// [fromIndex, fromIndex+limit). Batch rows hold variable counts, so
// event-level pagination requires this read-then-slice approach. An unknown
// session or an offset past the end yields an empty page.
func (s *SessionStore) GetSessionEvents(ctx context.Context, sessionID string, fromIndex, limit int) (*store.EventsPage, error) {
	query := `
		SELECT events
		FROM session_events
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var all []json.RawMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan events row: %w", mapPostgresError(err))
		}

		var events []json.RawMessage
		if err := json.Unmarshal(payload, &events); err != nil {
			return nil, fmt.Errorf("failed to unmarshal events row: %w", err)
		}
		all = append(all, events...)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	page := &store.EventsPage{Events: []json.RawMessage{}, Total: len(all)}
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

const sessionSummarySelect = `
	SELECT
		s.session_id, s.user_id, s.metadata, s.is_active, s.created_at, s.updated_at,
		COALESCE(e.event_count, 0) AS event_count,
		COALESCE(er.error_count, 0) AS error_count
	FROM sessions s
	LEFT JOIN (
		SELECT session_id, SUM(event_count) AS event_count
		FROM session_events GROUP BY session_id
	) e USING (session_id)
	LEFT JOIN (
		SELECT session_id, COUNT(*) AS error_count
		FROM session_errors GROUP BY session_id
	) er USING (session_id)
`

func scanSessionSummary(row pgx.Row) (*models.SessionSummary, error) {
	var (
		summary    models.SessionSummary
		metadata   []byte
		eventCount int64
		errorCount int64
	)
	err := row.Scan(
		&summary.SessionID,
		&summary.UserID,
		&metadata,
		&summary.IsActive,
		&summary.CreatedAt,
		&summary.UpdatedAt,
		&eventCount,
		&errorCount,
	)
	if err != nil {
		return nil, err
	}
	summary.Metadata = metadata
	summary.EventCount = int(eventCount)
	summary.ErrorCount = int(errorCount)
	return &summary, nil
}

// GetActiveSessions lists active sessions, newest activity first.
func (s *SessionStore) GetActiveSessions(ctx context.Context) ([]*models.SessionSummary, error) {
	query := sessionSummarySelect + `
		WHERE s.is_active
		ORDER BY s.updated_at DESC
	`
	return s.querySummaries(ctx, query)
}

// GetAllSessions lists every session with pagination, newest activity first.
func (s *SessionStore) GetAllSessions(ctx context.Context, limit, offset int) ([]*models.SessionSummary, error) {
	query := sessionSummarySelect + `
		ORDER BY s.updated_at DESC
		LIMIT $1 OFFSET $2
	`
	return s.querySummaries(ctx, query, limit, offset)
}

func (s *SessionStore) querySummaries(ctx context.Context, query string, args ...any) ([]*models.SessionSummary, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", mapPostgresError(err))
	}
	defer rows.Close()

	summaries := []*models.SessionSummary{}
	for rows.Next() {
		summary, err := scanSessionSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", mapPostgresError(err))
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}
	return summaries, nil
}

// GetStats returns totals of sessions, active sessions and persisted events.
func (s *SessionStore) GetStats(ctx context.Context) (*models.StoreStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE is_active),
			(SELECT COALESCE(SUM(event_count), 0) FROM session_events)
	`

	var stats models.StoreStats
	err := s.pool.QueryRow(ctx, query).Scan(&stats.TotalSessions, &stats.ActiveSessions, &stats.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", mapPostgresError(err))
	}
	return &stats, nil
}

// CleanupOldSessions deletes inactive sessions older than maxAge. Event and
// error rows are removed by the FK cascades.
func (s *SessionStore) CleanupOldSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	query := `
		DELETE FROM sessions
		WHERE is_active = FALSE AND updated_at < $1
	`

	result, err := s.pool.Exec(ctx, query, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup sessions: %w", mapPostgresError(err))
	}

	count := int(result.RowsAffected())
	if count > 0 {
		log.Info().Int("count", count).Dur("max_age", maxAge).Msg("Deleted aged sessions")
	}
	return count, nil
}

// Ping verifies database connectivity.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the underlying connection pool.
func (s *SessionStore) Close() {
	s.pool.Close()
}
