package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/plateful/opsrelay/go/internal/sqlutil"
)

// ErrDLQWrite marks a failed dead-letter write. Losing this write would
// lose the only record of the original failure, so callers must treat it
// as fatal and alert rather than swallow it.
var ErrDLQWrite = errors.New("dead-letter write failed")

// Store is the full outbox persistence surface used by the worker. It
// owns a *sql.DB so MarkExhausted can run its snapshot-and-delete in a
// single transaction.
type Store struct {
	db   *sql.DB
	repo *Repository
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:   db,
		repo: NewRepository(db),
	}
}

// Repository exposes the DBTX-bound repository, e.g. for transactional
// enqueue alongside a business mutation.
func (s *Store) Repository() *Repository {
	return s.repo
}

func (s *Store) FetchDue(ctx context.Context, workerID string, limit int, lease time.Duration, now time.Time) ([]Event, error) {
	return s.repo.FetchDue(ctx, workerID, limit, lease, now)
}

func (s *Store) MarkDelivered(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.repo.MarkDelivered(ctx, id, now)
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt time.Time) error {
	return s.repo.MarkFailed(ctx, id, errMsg, nextAttemptAt)
}

func (s *Store) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	return s.repo.ReleaseClaim(ctx, id)
}

func (s *Store) CountPending(ctx context.Context) (int, error) {
	return s.repo.CountPending(ctx)
}

// MarkExhausted moves an event to the dead-letter queue: the DLQ snapshot
// insert and the outbox delete commit together or not at all. Any failure
// wraps ErrDLQWrite.
func (s *Store) MarkExhausted(ctx context.Context, id uuid.UUID, errMsg string, providerResponse json.RawMessage) error {
	err := sqlutil.Run(ctx, s.db, s.repo.WithTx, func(r *Repository) error {
		ev, err := r.fetchForExhaust(ctx, id)
		if err != nil {
			return err
		}
		// The attempt that exhausted the event is never written back to
		// the outbox row, so count it into the snapshot.
		ev.Retries++
		if _, err := r.insertDLQ(ctx, *ev, errMsg, providerResponse); err != nil {
			return err
		}
		return r.deleteEvent(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("%w: event %s: %v", ErrDLQWrite, id, err)
	}
	return nil
}

// ListDLQ returns dead-letter entries for operator triage, newest first,
// optionally filtered by event type and failure window.
func (s *Store) ListDLQ(ctx context.Context, filter DLQFilter) ([]DLQEntry, error) {
	query := `
		SELECT id, original_id, tenant_id, event_type, channel, target, payload, retries, error, provider_response, failed_at
		FROM notification_dlq
		WHERE ($1 = '' OR event_type = $1)
		  AND ($2::timestamptz IS NULL OR failed_at >= $2)
		  AND ($3::timestamptz IS NULL OR failed_at <= $3)
		ORDER BY failed_at DESC
		LIMIT $4`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var from, to sql.NullTime
	if !filter.From.IsZero() {
		from = sql.NullTime{Time: filter.From, Valid: true}
	}
	if !filter.To.IsZero() {
		to = sql.NullTime{Time: filter.To, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, query, filter.EventType, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ entries: %w", err)
	}
	defer rows.Close()

	var entries []DLQEntry
	for rows.Next() {
		var (
			entry    DLQEntry
			tenantID uuid.NullUUID
			payload  []byte
			resp     pqtype.NullRawMessage
		)
		err := rows.Scan(&entry.ID, &entry.OriginalID, &tenantID, &entry.EventType, &entry.Channel,
			&entry.Target, &payload, &entry.Retries, &entry.Error, &resp, &entry.FailedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan DLQ entry: %w", err)
		}
		entry.TenantID = sqlutil.FromNullUUID(tenantID)
		entry.Payload = json.RawMessage(payload)
		if resp.Valid {
			entry.ProviderResponse = json.RawMessage(resp.RawMessage)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate DLQ entries: %w", err)
	}
	return entries, nil
}
