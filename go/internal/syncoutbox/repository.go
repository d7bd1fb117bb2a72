package syncoutbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plateful/opsrelay/go/internal/outbox"
	"github.com/plateful/opsrelay/go/internal/sqlutil"
)

// Repository persists sync outbox events in Postgres.
type Repository struct {
	db outbox.DBTX
}

func NewRepository(db outbox.DBTX) *Repository {
	return &Repository{db: db}
}

// WithTx binds the repository to a business transaction.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx}
}

// Insert appends a sync event in the caller's unit of work.
func (r *Repository) Insert(ctx context.Context, tenantID uuid.UUID, eventType string, payload json.RawMessage) (uuid.UUID, error) {
	if eventType == "" {
		return uuid.Nil, fmt.Errorf("event type cannot be empty")
	}
	if len(payload) == 0 {
		return uuid.Nil, fmt.Errorf("event payload cannot be empty")
	}

	id := uuid.New()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_outbox (id, tenant_id, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		id, tenantID, eventType, []byte(payload),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert sync outbox event: %w", err)
	}
	return id, nil
}

// FetchUnsent claims up to limit due unsent events for workerID,
// oldest first.
func (r *Repository) FetchUnsent(ctx context.Context, workerID string, limit int, lease time.Duration, now time.Time) ([]SyncEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE sync_outbox SET claimed_by = $1, claimed_until = $2
		WHERE id IN (
			SELECT id FROM sync_outbox
			WHERE sent_at IS NULL
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
			  AND (claimed_until IS NULL OR claimed_until < $3)
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, event_type, payload, retries, last_error, next_attempt_at, created_at, sent_at`,
		workerID, now.Add(lease), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent sync events: %w", err)
	}
	defer rows.Close()

	var events []SyncEvent
	for rows.Next() {
		var (
			ev      SyncEvent
			payload []byte
			next    sql.NullTime
			sent    sql.NullTime
		)
		err := rows.Scan(&ev.ID, &ev.TenantID, &ev.EventType, &payload, &ev.Retries, &ev.LastError, &next, &ev.CreatedAt, &sent)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.NextAttemptAt = sqlutil.FromSqlTime(next)
		ev.SentAt = sqlutil.FromSqlTime(sent)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync events: %w", err)
	}
	return events, nil
}

// MarkSent records a successful publish and releases the claim.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_outbox
		SET sent_at = $2, claimed_by = NULL, claimed_until = NULL
		WHERE id = $1`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("failed to mark sync event %s sent: %w", id, err)
	}
	return nil
}

// MarkFailed bumps the retry count and reschedules. Sync events retry
// forever with capped backoff.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt time.Time) error {
	if len(errMsg) > 1000 {
		errMsg = errMsg[:1000]
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_outbox
		SET retries = retries + 1, last_error = $2, next_attempt_at = $3,
		    claimed_by = NULL, claimed_until = NULL
		WHERE id = $1`,
		id, errMsg, nextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark sync event %s failed: %w", id, err)
	}
	return nil
}

// CountUnsent reports backlog size for health checks.
func (r *Repository) CountUnsent(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_outbox WHERE sent_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsent sync events: %w", err)
	}
	return count, nil
}
