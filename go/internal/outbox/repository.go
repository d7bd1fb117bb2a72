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

// DBTX is satisfied by *sql.DB and *sql.Tx, so repository methods can
// run standalone or inside a caller's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository persists outbox events in Postgres.
type Repository struct {
	db DBTX
}

func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

// WithTx returns a Repository bound to tx. Enqueue through the bound
// repository is atomic with the caller's business mutation.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx}
}

// EnqueueParams describes a new outbox event. Channel and Target may be
// empty, in which case the dispatcher infers them from the event type.
type EnqueueParams struct {
	TenantID  *uuid.UUID
	EventType string
	Payload   json.RawMessage
	Channel   string
	Target    string
}

// Enqueue appends a queued event and returns its generated id.
func (r *Repository) Enqueue(ctx context.Context, params EnqueueParams) (uuid.UUID, error) {
	if params.EventType == "" {
		return uuid.Nil, fmt.Errorf("event type cannot be empty")
	}
	if len(params.Payload) == 0 {
		return uuid.Nil, fmt.Errorf("event payload cannot be empty")
	}

	id := uuid.New()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_outbox (id, tenant_id, event_type, channel, target, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, sqlutil.ToNullUUID(params.TenantID), params.EventType, params.Channel, params.Target, []byte(params.Payload), StatusQueued,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return id, nil
}

// FetchDue claims up to limit due events for workerID and returns them
// oldest first. A claimed row is invisible to other workers until its
// lease expires, so dispatch never races across replicas.
func (r *Repository) FetchDue(ctx context.Context, workerID string, limit int, lease time.Duration, now time.Time) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE notification_outbox SET claimed_by = $1, claimed_until = $2
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE status = $3
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $4)
			  AND (claimed_until IS NULL OR claimed_until < $4)
			ORDER BY created_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, event_type, channel, target, payload, status, retries, next_attempt_at, last_error, created_at, delivered_at`,
		workerID, now.Add(lease), StatusQueued, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due outbox events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due outbox events: %w", err)
	}
	return events, nil
}

// MarkDelivered records a successful dispatch and releases the claim.
func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = $2, delivered_at = $3, claimed_by = NULL, claimed_until = NULL
		WHERE id = $1`,
		id, StatusDelivered, now,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %s delivered: %w", id, err)
	}
	return nil
}

// MarkFailed bumps the retry count, records the error and schedules the
// next attempt. The claim is released so any worker can pick it up once
// nextAttemptAt passes.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET retries = retries + 1, last_error = $2, next_attempt_at = $3,
		    claimed_by = NULL, claimed_until = NULL
		WHERE id = $1`,
		id, truncateError(errMsg), nextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %s failed: %w", id, err)
	}
	return nil
}

// ReleaseClaim makes an event eligible again without touching retry
// bookkeeping. Used when a cycle is interrupted before dispatch.
func (r *Repository) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET claimed_by = NULL, claimed_until = NULL
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to release claim on outbox event %s: %w", id, err)
	}
	return nil
}

// CountPending returns the number of queued events, delivered or not yet
// due included. Feeds the health check's lag gauge.
func (r *Repository) CountPending(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_outbox WHERE status = $1`, StatusQueued,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	return count, nil
}

// FetchByID returns a single queued event, e.g. for the NOTIFY wake-up path.
func (r *Repository) FetchByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, event_type, channel, target, payload, status, retries, next_attempt_at, last_error, created_at, delivered_at
		FROM notification_outbox
		WHERE id = $1 AND status = $2`,
		id, StatusQueued,
	)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("outbox event not found or already delivered")
		}
		return nil, fmt.Errorf("failed to fetch outbox event by id: %w", err)
	}
	return &ev, nil
}

// insertDLQ appends the dead-letter snapshot of ev. Only called inside
// the MarkExhausted transaction.
func (r *Repository) insertDLQ(ctx context.Context, ev Event, errMsg string, providerResponse json.RawMessage) (uuid.UUID, error) {
	resp := pqtype.NullRawMessage{RawMessage: providerResponse, Valid: len(providerResponse) > 0}
	id := uuid.New()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_dlq (id, original_id, tenant_id, event_type, channel, target, payload, retries, error, provider_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, ev.ID, sqlutil.ToNullUUID(ev.TenantID), ev.EventType, ev.Channel, ev.Target, []byte(ev.Payload), ev.Retries, truncateError(errMsg), resp,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert DLQ entry for event %s: %w", ev.ID, err)
	}
	return id, nil
}

// fetchForExhaust locks the event row so the snapshot and delete are
// consistent within the MarkExhausted transaction.
func (r *Repository) fetchForExhaust(ctx context.Context, id uuid.UUID) (*Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, event_type, channel, target, payload, status, retries, next_attempt_at, last_error, created_at, delivered_at
		FROM notification_outbox
		WHERE id = $1
		FOR UPDATE`,
		id,
	)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to lock outbox event %s for exhaustion: %w", id, err)
	}
	return &ev, nil
}

func (r *Repository) deleteEvent(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM notification_outbox WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete outbox event %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		ev        Event
		tenantID  uuid.NullUUID
		payload   []byte
		next      sql.NullTime
		delivered sql.NullTime
	)
	err := row.Scan(&ev.ID, &tenantID, &ev.EventType, &ev.Channel, &ev.Target, &payload,
		&ev.Status, &ev.Retries, &next, &ev.LastError, &ev.CreatedAt, &delivered)
	if err != nil {
		return Event{}, err
	}
	ev.TenantID = sqlutil.FromNullUUID(tenantID)
	ev.Payload = json.RawMessage(payload)
	ev.NextAttemptAt = sqlutil.FromSqlTime(next)
	ev.DeliveredAt = sqlutil.FromSqlTime(delivered)
	return ev, nil
}
