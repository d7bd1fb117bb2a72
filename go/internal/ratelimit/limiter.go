package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/plateful/opsrelay/go/internal/outbox"
)

// Limiter is a fixed-window counter backed by the shared_counters table.
// All worker and service replicas see the same counts, unlike a
// per-process map, so limits hold across the whole deployment.
type Limiter struct {
	db     outbox.DBTX
	limit  int64
	window time.Duration
	clock  clockwork.Clock
}

func NewLimiter(db outbox.DBTX, limit int64, window time.Duration, clock clockwork.Clock) *Limiter {
	return &Limiter{
		db:     db,
		limit:  limit,
		window: window,
		clock:  clock,
	}
}

// Allow increments the counter for key and reports whether the caller is
// within the limit for the current window. Expired rows restart at 1.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := l.Incr(ctx, key)
	if err != nil {
		return false, err
	}
	return count <= l.limit, nil
}

// Incr bumps and returns the counter for key, resetting it when the
// window has expired.
func (l *Limiter) Incr(ctx context.Context, key string) (int64, error) {
	now := l.clock.Now()
	expiresAt := now.Add(l.window)

	var count int64
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO shared_counters (key, count, expires_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN shared_counters.expires_at <= $3 THEN 1 ELSE shared_counters.count + 1 END,
			expires_at = CASE WHEN shared_counters.expires_at <= $3 THEN $2 ELSE shared_counters.expires_at END
		RETURNING count`,
		l.windowKey(key, now), expiresAt, now,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter for %s: %w", key, err)
	}
	return count, nil
}

// Sweep deletes expired counters. Run periodically; correctness does not
// depend on it since expired rows reset on next use.
func (l *Limiter) Sweep(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM shared_counters WHERE expires_at <= $1`, l.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept rows: %w", err)
	}
	return n, nil
}

// windowKey scopes a key to its fixed window so two clients hitting the
// boundary do not share a stale row.
func (l *Limiter) windowKey(key string, now time.Time) string {
	return fmt.Sprintf("%s:%d", key, now.UnixNano()/int64(l.window))
}
