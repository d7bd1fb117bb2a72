package syncoutbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/plateful/opsrelay/go/internal/outbox"
)

type Config struct {
	PollInterval  time.Duration
	BatchLimit    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	LeaseDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  10 * time.Second,
		BatchLimit:    100,
		BackoffBase:   30 * time.Second,
		BackoffMax:    time.Hour,
		LeaseDuration: 2 * time.Minute,
	}
}

// EventSource is what the worker needs from persistence.
type EventSource interface {
	FetchUnsent(ctx context.Context, workerID string, limit int, lease time.Duration, now time.Time) ([]SyncEvent, error)
	MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt time.Time) error
}

// Worker drains the sync outbox into the cloud stream. Claim before
// publish, like the notification worker; failures retry forever with
// capped backoff since the stream dedups redeliveries.
type Worker struct {
	source    EventSource
	publisher Publisher
	config    Config
	backoff   outbox.Backoff
	clock     clockwork.Clock
	logger    zerolog.Logger
	workerID  string

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(source EventSource, publisher Publisher, cfg Config, clock clockwork.Clock, logger zerolog.Logger) *Worker {
	return &Worker{
		source:    source,
		publisher: publisher,
		config:    cfg,
		backoff:   outbox.NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		clock:     clock,
		logger:    logger,
		workerID:  fmt.Sprintf("sync-worker-%s", uuid.New().String()[:8]),
		stopChan:  make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("sync worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info().
		Str("worker_id", w.workerID).
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_limit", w.config.BatchLimit).
		Msg("sync worker started")

	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("sync worker not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	w.logger.Info().Str("worker_id", w.workerID).Msg("sync worker stopped")
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	if err := w.RunOnce(ctx); err != nil {
		w.logger.Error().Err(err).Msg("sync cycle failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.Chan():
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("sync cycle failed")
			}
		}
	}
}

// RunOnce executes one fetch-publish-settle cycle.
func (w *Worker) RunOnce(ctx context.Context) error {
	now := w.clock.Now()

	events, err := w.source.FetchUnsent(ctx, w.workerID, w.config.BatchLimit, w.config.LeaseDuration, now)
	if err != nil {
		return fmt.Errorf("failed to fetch unsent sync events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	sent := 0
	for _, ev := range events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.publisher.Publish(ctx, ev); err != nil {
			retries := ev.Retries + 1
			next := w.clock.Now().Add(w.backoff.Delay(retries))
			if markErr := w.source.MarkFailed(ctx, ev.ID, err.Error(), next); markErr != nil {
				w.logger.Error().Err(markErr).
					Str("event_id", ev.ID.String()).
					Msg("failed to record sync failure")
				continue
			}
			w.logger.Warn().Err(err).
				Str("event_id", ev.ID.String()).
				Str("event_type", ev.EventType).
				Int("retries", retries).
				Time("next_attempt_at", next).
				Msg("sync publish failed, retry scheduled")
			continue
		}

		if err := w.source.MarkSent(ctx, ev.ID, w.clock.Now()); err != nil {
			w.logger.Error().Err(err).
				Str("event_id", ev.ID.String()).
				Msg("failed to mark sync event sent")
			continue
		}
		sent++
	}

	w.logger.Info().
		Int("total", len(events)).
		Int("sent", sent).
		Msg("processed sync batch")

	return nil
}
