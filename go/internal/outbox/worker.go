package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Dispatcher attempts delivery of one event, exactly one external call
// per invocation. Retrying is the worker's job, not the dispatcher's.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// EventStore is what the worker needs from persistence.
type EventStore interface {
	FetchDue(ctx context.Context, workerID string, limit int, lease time.Duration, now time.Time) ([]Event, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt time.Time) error
	MarkExhausted(ctx context.Context, id uuid.UUID, errMsg string, providerResponse json.RawMessage) error
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
	CountPending(ctx context.Context) (int, error)
}

// permanenter is implemented by dispatch errors that identify a failure
// as not worth retrying (bad recipient, provider rejected the payload).
type permanenter interface {
	Permanent() bool
}

// responseCarrier is implemented by dispatch errors that captured the
// provider's response body, preserved on the DLQ entry for triage.
type responseCarrier interface {
	ProviderResponse() json.RawMessage
}

// configErr is implemented by dispatch errors caused by missing
// credentials. Retryable, but surfaced loudly so a bad deploy does not
// silently burn all retries.
type configErr interface {
	ConfigError() bool
}

// Worker polls the outbox for due events and dispatches them.
// Claim before dispatch, never dispatch before claim.
type Worker struct {
	store      EventStore
	dispatcher Dispatcher
	config     Config
	backoff    Backoff
	clock      clockwork.Clock
	logger     zerolog.Logger
	metrics    MetricsCollector
	workerID   string

	mu            sync.Mutex
	running       bool
	stopChan      chan struct{}
	wg            sync.WaitGroup
	processed     uint64
	lastEventTime time.Time
}

func NewWorker(store EventStore, dispatcher Dispatcher, cfg Config, clock clockwork.Clock, logger zerolog.Logger) *Worker {
	return &Worker{
		store:      store,
		dispatcher: dispatcher,
		config:     cfg,
		backoff:    NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		clock:      clock,
		logger:     logger,
		metrics:    &NoOpMetricsCollector{},
		workerID:   fmt.Sprintf("outbox-worker-%s", uuid.New().String()[:8]),
		stopChan:   make(chan struct{}),
	}
}

// WithMetrics replaces the no-op collector. Call before Start.
func (w *Worker) WithMetrics(m MetricsCollector) *Worker {
	w.metrics = m
	return w
}

// Start launches the polling loop. Use RunOnce instead for cron-style
// invocation.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info().
		Str("worker_id", w.workerID).
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_limit", w.config.BatchLimit).
		Int("max_retries", w.config.MaxRetries).
		Msg("outbox worker started")

	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	w.logger.Info().Str("worker_id", w.workerID).Msg("outbox worker stopped")
	return nil
}

// Stats reports events processed and the time of the last processed
// event, for health checks.
func (w *Worker) Stats() (uint64, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed, w.lastEventTime
}

// Running reports whether the polling loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Process immediately on start
	if err := w.RunOnce(ctx); err != nil {
		w.logger.Error().Err(err).Msg("outbox cycle failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.Chan():
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("outbox cycle failed")
			}
		}
	}
}

// Wake triggers an immediate cycle, used by the LISTEN/NOTIFY listener.
func (w *Worker) Wake(ctx context.Context) {
	if err := w.RunOnce(ctx); err != nil {
		w.logger.Error().Err(err).Msg("outbox cycle failed after wake")
	}
}

// RunOnce executes a single fetch-dispatch-settle cycle. A store error
// during the fetch aborts the cycle with no event state mutated.
func (w *Worker) RunOnce(ctx context.Context) error {
	now := w.clock.Now()

	events, err := w.store.FetchDue(ctx, w.workerID, w.config.BatchLimit, w.config.LeaseDuration, now)
	if err != nil {
		return fmt.Errorf("failed to fetch due events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	w.logger.Debug().Int("count", len(events)).Msg("processing outbox batch")

	settled := 0
	for i, ev := range events {
		select {
		case <-ctx.Done():
			// Interrupted between events: release the untouched claims so
			// another worker can pick them up before the lease expires.
			w.releaseRemaining(events[i:])
			return ctx.Err()
		default:
		}

		if err := w.processEvent(ctx, ev); err != nil {
			if errors.Is(err, ErrDLQWrite) {
				// An event would otherwise vanish without a trace.
				w.logger.Error().Err(err).
					Str("event_id", ev.ID.String()).
					Bool("alert", true).
					Msg("dead-letter write failed")
				return err
			}
			w.logger.Error().Err(err).
				Str("event_id", ev.ID.String()).
				Str("event_type", ev.EventType).
				Msg("failed to settle event state")
			continue
		}
		settled++
	}

	w.mu.Lock()
	w.processed += uint64(len(events))
	w.lastEventTime = w.clock.Now()
	w.mu.Unlock()

	w.metrics.RecordBatchProcessed(len(events), w.clock.Since(now))
	if pending, err := w.store.CountPending(ctx); err == nil {
		w.metrics.RecordOutboxLag(pending)
	}

	w.logger.Info().
		Int("total", len(events)).
		Int("settled", settled).
		Msg("processed outbox batch")

	return nil
}

// processEvent dispatches one claimed event and settles its state
// exactly once: delivered, rescheduled, or dead-lettered.
func (w *Worker) processEvent(ctx context.Context, ev Event) error {
	dctx, cancel := context.WithTimeout(ctx, w.config.DispatchTimeout)
	dispatchErr := w.dispatcher.Dispatch(dctx, ev)
	cancel()

	if dispatchErr == nil {
		if err := w.store.MarkDelivered(ctx, ev.ID, w.clock.Now()); err != nil {
			return err
		}
		w.logger.Debug().
			Str("event_id", ev.ID.String()).
			Str("event_type", ev.EventType).
			Msg("event delivered")
		return nil
	}

	return w.settle(ctx, ev, dispatchErr)
}

// settle applies the retry policy after a failed dispatch attempt.
func (w *Worker) settle(ctx context.Context, ev Event, dispatchErr error) error {
	retries := ev.Retries + 1

	var ce configErr
	if errors.As(dispatchErr, &ce) && ce.ConfigError() {
		w.logger.Error().Err(dispatchErr).
			Str("event_id", ev.ID.String()).
			Str("channel", ev.Channel).
			Bool("alert", true).
			Msg("dispatch failed due to missing configuration")
	}

	var pe permanenter
	permanent := errors.As(dispatchErr, &pe) && pe.Permanent()

	if permanent || retries >= w.config.MaxRetries {
		var resp json.RawMessage
		var rc responseCarrier
		if errors.As(dispatchErr, &rc) {
			resp = rc.ProviderResponse()
		}
		if err := w.store.MarkExhausted(ctx, ev.ID, dispatchErr.Error(), resp); err != nil {
			return err
		}
		w.metrics.RecordDeadLettered(ev.EventType)
		w.logger.Warn().
			Str("event_id", ev.ID.String()).
			Str("event_type", ev.EventType).
			Int("retries", retries).
			Bool("permanent", permanent).
			Msg("event moved to dead-letter queue")
		return nil
	}

	next := w.clock.Now().Add(w.backoff.Delay(retries))
	if err := w.store.MarkFailed(ctx, ev.ID, dispatchErr.Error(), next); err != nil {
		return err
	}
	w.logger.Warn().Err(dispatchErr).
		Str("event_id", ev.ID.String()).
		Str("event_type", ev.EventType).
		Int("retries", retries).
		Time("next_attempt_at", next).
		Msg("dispatch failed, retry scheduled")
	return nil
}

func (w *Worker) releaseRemaining(events []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ev := range events {
		if err := w.store.ReleaseClaim(ctx, ev.ID); err != nil {
			w.logger.Error().Err(err).
				Str("event_id", ev.ID.String()).
				Msg("failed to release claim during shutdown")
		}
	}
}
