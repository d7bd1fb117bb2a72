package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory EventStore with the same claim semantics as
// the Postgres repository: a fetched event is leased to the fetching
// worker and invisible to others until the lease expires or the event
// settles.
type memStore struct {
	mu       sync.Mutex
	events   map[uuid.UUID]*Event
	claims   map[uuid.UUID]claim
	order    []uuid.UUID
	dlq      []DLQEntry
	fetchErr error
	dlqErr   error
}

type claim struct {
	by    string
	until time.Time
}

func newMemStore() *memStore {
	return &memStore{
		events: make(map[uuid.UUID]*Event),
		claims: make(map[uuid.UUID]claim),
	}
}

func (s *memStore) add(ev Event) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.Status = StatusQueued
	s.events[ev.ID] = &ev
	s.order = append(s.order, ev.ID)
	return ev.ID
}

func (s *memStore) get(id uuid.UUID) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return Event{}, false
	}
	return *ev, true
}

func (s *memStore) FetchDue(ctx context.Context, workerID string, limit int, lease time.Duration, now time.Time) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}

	var due []Event
	for _, id := range s.order {
		ev, ok := s.events[id]
		if !ok || ev.Status != StatusQueued {
			continue
		}
		if ev.NextAttemptAt != nil && ev.NextAttemptAt.After(now) {
			continue
		}
		if c, held := s.claims[id]; held && !c.until.Before(now) {
			continue
		}
		s.claims[id] = claim{by: workerID, until: now.Add(lease)}
		due = append(due, *ev)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *memStore) MarkDelivered(ctx context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("event %s not found", id)
	}
	ev.Status = StatusDelivered
	ev.DeliveredAt = &now
	delete(s.claims, id)
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("event %s not found", id)
	}
	ev.Retries++
	ev.LastError = errMsg
	ev.NextAttemptAt = &nextAttemptAt
	delete(s.claims, id)
	return nil
}

func (s *memStore) MarkExhausted(ctx context.Context, id uuid.UUID, errMsg string, providerResponse json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dlqErr != nil {
		return fmt.Errorf("%w: %v", ErrDLQWrite, s.dlqErr)
	}
	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("event %s not found", id)
	}
	s.dlq = append(s.dlq, DLQEntry{
		ID:         uuid.New(),
		OriginalID: ev.ID,
		TenantID:   ev.TenantID,
		EventType:  ev.EventType,
		Channel:    ev.Channel,
		Target:     ev.Target,
		Payload:    ev.Payload,
		// The exhausting attempt itself is never written back to the
		// event row, so the snapshot counts it.
		Retries:          ev.Retries + 1,
		Error:            errMsg,
		ProviderResponse: providerResponse,
		FailedAt:         time.Now(),
	})
	delete(s.events, id)
	delete(s.claims, id)
	return nil
}

func (s *memStore) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	return nil
}

func (s *memStore) CountPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, ev := range s.events {
		if ev.Status == StatusQueued {
			count++
		}
	}
	return count, nil
}

// scriptDispatcher returns its scripted errors in order, then the last
// one forever.
type scriptDispatcher struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (d *scriptDispatcher) Dispatch(ctx context.Context, ev Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if len(d.errs) > 0 {
		if d.calls < len(d.errs) {
			err = d.errs[d.calls]
		} else {
			err = d.errs[len(d.errs)-1]
		}
	}
	d.calls++
	return err
}

func (d *scriptDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type permErr struct{ msg string }

func (e *permErr) Error() string   { return e.msg }
func (e *permErr) Permanent() bool { return true }

type confErr struct{ msg string }

func (e *confErr) Error() string     { return e.msg }
func (e *confErr) ConfigError() bool { return true }

func newTestWorker(store EventStore, dispatcher Dispatcher, cfg Config, clock clockwork.Clock) *Worker {
	return NewWorker(store, dispatcher, cfg, clock, zerolog.Nop())
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.BackoffBase = 30 * time.Second
	cfg.BackoffMax = time.Hour
	return cfg
}

func TestWorkerDeliversEvent(t *testing.T) {
	store := newMemStore()
	id := store.add(Event{EventType: "ping", Payload: json.RawMessage(`{"hello":"world"}`), Channel: "webhook"})

	clock := clockwork.NewFakeClock()
	dispatcher := &scriptDispatcher{}
	w := newTestWorker(store, dispatcher, testConfig(), clock)

	require.NoError(t, w.RunOnce(context.Background()))

	ev, ok := store.get(id)
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, ev.Status)
	assert.NotNil(t, ev.DeliveredAt)
	assert.Equal(t, 0, ev.Retries)
	assert.Equal(t, 1, dispatcher.callCount())
}

func TestWorkerRetriesAfterTransientFailure(t *testing.T) {
	store := newMemStore()
	id := store.add(Event{EventType: "ping", Payload: json.RawMessage(`{"hello":"world"}`), Channel: "webhook"})

	clock := clockwork.NewFakeClock()
	dispatcher := &scriptDispatcher{errs: []error{errors.New("connection refused"), nil}}
	w := newTestWorker(store, dispatcher, testConfig(), clock)

	// First attempt fails: retry bookkeeping updated exactly once.
	require.NoError(t, w.RunOnce(context.Background()))
	ev, ok := store.get(id)
	require.True(t, ok)
	assert.Equal(t, StatusQueued, ev.Status)
	assert.Equal(t, 1, ev.Retries)
	assert.Equal(t, "connection refused", ev.LastError)
	require.NotNil(t, ev.NextAttemptAt)
	assert.True(t, ev.NextAttemptAt.After(clock.Now()))

	// Not due yet: nothing dispatched.
	require.NoError(t, w.RunOnce(context.Background()))
	assert.Equal(t, 1, dispatcher.callCount())

	// After the backoff the second attempt succeeds.
	clock.Advance(2 * time.Minute)
	require.NoError(t, w.RunOnce(context.Background()))

	ev, ok = store.get(id)
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, ev.Status)
	assert.Equal(t, 1, ev.Retries)
	assert.Equal(t, 2, dispatcher.callCount())
	assert.Empty(t, store.dlq)
}

func TestWorkerExhaustsToDLQ(t *testing.T) {
	store := newMemStore()
	tenantID := uuid.New()
	id := store.add(Event{
		TenantID:  &tenantID,
		EventType: "billing.expiry.reminder",
		Channel:   "email",
		Target:    "owner@example.com",
		Payload:   json.RawMessage(`{"expires_at":"2026-09-01"}`),
	})

	cfg := testConfig()
	clock := clockwork.NewFakeClock()
	dispatcher := &scriptDispatcher{errs: []error{errors.New("smtp unavailable")}}
	w := newTestWorker(store, dispatcher, cfg, clock)

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		require.NoError(t, w.RunOnce(context.Background()))
		clock.Advance(2 * time.Hour)
	}

	// Attempted exactly MaxRetries times, then dead-lettered.
	assert.Equal(t, cfg.MaxRetries, dispatcher.callCount())
	_, ok := store.get(id)
	assert.False(t, ok, "exhausted event should be removed from the outbox")

	require.Len(t, store.dlq, 1)
	entry := store.dlq[0]
	assert.Equal(t, id, entry.OriginalID)
	assert.Equal(t, &tenantID, entry.TenantID)
	assert.Equal(t, "billing.expiry.reminder", entry.EventType)
	assert.Equal(t, "email", entry.Channel)
	assert.Equal(t, "owner@example.com", entry.Target)
	assert.JSONEq(t, `{"expires_at":"2026-09-01"}`, string(entry.Payload))
	assert.Equal(t, cfg.MaxRetries, entry.Retries, "snapshot records every attempt, the final one included")
	assert.NotEmpty(t, entry.Error)
	assert.False(t, entry.FailedAt.IsZero())

	// Never fetched as queued again.
	require.NoError(t, w.RunOnce(context.Background()))
	assert.Equal(t, cfg.MaxRetries, dispatcher.callCount())
}

func TestWorkerPermanentFailureSkipsRetries(t *testing.T) {
	store := newMemStore()
	id := store.add(Event{EventType: "order.receipt", Channel: "webhook", Target: "not-a-url", Payload: json.RawMessage(`{}`)})

	clock := clockwork.NewFakeClock()
	dispatcher := &scriptDispatcher{errs: []error{&permErr{msg: "bad recipient"}}}
	w := newTestWorker(store, dispatcher, testConfig(), clock)

	require.NoError(t, w.RunOnce(context.Background()))

	assert.Equal(t, 1, dispatcher.callCount())
	_, ok := store.get(id)
	assert.False(t, ok)
	require.Len(t, store.dlq, 1)
	assert.Equal(t, "bad recipient", store.dlq[0].Error)
	assert.Equal(t, 1, store.dlq[0].Retries, "first-attempt permanent failure is one attempt")
}

func TestWorkerConfigErrorIsRetryable(t *testing.T) {
	store := newMemStore()
	id := store.add(Event{EventType: "ping", Channel: "slack", Payload: json.RawMessage(`{}`)})

	clock := clockwork.NewFakeClock()
	dispatcher := &scriptDispatcher{errs: []error{&confErr{msg: "missing SLACK_WEBHOOK_URL"}}}
	w := newTestWorker(store, dispatcher, testConfig(), clock)

	require.NoError(t, w.RunOnce(context.Background()))

	ev, ok := store.get(id)
	require.True(t, ok, "configuration failures must not dead-letter immediately")
	assert.Equal(t, StatusQueued, ev.Status)
	assert.Equal(t, 1, ev.Retries)
	assert.Empty(t, store.dlq)
}

func TestWorkerStoreErrorAbortsCycle(t *testing.T) {
	store := newMemStore()
	id := store.add(Event{EventType: "ping", Channel: "webhook", Payload: json.RawMessage(`{}`)})
	store.fetchErr = errors.New("database unavailable")

	clock := clockwork.NewFakeClock()
	dispatcher := &scriptDispatcher{}
	w := newTestWorker(store, dispatcher, testConfig(), clock)

	err := w.RunOnce(context.Background())
	require.Error(t, err)

	// Nothing dispatched, no retry bookkeeping mutated.
	assert.Equal(t, 0, dispatcher.callCount())
	ev, ok := store.get(id)
	require.True(t, ok)
	assert.Equal(t, 0, ev.Retries)
}

func TestWorkerDLQWriteFailureEscalates(t *testing.T) {
	store := newMemStore()
	store.add(Event{EventType: "ping", Channel: "webhook", Payload: json.RawMessage(`{}`)})
	store.dlqErr = errors.New("disk full")

	clock := clockwork.NewFakeClock()
	dispatcher := &scriptDispatcher{errs: []error{&permErr{msg: "rejected"}}}
	w := newTestWorker(store, dispatcher, testConfig(), clock)

	err := w.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDLQWrite))
}

func TestWorkerBackoffGrowsAcrossAttempts(t *testing.T) {
	store := newMemStore()
	id := store.add(Event{EventType: "ping", Channel: "webhook", Payload: json.RawMessage(`{}`)})

	cfg := testConfig()
	cfg.MaxRetries = 5
	clock := clockwork.NewFakeClock()
	dispatcher := &scriptDispatcher{errs: []error{errors.New("timeout")}}
	w := newTestWorker(store, dispatcher, cfg, clock)

	var delays []time.Duration
	for attempt := 0; attempt < 3; attempt++ {
		before := clock.Now()
		require.NoError(t, w.RunOnce(context.Background()))
		ev, ok := store.get(id)
		require.True(t, ok)
		require.NotNil(t, ev.NextAttemptAt)
		delays = append(delays, ev.NextAttemptAt.Sub(before))
		clock.Advance(2 * time.Hour)
	}

	assert.GreaterOrEqual(t, delays[1], delays[0])
	assert.GreaterOrEqual(t, delays[2], delays[1])
}

func TestFetchDueClaimsAreExclusive(t *testing.T) {
	store := newMemStore()
	a := store.add(Event{EventType: "ping", Channel: "webhook", Payload: json.RawMessage(`{}`)})
	b := store.add(Event{EventType: "ping", Channel: "webhook", Payload: json.RawMessage(`{}`)})
	c := store.add(Event{EventType: "ping", Channel: "webhook", Payload: json.RawMessage(`{}`)})

	now := time.Now()
	lease := 2 * time.Minute

	first, err := store.FetchDue(context.Background(), "worker-a", 2, lease, now)
	require.NoError(t, err)
	second, err := store.FetchDue(context.Background(), "worker-b", 10, lease, now)
	require.NoError(t, err)

	require.Len(t, first, 2)
	require.Len(t, second, 1)
	assert.Equal(t, []uuid.UUID{a, b}, []uuid.UUID{first[0].ID, first[1].ID})
	assert.Equal(t, c, second[0].ID)

	// Everything due is claimed; a third fetch sees nothing.
	third, err := store.FetchDue(context.Background(), "worker-c", 10, lease, now)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestFetchDueLeaseExpiryMakesEventEligible(t *testing.T) {
	store := newMemStore()
	id := store.add(Event{EventType: "ping", Channel: "webhook", Payload: json.RawMessage(`{}`)})

	now := time.Now()
	lease := 2 * time.Minute

	claimed, err := store.FetchDue(context.Background(), "worker-a", 10, lease, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Within the lease the event stays invisible to other workers.
	during, err := store.FetchDue(context.Background(), "worker-b", 10, lease, now.Add(lease-time.Second))
	require.NoError(t, err)
	assert.Empty(t, during)

	// A crashed worker never settles its claim; past the lease another
	// worker picks the event up.
	after, err := store.FetchDue(context.Background(), "worker-b", 10, lease, now.Add(lease+time.Second))
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, id, after[0].ID)
}

func TestWorkerRecordsMetrics(t *testing.T) {
	store := newMemStore()
	store.add(Event{EventType: "ping", Channel: "webhook", Payload: json.RawMessage(`{}`)})

	clock := clockwork.NewFakeClock()
	metrics := NewInMemoryMetrics()
	dispatcher := NewMetricDispatcher(&scriptDispatcher{errs: []error{&permErr{msg: "rejected"}}}, metrics)
	w := newTestWorker(store, dispatcher, testConfig(), clock).WithMetrics(metrics)

	require.NoError(t, w.RunOnce(context.Background()))

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.Attempts)
	assert.Equal(t, uint64(1), snap.Failures)
	assert.Equal(t, uint64(1), snap.DeadLettered)
	assert.Equal(t, 1, snap.LastBatch)
	assert.Equal(t, 0, snap.Lag, "the only event was dead-lettered")
}

func TestWorkerStartStop(t *testing.T) {
	store := newMemStore()
	clock := clockwork.NewFakeClock()
	w := newTestWorker(store, &scriptDispatcher{}, testConfig(), clock)

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.Running())
	assert.Error(t, w.Start(context.Background()), "double start must fail")

	require.NoError(t, w.Stop())
	assert.False(t, w.Running())
	assert.Error(t, w.Stop(), "double stop must fail")
}
