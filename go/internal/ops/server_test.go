package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateful/opsrelay/go/internal/outbox"
)

type fakeStore struct {
	entries []outbox.DLQEntry
	filter  outbox.DLQFilter
	err     error
}

func (f *fakeStore) ListDLQ(ctx context.Context, filter outbox.DLQFilter) ([]outbox.DLQEntry, error) {
	f.filter = filter
	return f.entries, f.err
}

type fakeHealth struct {
	status outbox.HealthStatus
}

func (f *fakeHealth) Check(ctx context.Context) outbox.HealthStatus {
	return f.status
}

func newTestServer(store *fakeStore, healthy bool) *Server {
	return NewServer(store, &fakeHealth{status: outbox.HealthStatus{
		Healthy:           healthy,
		DatabaseConnected: healthy,
		WorkerActive:      healthy,
		Errors:            []string{},
	}}, nil, nil)
}

func TestListDLQ(t *testing.T) {
	store := &fakeStore{entries: []outbox.DLQEntry{
		{ID: uuid.New(), EventType: "order.receipt", Error: "410 Gone"},
	}}
	srv := newTestServer(store, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dlq?event_type=order.receipt&limit=10", nil)
	srv.Handler(nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "order.receipt", store.filter.EventType)
	assert.Equal(t, 10, store.filter.Limit)

	var body struct {
		Entries []outbox.DLQEntry `json:"entries"`
		Count   int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "order.receipt", body.Entries[0].EventType)
}

func TestListDLQTimeFilter(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(store, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dlq?from=2026-08-01T00:00:00Z&to=2026-08-31T00:00:00Z", nil)
	srv.Handler(nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), store.filter.From)
	assert.Equal(t, time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), store.filter.To)
}

func TestListDLQBadTimestamp(t *testing.T) {
	srv := newTestServer(&fakeStore{}, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dlq?from=yesterday", nil)
	srv.Handler(nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDLQBadLimit(t *testing.T) {
	srv := newTestServer(&fakeStore{}, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dlq?limit=-1", nil)
	srv.Handler(nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDLQStoreError(t *testing.T) {
	srv := newTestServer(&fakeStore{err: errors.New("db down")}, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dlq", nil)
	srv.Handler(nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListDLQEmptyReturnsArray(t *testing.T) {
	srv := newTestServer(&fakeStore{}, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dlq", nil)
	srv.Handler(nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"entries":[]`)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeStore{}, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Handler(nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	srv = newTestServer(&fakeStore{}, false)
	rec = httptest.NewRecorder()
	srv.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(&fakeStore{}, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.Handler(nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "outbox_healthy 1")
	assert.Contains(t, rec.Body.String(), "outbox_worker_active 1")
}

func TestMetricsIncludeDispatchCounters(t *testing.T) {
	metrics := outbox.NewInMemoryMetrics()
	metrics.RecordDispatchAttempt("ping", false, time.Second)
	metrics.RecordDeadLettered("ping")
	metrics.RecordOutboxLag(7)
	metrics.RecordBatchProcessed(4, time.Second)

	srv := NewServer(&fakeStore{}, &fakeHealth{status: outbox.HealthStatus{Healthy: true}}, nil, metrics)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.Handler(nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "outbox_dispatch_attempts_total 1")
	assert.Contains(t, body, "outbox_dispatch_failures_total 1")
	assert.Contains(t, body, "outbox_dead_lettered_total 1")
	assert.Contains(t, body, "outbox_lag_events 7")
	assert.Contains(t, body, "outbox_last_batch_size 4")
}
