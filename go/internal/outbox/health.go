package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
)

type HealthStatus struct {
	Healthy           bool
	LastEventTime     time.Time
	EventsProcessed   uint64
	PendingEvents     int
	DatabaseConnected bool
	NATSConnected     bool
	WorkerActive      bool
	Errors            []string
}

type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// WorkerHealthChecker inspects the worker, its database and the optional
// NATS connection used by the sync publisher.
type WorkerHealthChecker struct {
	worker    *Worker
	db        *sql.DB
	store     *Store
	natsConn  *nats.Conn      // nil when the deployment has no cloud sync
	threshold time.Duration   // How long without events before unhealthy
}

func NewWorkerHealthChecker(worker *Worker, db *sql.DB, store *Store, natsConn *nats.Conn, threshold time.Duration) *WorkerHealthChecker {
	return &WorkerHealthChecker{
		worker:    worker,
		db:        db,
		store:     store,
		natsConn:  natsConn,
		threshold: threshold,
	}
}

func (h *WorkerHealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	processed, lastTime := h.worker.Stats()
	status.EventsProcessed = processed
	status.LastEventTime = lastTime

	if err := h.db.PingContext(ctx); err != nil {
		status.DatabaseConnected = false
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
	} else {
		status.DatabaseConnected = true
	}

	if h.natsConn != nil {
		status.NATSConnected = h.natsConn.IsConnected()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	status.WorkerActive = h.worker.Running()
	if !status.WorkerActive {
		status.Healthy = false
		status.Errors = append(status.Errors, "worker not active")
	}

	if status.DatabaseConnected {
		pending, err := h.store.CountPending(ctx)
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("failed to count pending events: %v", err))
		} else {
			status.PendingEvents = pending
			if pending > 1000 {
				status.Errors = append(status.Errors, fmt.Sprintf("high pending event count: %d", pending))
			}
		}
	}

	// Stale only counts against health while there is work waiting.
	if status.PendingEvents > 0 && !status.LastEventTime.IsZero() {
		timeSinceLastEvent := time.Since(status.LastEventTime)
		if timeSinceLastEvent > h.threshold {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("no events processed for %s", timeSinceLastEvent))
		}
	}

	return status
}

// HTTP handler helper
func (h *WorkerHealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	response := map[string]interface{}{
		"healthy":            status.Healthy,
		"events_processed":   status.EventsProcessed,
		"pending_events":     status.PendingEvents,
		"last_event_time":    status.LastEventTime,
		"database_connected": status.DatabaseConnected,
		"nats_connected":     status.NATSConnected,
		"worker_active":      status.WorkerActive,
		"errors":             status.Errors,
	}

	w.Header().Set("Content-Type", "application/json")

	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}

// Metrics exporter for Prometheus
type PrometheusExporter struct {
	checker HealthChecker
	metrics MetricsSnapshotter // nil when no collector is wired
}

func NewPrometheusExporter(checker HealthChecker, metrics MetricsSnapshotter) *PrometheusExporter {
	return &PrometheusExporter{checker: checker, metrics: metrics}
}

func (e *PrometheusExporter) Export(ctx context.Context) string {
	status := e.checker.Check(ctx)

	healthy := 0
	if status.Healthy {
		healthy = 1
	}

	dbConnected := 0
	if status.DatabaseConnected {
		dbConnected = 1
	}

	natsConnected := 0
	if status.NATSConnected {
		natsConnected = 1
	}

	workerActive := 0
	if status.WorkerActive {
		workerActive = 1
	}

	out := fmt.Sprintf(`# HELP outbox_healthy Whether the outbox system is healthy
# TYPE outbox_healthy gauge
outbox_healthy %d

# HELP outbox_events_processed_total Total number of events processed
# TYPE outbox_events_processed_total counter
outbox_events_processed_total %d

# HELP outbox_pending_events Current number of pending events
# TYPE outbox_pending_events gauge
outbox_pending_events %d

# HELP outbox_database_connected Whether database is connected
# TYPE outbox_database_connected gauge
outbox_database_connected %d

# HELP outbox_nats_connected Whether NATS is connected
# TYPE outbox_nats_connected gauge
outbox_nats_connected %d

# HELP outbox_worker_active Whether the polling worker is active
# TYPE outbox_worker_active gauge
outbox_worker_active %d

# HELP outbox_last_event_timestamp Unix timestamp of last processed event
# TYPE outbox_last_event_timestamp gauge
outbox_last_event_timestamp %d
`,
		healthy,
		status.EventsProcessed,
		status.PendingEvents,
		dbConnected,
		natsConnected,
		workerActive,
		status.LastEventTime.Unix(),
	)

	if e.metrics != nil {
		snap := e.metrics.Snapshot()
		out += fmt.Sprintf(`
# HELP outbox_dispatch_attempts_total Total dispatch attempts
# TYPE outbox_dispatch_attempts_total counter
outbox_dispatch_attempts_total %d

# HELP outbox_dispatch_failures_total Total failed dispatch attempts
# TYPE outbox_dispatch_failures_total counter
outbox_dispatch_failures_total %d

# HELP outbox_dead_lettered_total Total events moved to the dead-letter queue
# TYPE outbox_dead_lettered_total counter
outbox_dead_lettered_total %d

# HELP outbox_lag_events Queued events observed after the last cycle
# TYPE outbox_lag_events gauge
outbox_lag_events %d

# HELP outbox_last_batch_size Events claimed in the last cycle
# TYPE outbox_last_batch_size gauge
outbox_last_batch_size %d
`,
			snap.Attempts,
			snap.Failures,
			snap.DeadLettered,
			snap.Lag,
			snap.LastBatch,
		)
	}

	return out
}
