package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector defines the interface for collecting outbox metrics
type MetricsCollector interface {
	RecordDispatchAttempt(eventType string, success bool, duration time.Duration)
	RecordBatchProcessed(count int, duration time.Duration)
	RecordOutboxLag(pending int)
	RecordDeadLettered(eventType string)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordDispatchAttempt(eventType string, success bool, duration time.Duration) {
}
func (n *NoOpMetricsCollector) RecordBatchProcessed(count int, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordOutboxLag(pending int)                           {}
func (n *NoOpMetricsCollector) RecordDeadLettered(eventType string)                   {}

// InMemoryMetrics keeps simple counters, enough for the health surface
// and the Prometheus text exporter.
type InMemoryMetrics struct {
	attempts     atomic.Uint64
	failures     atomic.Uint64
	deadLettered atomic.Uint64

	mu        sync.Mutex
	lag       int
	lastBatch int
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

func (m *InMemoryMetrics) RecordDispatchAttempt(eventType string, success bool, duration time.Duration) {
	m.attempts.Add(1)
	if !success {
		m.failures.Add(1)
	}
}

func (m *InMemoryMetrics) RecordBatchProcessed(count int, duration time.Duration) {
	m.mu.Lock()
	m.lastBatch = count
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordOutboxLag(pending int) {
	m.mu.Lock()
	m.lag = pending
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordDeadLettered(eventType string) {
	m.deadLettered.Add(1)
}

// MetricsSnapshot is a point-in-time view of the collected counters.
type MetricsSnapshot struct {
	Attempts     uint64
	Failures     uint64
	DeadLettered uint64
	Lag          int
	LastBatch    int
}

// MetricsSnapshotter exposes collected counters to exporters.
type MetricsSnapshotter interface {
	Snapshot() MetricsSnapshot
}

func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	lag, lastBatch := m.lag, m.lastBatch
	m.mu.Unlock()
	return MetricsSnapshot{
		Attempts:     m.attempts.Load(),
		Failures:     m.failures.Load(),
		DeadLettered: m.deadLettered.Load(),
		Lag:          lag,
		LastBatch:    lastBatch,
	}
}

// MetricDispatcher wraps a Dispatcher with metrics collection
type MetricDispatcher struct {
	dispatcher Dispatcher
	metrics    MetricsCollector
}

func NewMetricDispatcher(dispatcher Dispatcher, metrics MetricsCollector) *MetricDispatcher {
	return &MetricDispatcher{
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

func (d *MetricDispatcher) Dispatch(ctx context.Context, ev Event) error {
	start := time.Now()

	err := d.dispatcher.Dispatch(ctx, ev)

	duration := time.Since(start)
	d.metrics.RecordDispatchAttempt(ev.EventType, err == nil, duration)

	return err
}
