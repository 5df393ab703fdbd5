package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector provides Prometheus metrics collection for engine operations
type MetricsCollector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	storageCount      *prometheus.GaugeVec
	cacheTotal        *prometheus.CounterVec
	quotaDecisions    *prometheus.CounterVec
	registry          *prometheus.Registry
}

var _ Collector = (*MetricsCollector)(nil)

// NewCollector creates a new Prometheus metrics collector on a private registry.
func NewCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gorevise_operations_total",
			Help: "Total number of engine operations by type and status",
		},
		[]string{"operation", "status"},
	)

	operationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gorevise_operation_duration_seconds",
			Help:    "Duration of engine operations by type and stage",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation", "stage"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gorevise_errors_total",
			Help: "Total number of errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	storageCount := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gorevise_storage_count",
			Help: "Current count of stored knowledge points by state",
		},
		[]string{"type"},
	)

	cacheTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gorevise_cache_events_total",
			Help: "Cache hits, misses and invalidations by category",
		},
		[]string{"category", "result"},
	)

	quotaDecisions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gorevise_quota_decisions_total",
			Help: "Daily quota decisions for new knowledge points by category",
		},
		[]string{"category", "decision"},
	)

	registry.MustRegister(operationsTotal)
	registry.MustRegister(operationDuration)
	registry.MustRegister(errorsTotal)
	registry.MustRegister(storageCount)
	registry.MustRegister(cacheTotal)
	registry.MustRegister(quotaDecisions)

	return &MetricsCollector{
		operationsTotal:   operationsTotal,
		operationDuration: operationDuration,
		errorsTotal:       errorsTotal,
		storageCount:      storageCount,
		cacheTotal:        cacheTotal,
		quotaDecisions:    quotaDecisions,
		registry:          registry,
	}
}

// RecordOperation records the completion of an operation and its total duration
func (m *MetricsCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation, "total").Observe(float64(durationMs) / 1000.0)
}

// RecordStage records the duration of a specific stage within an operation
func (m *MetricsCollector) RecordStage(ctx context.Context, operation string, stage string, durationMs int64) {
	m.operationDuration.WithLabelValues(operation, stage).Observe(float64(durationMs) / 1000.0)
}

// RecordError records an error occurrence
func (m *MetricsCollector) RecordError(ctx context.Context, operation string, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetStorageCount sets the current count for a storage type
func (m *MetricsCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {
	m.storageCount.WithLabelValues(storageType).Set(float64(count))
}

// RecordCache counts a cache event for a category
func (m *MetricsCollector) RecordCache(ctx context.Context, category string, result string) {
	m.cacheTotal.WithLabelValues(category, result).Inc()
}

// RecordQuotaDecision counts an admission decision
func (m *MetricsCollector) RecordQuotaDecision(ctx context.Context, category string, decision string) {
	m.quotaDecisions.WithLabelValues(category, decision).Inc()
}

// Registry returns the Prometheus registry for HTTP exposure
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}
