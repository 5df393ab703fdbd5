// Package metrics exposes engine instrumentation through a small Collector
// interface with a Prometheus-backed and a no-op implementation.
package metrics

import "context"

// Cache lookup results.
const (
	CacheHit          = "hit"
	CacheMiss         = "miss"
	CacheInvalidation = "invalidation"
)

// Quota decisions.
const (
	QuotaAdmitted = "admitted"
	QuotaDeferred = "deferred"
	QuotaExempt   = "exempt"
)

// Collector is the interface for metrics collection.
// Implementations include the Prometheus-backed MetricsCollector and the
// no-op collector used when metrics are not wired.
type Collector interface {
	RecordOperation(ctx context.Context, operation string, status string, durationMs int64)
	RecordStage(ctx context.Context, operation string, stage string, durationMs int64)
	RecordError(ctx context.Context, operation string, errorType string)
	SetStorageCount(ctx context.Context, storageType string, count int64)
	RecordCache(ctx context.Context, category string, result string)
	RecordQuotaDecision(ctx context.Context, category string, decision string)
}
