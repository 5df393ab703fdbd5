package metrics

import "context"

// NoopCollector discards every measurement.
type NoopCollector struct{}

var _ Collector = (*NoopCollector)(nil)

// NewNoopCollector creates a no-op collector
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// RecordOperation does nothing.
func (n *NoopCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
}

// RecordStage does nothing.
func (n *NoopCollector) RecordStage(ctx context.Context, operation string, stage string, durationMs int64) {
}

// RecordError does nothing.
func (n *NoopCollector) RecordError(ctx context.Context, operation string, errorType string) {
}

// SetStorageCount does nothing.
func (n *NoopCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {
}

// RecordCache does nothing.
func (n *NoopCollector) RecordCache(ctx context.Context, category string, result string) {
}

// RecordQuotaDecision does nothing.
func (n *NoopCollector) RecordQuotaDecision(ctx context.Context, category string, decision string) {
}
