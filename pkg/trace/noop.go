package trace

import "context"

// NoopExporter discards every record.
type NoopExporter struct{}

var _ Exporter = NoopExporter{}

// Export does nothing.
func (NoopExporter) Export(ctx context.Context, record *TraceRecord) error {
	return nil
}

// Close does nothing.
func (NoopExporter) Close() error {
	return nil
}
