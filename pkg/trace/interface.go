// Package trace exports per-operation timing records.
package trace

import (
	"context"
	"time"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Exporter defines the interface for exporting operation traces.
// Implementations must be safe for concurrent use.
type Exporter interface {
	// Export writes a trace record to the configured destination.
	Export(ctx context.Context, record *TraceRecord) error

	// Close flushes any buffered records and releases resources.
	Close() error
}

// TraceRecord is one finished engine operation. It carries ids and timings
// only, never learner text.
type TraceRecord struct {
	// Timestamp is the operation start time
	Timestamp time.Time `json:"timestamp"`

	// OperationID uniquely identifies this operation (for correlation with logs)
	OperationID string `json:"operationId"`

	// Operation is the operation name: "record_outcome", "get_statistics", ...
	Operation string `json:"operation"`

	// Backend is the active storage backend
	Backend string `json:"backend,omitempty"`

	// DurationMs is the total operation duration in milliseconds
	DurationMs int64 `json:"durationMs"`

	// Status is "success" or "error"
	Status string `json:"status"`

	// Spans contains per-stage timing and status
	Spans []SpanRecord `json:"spans"`

	// ErrorType classifies the error (if Status == "error")
	ErrorType string `json:"errorType,omitempty"`

	// IDs contains operation-specific identifiers, e.g. "point_id"
	IDs map[string]int64 `json:"ids,omitempty"`
}

// OK reports whether the operation succeeded.
func (r *TraceRecord) OK() bool { return r.Status == StatusSuccess }

// SpanRecord represents a single stage within an operation.
type SpanRecord struct {
	// Name is the stage name (store, cache, invalidate, recommend)
	Name string `json:"name"`

	// DurationMs is the stage duration in milliseconds
	DurationMs int64 `json:"durationMs"`

	// OK indicates success (true) or failure (false)
	OK bool `json:"ok"`

	// ErrorType classifies the error (if OK == false)
	ErrorType string `json:"errorType,omitempty"`
}

// FileExporterOption configures a FileExporter.
type FileExporterOption func(*FileExporter)
