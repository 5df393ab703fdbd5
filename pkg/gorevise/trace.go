package gorevise

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dan-solli/gorevise/pkg/model"
	"github.com/dan-solli/gorevise/pkg/trace"
)

// Stage names recorded in traces.
const (
	StageStore      = "store"
	StageCache      = "cache"
	StageInvalidate = "invalidate"
	StageRecommend  = "recommend"
)

// opTrace accumulates the spans of one running operation.
type opTrace struct {
	record *trace.TraceRecord
	start  time.Time
}

func newTrace(op string) *opTrace {
	now := time.Now()
	return &opTrace{
		record: &trace.TraceRecord{
			Timestamp:   now.UTC(),
			OperationID: uuid.NewString(),
			Operation:   op,
			Spans:       make([]trace.SpanRecord, 0, 2),
		},
		start: now,
	}
}

// id attaches an identifier to the trace.
func (t *opTrace) id(name string, v int64) {
	if t.record.IDs == nil {
		t.record.IDs = make(map[string]int64, 1)
	}
	t.record.IDs[name] = v
}

type spanTimer struct {
	name  string
	start time.Time
	trace *opTrace
}

func (t *opTrace) span(name string) *spanTimer {
	return &spanTimer{name: name, start: time.Now(), trace: t}
}

func (st *spanTimer) finish(err error) {
	st.trace.record.Spans = append(st.trace.record.Spans, trace.SpanRecord{
		Name:       st.name,
		DurationMs: time.Since(st.start).Milliseconds(),
		OK:         err == nil,
		ErrorType:  model.ClassifyError(err),
	})
}

// run times fn as operation op and reports the result to metrics, the log
// and the trace exporter.
func run[T any](ctx context.Context, e *Engine, op string, fn func(tr *opTrace) (T, error)) (T, error) {
	if e.isClosed() {
		var zero T
		return zero, ErrClosed
	}
	tr := newTrace(op)
	v, err := fn(tr)
	e.report(ctx, tr, err)
	return v, err
}

func (e *Engine) report(ctx context.Context, tr *opTrace, err error) {
	rec := tr.record
	rec.Backend = e.repo.Backend()
	rec.DurationMs = time.Since(tr.start).Milliseconds()
	rec.Status = trace.StatusSuccess
	if err != nil {
		rec.Status = trace.StatusError
		rec.ErrorType = model.ClassifyError(err)
		e.metrics.RecordError(ctx, rec.Operation, rec.ErrorType)
	}
	for _, s := range rec.Spans {
		e.metrics.RecordStage(ctx, rec.Operation, s.Name, s.DurationMs)
	}
	e.metrics.RecordOperation(ctx, rec.Operation, rec.Status, rec.DurationMs)

	if err != nil {
		e.logger.Warn("operation failed",
			zap.String("operation", rec.Operation),
			zap.String("op_id", rec.OperationID),
			zap.String("error_type", rec.ErrorType),
			zap.Int64("duration_ms", rec.DurationMs),
			zap.Error(err))
	} else {
		e.logger.Debug("operation completed",
			zap.String("operation", rec.Operation),
			zap.String("op_id", rec.OperationID),
			zap.Int64("duration_ms", rec.DurationMs))
	}

	if e.exporter != nil {
		if xerr := e.exporter.Export(context.WithoutCancel(ctx), rec); xerr != nil {
			e.logger.Warn("trace export failed",
				zap.String("op_id", rec.OperationID),
				zap.Error(xerr))
		}
	}
}
