package gorevise

import (
	"context"

	"github.com/dan-solli/gorevise/pkg/knowledge"
	"github.com/dan-solli/gorevise/pkg/model"
	"github.com/dan-solli/gorevise/pkg/review"
)

// AsyncResult carries the outcome of an asynchronous call. The channel
// returned by each Async method delivers exactly one value and is then
// closed.
type AsyncResult[T any] struct {
	Value T
	Err   error
}

func async[T any](fn func() (T, error)) <-chan AsyncResult[T] {
	out := make(chan AsyncResult[T], 1)
	go func() {
		defer close(out)
		v, err := fn()
		out <- AsyncResult[T]{Value: v, Err: err}
	}()
	return out
}

// RecordOutcomeAsync is RecordOutcome on its own goroutine. It shares cache
// entries and invalidation with the synchronous call.
func (e *Engine) RecordOutcomeAsync(ctx context.Context, userID string, g model.GradedError, outcome model.Outcome) <-chan AsyncResult[knowledge.Result] {
	return async(func() (knowledge.Result, error) {
		return e.RecordOutcome(ctx, userID, g, outcome)
	})
}

// GetStatisticsAsync is GetStatistics on its own goroutine.
func (e *Engine) GetStatisticsAsync(ctx context.Context) <-chan AsyncResult[knowledge.Statistics] {
	return async(func() (knowledge.Statistics, error) {
		return e.GetStatistics(ctx)
	})
}

// GetReviewCandidatesAsync is GetReviewCandidates on its own goroutine.
func (e *Engine) GetReviewCandidatesAsync(ctx context.Context, limit int) <-chan AsyncResult[[]review.Candidate] {
	return async(func() ([]review.Candidate, error) {
		return e.GetReviewCandidates(ctx, limit)
	})
}
