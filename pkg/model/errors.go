package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation reports malformed input: unknown category, empty key point,
	// negative limit and similar.
	ErrValidation = errors.New("gorevise: validation failed")

	// ErrNotFound reports an unknown knowledge point id, or a correct outcome
	// for a point that was never recorded.
	ErrNotFound = errors.New("gorevise: knowledge point not found")

	// ErrQuotaExceeded is the reason attached to a pending result. It is never
	// returned as an operation error.
	ErrQuotaExceeded = errors.New("gorevise: daily quota exceeded")

	// ErrConflict reports a live fingerprint collision at the storage layer.
	ErrConflict = errors.New("gorevise: fingerprint conflict")

	// ErrBackendIO reports a physical storage failure. See BackendError.
	ErrBackendIO = errors.New("gorevise: backend i/o failure")

	// ErrConsistency reports a stored value that breaks an invariant, such as
	// mastery outside [0,1].
	ErrConsistency = errors.New("gorevise: consistency violation")

	// ErrRateLimited reports a trash sweep requested faster than allowed.
	ErrRateLimited = errors.New("gorevise: rate limited")
)

// BackendError carries the failing operation and, when known, the point id.
type BackendError struct {
	Op      string
	ID      int64
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("%s backend: %s (id %d): %v", e.Backend, e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s backend: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is makes every BackendError match ErrBackendIO.
func (e *BackendError) Is(target error) bool { return target == ErrBackendIO }

// NewBackendError wraps err unless it is nil or already a domain error.
func NewBackendError(backend, op string, id int64, err error) error {
	if err == nil {
		return nil
	}
	for _, domain := range []error{ErrValidation, ErrNotFound, ErrConflict, ErrConsistency, ErrQuotaExceeded, ErrBackendIO} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return &BackendError{Op: op, ID: id, Backend: backend, Err: err}
}

// Error type constants for classification
const (
	ErrTypeValidation  = "validation"
	ErrTypeNotFound    = "not_found"
	ErrTypeQuota       = "quota"
	ErrTypeConflict    = "conflict"
	ErrTypeBackend     = "backend"
	ErrTypeConsistency = "consistency"
	ErrTypeRateLimited = "rate_limited"
	ErrTypeTimeout     = "timeout"
	ErrTypeCanceled    = "canceled"
	ErrTypeUnknown     = "unknown"
)

// ClassifyError inspects an error and returns its type classification
// for metric labels.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTypeTimeout
	case errors.Is(err, context.Canceled):
		return ErrTypeCanceled
	case errors.Is(err, ErrValidation):
		return ErrTypeValidation
	case errors.Is(err, ErrNotFound):
		return ErrTypeNotFound
	case errors.Is(err, ErrQuotaExceeded):
		return ErrTypeQuota
	case errors.Is(err, ErrConflict):
		return ErrTypeConflict
	case errors.Is(err, ErrConsistency):
		return ErrTypeConsistency
	case errors.Is(err, ErrRateLimited):
		return ErrTypeRateLimited
	case errors.Is(err, ErrBackendIO):
		return ErrTypeBackend
	}
	return ErrTypeUnknown
}
