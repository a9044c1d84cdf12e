package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the ingestion and query paths.
var (
	// ErrValidation marks input that is rejected immediately and never retried.
	ErrValidation = errors.New("validation error")

	// ErrTransient marks provider failures (timeouts, rate limits, 5xx) that
	// are retried with backoff before being escalated.
	ErrTransient = errors.New("transient provider error")

	// ErrUnsupportedFormat is returned when a document container cannot be opened.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrCorruptPage is attached to a page whose content stream could not be read.
	ErrCorruptPage = errors.New("corrupt page")

	// ErrNoExtractableText is returned when every page of a document is empty.
	ErrNoExtractableText = errors.New("document has no extractable text")

	// ErrNotReady is returned by vector stores that are in a transitional state.
	ErrNotReady = errors.New("vector store not ready")

	// ErrCancelled is returned when an ingestion is cancelled between batches.
	ErrCancelled = errors.New("ingestion cancelled")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientError wraps a retryable failure from an external call.
type TransientError struct {
	Op         string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s: transient failure (HTTP %d): %v", e.Op, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: transient failure (HTTP %d)", e.Op, e.Status)
	default:
		return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
	}
}

func (e *TransientError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransient}
	}
	return []error{ErrTransient, e.Err}
}

// PartialFailureError reports that some units of a stage failed.
type PartialFailureError struct {
	Stage  Stage
	Failed int
	Total  int
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s: %d of %d units failed (%.0f%%)", e.Stage, e.Failed, e.Total, e.Ratio()*100)
}

// Ratio returns the failed fraction, or 0 when Total is zero.
func (e *PartialFailureError) Ratio() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Failed) / float64(e.Total)
}

// IngestionFailedError is terminal for a document.
type IngestionFailedError struct {
	DocumentID string
	Stage      Stage
	Attempts   int
	Err        error
}

func (e *IngestionFailedError) Error() string {
	return fmt.Sprintf("ingestion of %s failed during %s (attempt %d): %v", e.DocumentID, e.Stage, e.Attempts, e.Err)
}

func (e *IngestionFailedError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
