// Package retry provides the single retry policy used for every external
// call: embedding batches, vector store operations, generation and page reads.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/kalambet/techdocs/internal/pipeline"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first one.
	MaxAttempts int
	// InitialBackoff is the wait after the first failure.
	InitialBackoff time.Duration
	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration
	// Multiplier grows the backoff between attempts.
	Multiplier float64
	// Jitter is the fraction of each wait that is randomised (0..1).
	Jitter float64
	// AttemptTimeout bounds a single attempt. Zero means no per-attempt timeout.
	AttemptTimeout time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Defaults to pipeline.IsTransient.
	Retryable func(error) bool
}

// Defaults per external call type.
var (
	Embedding = Policy{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		AttemptTimeout: 60 * time.Second,
	}
	VectorStore = Policy{
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
		AttemptTimeout: 30 * time.Second,
		Retryable: func(err error) bool {
			return errors.Is(err, pipeline.ErrNotReady) || pipeline.IsTransient(err)
		},
	}
	Generation = Policy{
		MaxAttempts:    2,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
		Multiplier:     1,
		AttemptTimeout: 30 * time.Second,
	}
	PageRead = Policy{
		MaxAttempts:    1,
		AttemptTimeout: 30 * time.Second,
	}
)

// Attempts records how many times Do invoked the operation.
type Attempts struct {
	Count   int
	LastErr error
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// budget runs out, or ctx is done. The returned Attempts is always populated.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) (Attempts, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = pipeline.IsTransient
	}

	var a Attempts
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return a, err
		}
		a.Count++

		err := p.run(ctx, op)
		if err == nil {
			a.LastErr = nil
			return a, nil
		}
		a.LastErr = err

		if !retryable(err) {
			return a, err
		}
		if attempt == maxAttempts-1 {
			break
		}

		wait := p.Backoff(attempt)
		var te *pipeline.TransientError
		if errors.As(err, &te) && te.RetryAfter > wait {
			wait = te.RetryAfter
		}
		select {
		case <-ctx.Done():
			return a, ctx.Err()
		case <-time.After(wait):
		}
	}
	if maxAttempts == 1 {
		return a, a.LastErr
	}
	return a, &ExhaustedError{Attempts: a.Count, Err: a.LastErr}
}

func (p Policy) run(ctx context.Context, op func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	err := op(attemptCtx)
	// A per-attempt deadline is a timeout of the external call, not of the caller.
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !pipeline.IsTransient(err) {
		return &pipeline.TransientError{Op: "attempt", Err: err}
	}
	return err
}

// Backoff returns the wait before attempt+1 (attempt is zero-based).
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// WithAttempts returns a copy of p with MaxAttempts replaced when n > 0.
func (p Policy) WithAttempts(n int) Policy {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}

// WithTimeout returns a copy of p with AttemptTimeout replaced when d > 0.
func (p Policy) WithTimeout(d time.Duration) Policy {
	if d > 0 {
		p.AttemptTimeout = d
	}
	return p
}
