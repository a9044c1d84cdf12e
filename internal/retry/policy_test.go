package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/techdocs/internal/pipeline"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	a, err := fastPolicy(4).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &pipeline.TransientError{Op: "embed", Status: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if a.Count != 3 {
		t.Errorf("Count = %d, want 3", a.Count)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	a, err := fastPolicy(4).Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want %v", err, permanent)
	}
	if calls != 1 || a.Count != 1 {
		t.Errorf("calls = %d, Count = %d, want 1", calls, a.Count)
	}
}

func TestDo_ExhaustsBudget(t *testing.T) {
	_, err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		return &pipeline.TransientError{Op: "embed", Status: 429}
	})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want *ExhaustedError", err)
	}
	if ex.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", ex.Attempts)
	}
	if !pipeline.IsTransient(err) {
		t.Error("exhausted error should still unwrap to ErrTransient")
	}
}

func TestDo_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, InitialBackoff: time.Hour}
	done := make(chan error, 1)
	go func() {
		_, err := p.Do(ctx, func(context.Context) error {
			return &pipeline.TransientError{Op: "x"}
		})
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDo_AttemptTimeoutIsTransient(t *testing.T) {
	p := Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, AttemptTimeout: 5 * time.Millisecond}
	calls := 0
	_, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if !pipeline.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestBackoff_Capped(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2}
	if got := p.Backoff(0); got != 100*time.Millisecond {
		t.Errorf("Backoff(0) = %v", got)
	}
	if got := p.Backoff(5); got != 300*time.Millisecond {
		t.Errorf("Backoff(5) = %v, want cap", got)
	}
}
