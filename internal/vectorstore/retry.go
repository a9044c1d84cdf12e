package vectorstore

import (
	"context"
	"log/slog"

	"github.com/kalambet/techdocs/internal/retry"
)

// retrying retries every operation of the wrapped store on ErrNotReady and
// transient failures.
type retrying struct {
	Store
	policy retry.Policy
	logger *slog.Logger
}

// WithRetry wraps s so that each call follows policy.
func WithRetry(s Store, policy retry.Policy, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{Store: s, policy: policy, logger: logger}
}

func (r *retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts, err := r.policy.Do(ctx, fn)
	if attempts.Count > 1 {
		r.logger.Debug("vector store retried", "op", op, "attempts", attempts.Count, "error", err)
	}
	return err
}

func (r *retrying) EnsureCollection(ctx context.Context, cfg CollectionConfig) error {
	return r.do(ctx, "ensure_collection", func(ctx context.Context) error {
		return r.Store.EnsureCollection(ctx, cfg)
	})
}

func (r *retrying) Upsert(ctx context.Context, points []Point) error {
	return r.do(ctx, "upsert", func(ctx context.Context) error {
		return r.Store.Upsert(ctx, points)
	})
}

func (r *retrying) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error) {
	var hits []Hit
	err := r.do(ctx, "search", func(ctx context.Context) error {
		var err error
		hits, err = r.Store.Search(ctx, vector, opts)
		return err
	})
	return hits, err
}

func (r *retrying) DeleteByDocument(ctx context.Context, documentID string) error {
	return r.do(ctx, "delete", func(ctx context.Context) error {
		return r.Store.DeleteByDocument(ctx, documentID)
	})
}

func (r *retrying) CountByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := r.do(ctx, "count_document", func(ctx context.Context) error {
		var err error
		n, err = r.Store.CountByDocument(ctx, documentID)
		return err
	})
	return n, err
}

func (r *retrying) Count(ctx context.Context) (int, error) {
	var n int
	err := r.do(ctx, "count", func(ctx context.Context) error {
		var err error
		n, err = r.Store.Count(ctx)
		return err
	})
	return n, err
}
