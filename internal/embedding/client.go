// Package embedding turns chunk texts into vectors through a pluggable
// provider, in rate-limited concurrent batches with per-chunk failures.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/techdocs/internal/retry"
)

// InputType tells the provider whether texts are corpus passages or queries.
type InputType string

const (
	InputDocument InputType = "document"
	InputQuery    InputType = "query"
)

// ErrDimensionMismatch marks a vector whose length differs from the
// configured collection dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Provider is an external embedding API.
type Provider interface {
	Name() string
	Embed(ctx context.Context, texts []string, input InputType) ([][]float32, error)
}

// Options configures a Client. Zero values fall back to the defaults below.
type Options struct {
	BatchSize   int
	Concurrency int
	Dimension   int
	RatePerSec  float64
	Policy      retry.Policy
	Logger      *slog.Logger
}

const (
	DefaultBatchSize   = 10
	DefaultConcurrency = 2
)

// Client batches texts through a Provider.
type Client struct {
	provider    Provider
	batchSize   int
	concurrency int
	dimension   int
	limiter     *rate.Limiter
	policy      retry.Policy
	logger      *slog.Logger
}

// NewClient creates a Client for p.
func NewClient(p Provider, opts Options) *Client {
	c := &Client{
		provider:    p,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		dimension:   opts.Dimension,
		policy:      opts.Policy,
		logger:      opts.Logger,
	}
	if c.batchSize <= 0 {
		c.batchSize = DefaultBatchSize
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultConcurrency
	}
	if c.policy.MaxAttempts == 0 {
		c.policy = retry.Embedding
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if opts.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), c.concurrency)
	} else {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return c
}

// Provider returns the provider identifier stored with each vector.
func (c *Client) Provider() string { return c.provider.Name() }

// Dimension returns the expected vector length, 0 if unchecked.
func (c *Client) Dimension() int { return c.dimension }

// BatchSize returns the number of texts sent per provider call.
func (c *Client) BatchSize() int { return c.batchSize }

// Result holds one slot per input text.
type Result struct {
	Vectors [][]float32
	Errs    []error
	Failed  int
}

// FailureRatio returns the fraction of inputs without a vector.
func (r *Result) FailureRatio() float64 {
	if len(r.Vectors) == 0 {
		return 0
	}
	return float64(r.Failed) / float64(len(r.Vectors))
}

// Batch is the outcome of one provider call. Err is set when every attempt
// failed; in that case Vectors is nil.
type Batch struct {
	Index    int
	Start    int
	Vectors  [][]float32
	Errs     []error
	Attempts int
	Err      error
}

// Len returns the number of texts in the batch.
func (b Batch) Len() int {
	if b.Vectors != nil {
		return len(b.Vectors)
	}
	return len(b.Errs)
}

// NumBatches returns how many batches n texts are split into.
func (c *Client) NumBatches(n int) int {
	return (n + c.batchSize - 1) / c.batchSize
}

// Embed embeds all texts. The returned error is only set when ctx ends;
// provider failures are reported per slot in the Result.
func (c *Client) Embed(ctx context.Context, texts []string, input InputType) (*Result, error) {
	return c.EmbedBatches(ctx, texts, input, nil, nil)
}

// EmbedQuery embeds a single question.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	res, err := c.Embed(ctx, []string{text}, InputQuery)
	if err != nil {
		return nil, err
	}
	if res.Errs[0] != nil {
		return nil, res.Errs[0]
	}
	return res.Vectors[0], nil
}

// EmbedBatches embeds texts batch by batch. Batches for which skip returns
// true are not sent. onBatch, when set, is called once per finished batch,
// never concurrently; an error from it stops all remaining batches and is
// returned.
func (c *Client) EmbedBatches(ctx context.Context, texts []string, input InputType, skip func(batch int) bool, onBatch func(ctx context.Context, b Batch) error) (*Result, error) {
	res := &Result{
		Vectors: make([][]float32, len(texts)),
		Errs:    make([]error, len(texts)),
	}
	if len(texts) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for bi := 0; bi < c.NumBatches(len(texts)); bi++ {
		if skip != nil && skip(bi) {
			continue
		}
		if gCtx.Err() != nil {
			break
		}
		start := bi * c.batchSize
		end := min(start+c.batchSize, len(texts))
		g.Go(func() error {
			b := c.embedBatch(gCtx, bi, start, texts[start:end], input)
			if gCtx.Err() != nil {
				return gCtx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			for i := range b.Len() {
				slot := start + i
				if b.Err != nil {
					res.Errs[slot] = b.Err
				} else {
					res.Vectors[slot] = b.Vectors[i]
					res.Errs[slot] = b.Errs[i]
				}
				if res.Errs[slot] != nil {
					res.Failed++
				}
			}
			if onBatch != nil {
				return onBatch(gCtx, b)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (c *Client) embedBatch(ctx context.Context, index, start int, texts []string, input InputType) Batch {
	b := Batch{Index: index, Start: start}
	var vecs [][]float32
	attempts, err := c.policy.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		out, err := c.provider.Embed(ctx, texts, input)
		if err != nil {
			return err
		}
		if len(out) != len(texts) {
			return fmt.Errorf("%s returned %d vectors for %d texts", c.provider.Name(), len(out), len(texts))
		}
		vecs = out
		return nil
	})
	b.Attempts = attempts.Count
	if err != nil {
		c.logger.Warn("embedding batch failed", "provider", c.provider.Name(), "batch", index, "attempts", attempts.Count, "error", err)
		b.Err = fmt.Errorf("batch %d: %w", index, err)
		b.Errs = make([]error, len(texts))
		for i := range b.Errs {
			b.Errs[i] = b.Err
		}
		return b
	}

	b.Vectors = vecs
	b.Errs = make([]error, len(texts))
	for i, v := range vecs {
		switch {
		case len(v) == 0:
			b.Errs[i] = fmt.Errorf("chunk %d: empty vector", start+i)
		case c.dimension > 0 && len(v) != c.dimension:
			b.Errs[i] = fmt.Errorf("chunk %d: got %d, want %d: %w", start+i, len(v), c.dimension, ErrDimensionMismatch)
		}
		if b.Errs[i] != nil {
			b.Vectors[i] = nil
		}
	}
	return b
}
