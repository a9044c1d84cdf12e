// Package reranking re-scores retrieved chunks with a generative model.
package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/techdocs/internal/generate"
	"github.com/kalambet/techdocs/internal/vectorstore"
)

const (
	defaultConcurrency = 3
	defaultTimeout     = 5 * time.Second
	defaultThreshold   = 0.3
)

// Options configures an LLMReranker.
type Options struct {
	Timeout     time.Duration
	Threshold   float64 // minimum relevance to keep a chunk
	Concurrency int
	Logger      *slog.Logger
}

// LLMReranker asks the generator to rate each (question, chunk) pair and
// reorders hits by that rating. The cosine score on each hit is kept, so
// sources still report vector similarity.
type LLMReranker struct {
	gen  generate.Generator
	opts Options
}

func New(gen generate.Generator, opts Options) *LLMReranker {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LLMReranker{gen: gen, opts: opts}
}

var scoreSchema = &generate.Schema{
	Type:       "object",
	Properties: map[string]generate.SchemaProperty{"score": {Type: "number"}},
	Required:   []string{"score"},
}

type scored struct {
	hit       vectorstore.Hit
	relevance float64
	order     int
}

// Rerank scores every hit and returns those at or above the relevance
// threshold, most relevant first. If the timeout fires before every hit is
// scored, hits is returned unchanged.
func (r *LLMReranker) Rerank(ctx context.Context, question string, hits []vectorstore.Hit) ([]vectorstore.Hit, error) {
	if len(hits) == 0 {
		return hits, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	// Buffered so workers never block on send after we stop reading.
	results := make(chan scored, len(hits))
	sem := make(chan struct{}, r.opts.Concurrency)

	var wg sync.WaitGroup
	for i, h := range hits {
		wg.Add(1)
		go func(i int, h vectorstore.Hit) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			rel, err := r.score(timeoutCtx, question, h)
			if err != nil {
				if timeoutCtx.Err() != nil {
					return
				}
				r.opts.Logger.Debug("rerank score failed, keeping similarity", "point_id", h.ID, "error", err)
				rel = float64(h.Score)
			}
			results <- scored{hit: h, relevance: rel, order: i}
		}(i, h)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	all := make([]scored, 0, len(hits))
collect:
	for {
		select {
		case s, ok := <-results:
			if !ok {
				break collect
			}
			all = append(all, s)
		case <-timeoutCtx.Done():
			r.opts.Logger.Debug("rerank timed out, keeping retrieval order", "scored", len(all), "hits", len(hits))
			return hits, nil
		}
	}
	if len(all) < len(hits) {
		return hits, nil
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].relevance != all[j].relevance {
			return all[i].relevance > all[j].relevance
		}
		return all[i].order < all[j].order
	})

	out := make([]vectorstore.Hit, 0, len(all))
	for _, s := range all {
		if s.relevance >= r.opts.Threshold {
			out = append(out, s.hit)
		}
	}
	return out, nil
}

func (r *LLMReranker) score(ctx context.Context, question string, h vectorstore.Hit) (float64, error) {
	prompt := "Rate how useful the following manual excerpt is for answering the question, on a scale of 0.0 to 1.0.\n" +
		"Question: " + question + "\n" +
		"Excerpt: " + h.Payload.Text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.gen.Generate(ctx, generate.Request{Prompt: prompt, Schema: scoreSchema})
	if err != nil {
		return 0, err
	}

	rel, err := parseScore(resp)
	if err != nil {
		r.opts.Logger.Debug("rerank parse failed, keeping similarity", "resp", resp, "error", err)
		return float64(h.Score), nil
	}
	return rel, nil
}

// parseScore extracts {"score": x} from a model response. Small local
// models often wrap JSON in markdown fences or add filler around it.
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, fmt.Errorf("response has no score")
	}
	return min(max(*obj.Score, 0), 1), nil
}
