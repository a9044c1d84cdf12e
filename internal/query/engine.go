// Package query answers questions: it classifies the dialogue mode,
// retrieves relevant chunks, composes a prompt and calls a generator.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kalambet/techdocs/internal/generate"
	"github.com/kalambet/techdocs/internal/pipeline"
	"github.com/kalambet/techdocs/internal/retry"
	"github.com/kalambet/techdocs/internal/storage"
	"github.com/kalambet/techdocs/internal/vectorstore"
)

// QueryEmbedder embeds a question.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// TurnStore persists conversation history.
type TurnStore interface {
	AppendTurn(ctx context.Context, t storage.Turn) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]storage.Turn, error)
}

// Request is a user question.
type Request struct {
	Question    string   `json:"question" validate:"required,min=10,max=1000"`
	SessionID   string   `json:"session_id,omitempty" validate:"omitempty,max=128"`
	Mode        *Mode    `json:"mode,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty" validate:"omitempty,max=50,dive,required"`
}

// Source identifies a chunk that contributed to an answer.
type Source struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Page       int     `json:"page"`
	Pages      []int   `json:"pages,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
}

// Answer is the result of Ask.
type Answer struct {
	TurnID    string   `json:"turn_id"`
	SessionID string   `json:"session_id,omitempty"`
	Mode      Mode     `json:"mode"`
	Answer    string   `json:"answer"`
	Sources   []Source `json:"sources"`
	FollowUps []string `json:"follow_ups,omitempty"`
	NoContext bool     `json:"no_context,omitempty"`
}

// AnswerGenerationFailedError is returned when the generator failed after
// retrieval succeeded. It carries the retrieved context so Regenerate can
// try again without querying the store.
type AnswerGenerationFailedError struct {
	Token     string
	Request   Request
	Mode      Mode
	Hits      []vectorstore.Hit
	NoContext bool
	Err       error
}

func (e *AnswerGenerationFailedError) Error() string {
	return fmt.Sprintf("answer generation failed (retry token %s): %v", e.Token, e.Err)
}

func (e *AnswerGenerationFailedError) Unwrap() error { return e.Err }

// ErrUnknownToken is returned by RegenerateToken for expired or unknown tokens.
var ErrUnknownToken = errors.New("unknown or expired regenerate token")

// Reranker reorders retrieved hits by relevance to the question and may
// drop some of them.
type Reranker interface {
	Rerank(ctx context.Context, question string, hits []vectorstore.Hit) ([]vectorstore.Hit, error)
}

// Options configures an Engine.
type Options struct {
	TopK             int
	ScoreThreshold   float32
	Timeout          time.Duration
	HistoryTurns     int
	MaxContextTokens int
	// Reranker, when set, sees twice TopK candidates and the best TopK of
	// its output are kept.
	Reranker Reranker
	Logger   *slog.Logger
}

const maxPendingRegenerations = 64

// Engine answers questions. It is safe for concurrent use.
type Engine struct {
	embedder   QueryEmbedder
	store      vectorstore.Store
	gen        generate.Generator
	classifier Classifier
	turns      TurnStore
	composer   *Composer
	policy     retry.Policy
	opts       Options
	validate   *validator.Validate
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*AnswerGenerationFailedError
	order   []string
}

// NewEngine wires an Engine. classifier and turns may be nil; the
// heuristic classifier is used and history is not persisted.
func NewEngine(embedder QueryEmbedder, store vectorstore.Store, gen generate.Generator, classifier Classifier, turns TurnStore, composer *Composer, opts Options) *Engine {
	if classifier == nil {
		classifier = HeuristicClassifier{}
	}
	if composer == nil {
		composer = NewComposer(opts.MaxContextTokens, nil)
	}
	if opts.TopK <= 0 {
		opts.TopK = vectorstore.DefaultTopK
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		embedder:   embedder,
		store:      store,
		gen:        gen,
		classifier: classifier,
		turns:      turns,
		composer:   composer,
		policy:     retry.Generation.WithTimeout(opts.Timeout),
		opts:       opts,
		validate:   validator.New(),
		logger:     opts.Logger,
		pending:    make(map[string]*AnswerGenerationFailedError),
	}
}

// Validate checks a request and returns a *pipeline.ValidationError.
func (e *Engine) Validate(req *Request) error {
	req.Question = strings.TrimSpace(req.Question)
	if err := e.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			switch fe.Tag() {
			case "min":
				return pipeline.NewValidationError(fe.Field(), "must be at least %s characters", fe.Param())
			case "max":
				return pipeline.NewValidationError(fe.Field(), "must be at most %s characters", fe.Param())
			}
			return pipeline.NewValidationError(fe.Field(), "failed on '%s' tag", fe.Tag())
		}
		return pipeline.NewValidationError("", "%v", err)
	}
	return nil
}

// Ask answers a question.
func (e *Engine) Ask(ctx context.Context, req Request) (*Answer, error) {
	if err := e.Validate(&req); err != nil {
		return nil, err
	}
	history := e.history(ctx, req.SessionID)

	var mode Mode
	if req.Mode != nil {
		mode = *req.Mode
	} else {
		mode = e.classifier.Classify(ctx, req.Question, history)
	}
	log := e.logger.With("mode", mode.String(), "session_id", req.SessionID)

	var hits []vectorstore.Hit
	if mode.Retrieves() {
		var err error
		hits, err = e.retrieve(ctx, req)
		if err != nil {
			return nil, err
		}
		log.Debug("retrieved context", "hits", len(hits))
	}

	noContext := false
	if len(hits) == 0 && mode == ModeDocumentation {
		noContext = true
	}
	return e.generate(ctx, log, req, mode, hits, history, noContext)
}

func (e *Engine) retrieve(ctx context.Context, req Request) ([]vectorstore.Hit, error) {
	vec, err := e.embedder.EmbedQuery(ctx, req.Question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}
	opts := vectorstore.SearchOptions{TopK: e.opts.TopK, ScoreThreshold: e.opts.ScoreThreshold}
	if e.opts.Reranker != nil {
		opts.TopK *= 2
	}
	if len(req.DocumentIDs) > 0 {
		opts.Filter = &vectorstore.Filter{DocumentIDs: req.DocumentIDs}
	}
	hits, err := e.store.Search(ctx, vec, opts)
	if err != nil {
		return nil, fmt.Errorf("searching vector store: %w", err)
	}
	if e.opts.Reranker == nil {
		return hits, nil
	}
	reranked, err := e.opts.Reranker.Rerank(ctx, req.Question, hits)
	if err != nil {
		e.logger.Warn("reranking failed, using similarity order", "error", err)
		reranked = hits
	}
	if len(reranked) > e.opts.TopK {
		reranked = reranked[:e.opts.TopK]
	}
	return reranked, nil
}

// Search returns the chunks closest to a question without generating an
// answer. topK <= 0 uses the engine's TopK.
func (e *Engine) Search(ctx context.Context, question string, topK int, documentIDs []string) ([]vectorstore.Hit, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, pipeline.NewValidationError("Question", "is required")
	}
	vec, err := e.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}
	if topK <= 0 {
		topK = e.opts.TopK
	}
	opts := vectorstore.SearchOptions{TopK: topK, ScoreThreshold: e.opts.ScoreThreshold}
	if len(documentIDs) > 0 {
		opts.Filter = &vectorstore.Filter{DocumentIDs: documentIDs}
	}
	return e.store.Search(ctx, vec, opts)
}

// Regenerate retries generation for a failed answer using its saved context.
func (e *Engine) Regenerate(ctx context.Context, failed *AnswerGenerationFailedError) (*Answer, error) {
	e.forget(failed.Token)
	history := e.history(ctx, failed.Request.SessionID)
	log := e.logger.With("mode", failed.Mode.String(), "session_id", failed.Request.SessionID, "regenerate", true)
	return e.generate(ctx, log, failed.Request, failed.Mode, failed.Hits, history, failed.NoContext)
}

// RegenerateToken looks up a failure by its token and regenerates it.
func (e *Engine) RegenerateToken(ctx context.Context, token string) (*Answer, error) {
	e.mu.Lock()
	failed, ok := e.pending[token]
	e.mu.Unlock()
	if !ok {
		return nil, ErrUnknownToken
	}
	return e.Regenerate(ctx, failed)
}

func (e *Engine) generate(ctx context.Context, log *slog.Logger, req Request, mode Mode, hits []vectorstore.Hit, history []generate.Message, noContext bool) (*Answer, error) {
	genReq, used := e.composer.Compose(mode, req.Question, hits, history, noContext)

	var raw string
	attempts, err := e.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		raw, err = e.gen.Generate(ctx, genReq)
		return err
	})
	if err != nil {
		failed := &AnswerGenerationFailedError{
			Token:     uuid.NewString(),
			Request:   req,
			Mode:      mode,
			Hits:      hits,
			NoContext: noContext,
			Err:       err,
		}
		e.remember(failed)
		log.Warn("answer generation failed", "attempts", attempts.Count, "error", err)
		return nil, failed
	}

	text, followUps := splitFollowUps(raw)
	ans := &Answer{
		TurnID:    uuid.NewString(),
		SessionID: req.SessionID,
		Mode:      mode,
		Answer:    text,
		Sources:   toSources(used),
		FollowUps: followUps,
		NoContext: noContext,
	}
	e.record(ctx, log, req, ans)
	return ans, nil
}

func toSources(hits []vectorstore.Hit) []Source {
	out := make([]Source, len(hits))
	for i, h := range hits {
		out[i] = Source{
			DocumentID: h.Payload.DocumentID,
			Filename:   h.Payload.Filename,
			Page:       h.Payload.Page,
			Pages:      h.Payload.Pages,
			ChunkIndex: h.Payload.ChunkIndex,
			Score:      h.Score,
		}
	}
	return out
}

// history loads the last turns of a session as alternating messages.
func (e *Engine) history(ctx context.Context, sessionID string) []generate.Message {
	if e.turns == nil || sessionID == "" || e.opts.HistoryTurns <= 0 {
		return nil
	}
	turns, err := e.turns.RecentTurns(ctx, sessionID, e.opts.HistoryTurns)
	if err != nil {
		e.logger.Warn("loading conversation history", "session_id", sessionID, "error", err)
		return nil
	}
	msgs := make([]generate.Message, 0, len(turns)*2)
	for _, t := range turns {
		msgs = append(msgs,
			generate.Message{Role: "user", Content: t.Question},
			generate.Message{Role: "assistant", Content: t.Answer},
		)
	}
	return msgs
}

func (e *Engine) record(ctx context.Context, log *slog.Logger, req Request, ans *Answer) {
	if e.turns == nil || req.SessionID == "" {
		return
	}
	sources, _ := json.Marshal(ans.Sources)
	followUps, _ := json.Marshal(ans.FollowUps)
	err := e.turns.AppendTurn(ctx, storage.Turn{
		ID:          ans.TurnID,
		SessionID:   req.SessionID,
		Question:    req.Question,
		Mode:        ans.Mode.String(),
		SourcesJSON: string(sources),
		Answer:      ans.Answer,
		FollowUps:   string(followUps),
		NoContext:   ans.NoContext,
	})
	if err != nil {
		log.Warn("saving conversation turn", "error", err)
	}
}

func (e *Engine) remember(f *AnswerGenerationFailedError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[f.Token] = f
	e.order = append(e.order, f.Token)
	for len(e.order) > maxPendingRegenerations {
		delete(e.pending, e.order[0])
		e.order = e.order[1:]
	}
}

func (e *Engine) forget(token string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, token)
}
