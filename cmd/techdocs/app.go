package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/api/option"

	"github.com/kalambet/techdocs/internal/chunker"
	"github.com/kalambet/techdocs/internal/config"
	"github.com/kalambet/techdocs/internal/embedding"
	"github.com/kalambet/techdocs/internal/extract"
	"github.com/kalambet/techdocs/internal/gemini"
	"github.com/kalambet/techdocs/internal/generate"
	"github.com/kalambet/techdocs/internal/ingest"
	"github.com/kalambet/techdocs/internal/ollama"
	"github.com/kalambet/techdocs/internal/openrouter"
	"github.com/kalambet/techdocs/internal/query"
	"github.com/kalambet/techdocs/internal/reranking"
	"github.com/kalambet/techdocs/internal/retry"
	"github.com/kalambet/techdocs/internal/storage"
	"github.com/kalambet/techdocs/internal/vectorstore"
)

// app is the fully wired server side: storage, vector store, providers,
// ingestion and the query engine.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *storage.Store
	vectors vectorstore.Store
	svc     *ingest.Service
	orch    *ingest.Orchestrator
	engine  *query.Engine

	closers []io.Closer
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, progress io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := ensureOllama(ctx, cfg, progress); err != nil {
		return nil, err
	}

	a.store, err = storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.closers = append(a.closers, a.store)

	uploads, err := ingest.NewLocalFiles(cfg.Storage.UploadDir)
	if err != nil {
		return nil, err
	}

	provider, err := newEmbeddingProvider(ctx, cfg.Embed, a)
	if err != nil {
		return nil, err
	}
	policy := retry.Embedding
	if cfg.Embed.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Embed.MaxAttempts
	}
	embedder := embedding.NewClient(provider, embedding.Options{
		BatchSize:   cfg.Embed.BatchSize,
		Concurrency: cfg.Embed.Concurrency,
		Dimension:   cfg.Embed.Dimension,
		RatePerSec:  cfg.Embed.RatePerSec,
		Policy:      policy,
		Logger:      logger.With("component", "embedding"),
	})

	a.vectors, err = vectorstore.Open(ctx, cfg.Store, cfg.Storage.DataDir, a.store.DB(), cfg.Embed.Dimension, logger.With("component", "vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}
	a.closers = append(a.closers, a.vectors)

	counter := chunker.NewCounter(cfg.Chunk.Tokenizer, logger)
	a.orch = ingest.NewOrchestrator(ingest.Deps{
		State:     a.store,
		Progress:  ingest.NewStoreReporter(a.store, logger.With("component", "progress")),
		Files:     uploads,
		Extractor: &extract.Extractor{PageTimeout: cfg.Ingest.PageTimeout, Logger: logger.With("component", "extract")},
		Chunker: chunker.New(chunker.Options{
			MinChars:     cfg.Chunk.MinChars,
			MaxChars:     cfg.Chunk.MaxChars,
			OverlapRatio: cfg.Chunk.OverlapRatio,
			Counter:      counter,
		}),
		Embedder: embedder,
		Vectors:  a.vectors,
	}, ingest.Options{
		FailureRatio: cfg.Ingest.FailureRatio,
		PageTimeout:  cfg.Ingest.PageTimeout,
		Logger:       logger.With("component", "ingest"),
	})
	a.svc = ingest.NewService(a.store, uploads, a.vectors, cfg.Ingest.MaxFileBytes(), logger.With("component", "ingest"))

	gen, err := newGenerator(ctx, cfg.Generate, a)
	if err != nil {
		return nil, err
	}
	var classifier query.Classifier
	if cfg.Query.LLMClassifier {
		classifier = query.NewLLMClassifier(gen, logger.With("component", "classifier"))
	}
	var reranker query.Reranker
	if cfg.Query.Rerank {
		reranker = reranking.New(gen, reranking.Options{Logger: logger.With("component", "rerank")})
	}
	a.engine = query.NewEngine(embedder, a.vectors, gen, classifier, a.store, query.NewComposer(0, counter), query.Options{
		TopK:           cfg.Query.TopK,
		ScoreThreshold: float32(cfg.Query.ScoreThreshold),
		Timeout:        cfg.Query.Timeout,
		HistoryTurns:   cfg.Query.HistoryTurns,
		Reranker:       reranker,
		Logger:         logger.With("component", "query"),
	})

	logger.Info("techdocs ready",
		"embed", provider.Name(),
		"generate", gen.Name(),
		"store", cfg.Store.Backend,
		"dimension", cfg.Embed.Dimension,
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ollamaServer is one Ollama instance and the models the configuration
// expects on it.
type ollamaServer struct {
	baseURL string
	models  []string
	warm    string
}

// ollamaServers groups the configured Ollama models by base URL, embedding
// server first.
func ollamaServers(cfg config.Config) []ollamaServer {
	var servers []ollamaServer
	add := func(baseURL, model string, warm bool) {
		for i := range servers {
			if servers[i].baseURL == baseURL {
				servers[i].models = append(servers[i].models, model)
				if warm {
					servers[i].warm = model
				}
				return
			}
		}
		s := ollamaServer{baseURL: baseURL, models: []string{model}}
		if warm {
			s.warm = model
		}
		servers = append(servers, s)
	}
	if cfg.Embed.Provider == "ollama" {
		add(strings.TrimRight(cfg.Embed.BaseURL, "/"), cfg.Embed.Model, false)
	}
	if cfg.Generate.Provider == "ollama" {
		add(strings.TrimRight(cfg.Generate.BaseURL, "/"), cfg.Generate.Model, true)
	}
	return servers
}

// ensureOllama pulls the Ollama models the configuration uses, if any.
func ensureOllama(ctx context.Context, cfg config.Config, w io.Writer) error {
	servers := ollamaServers(cfg)
	if len(servers) == 0 {
		return nil
	}
	readyCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()
	for _, s := range servers {
		if err := ollama.EnsureReady(readyCtx, ollama.New(s.baseURL), s.models, s.warm, w); err != nil {
			return err
		}
	}
	return nil
}

func newEmbeddingProvider(ctx context.Context, cfg config.EmbedConfig, a *app) (embedding.Provider, error) {
	switch cfg.Provider {
	case "voyage":
		return embedding.NewVoyage(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case "ollama":
		return embedding.NewOllama(ollama.New(cfg.BaseURL), cfg.Model), nil
	case "gemini":
		c, err := newGeminiClient(ctx, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c)
		return embedding.NewGemini(c, cfg.Model), nil
	}
	return nil, fmt.Errorf("unknown embed.provider %q", cfg.Provider)
}

func newGenerator(ctx context.Context, cfg config.GenerateConfig, a *app) (generate.Generator, error) {
	switch cfg.Provider {
	case "ollama":
		return generate.NewOllama(ollama.New(cfg.BaseURL), cfg.Model), nil
	case "openrouter":
		c := openrouter.NewClient(cfg.APIKey)
		if cfg.BaseURL != "" && cfg.BaseURL != ollamaDefaultURL {
			c = openrouter.NewClientWithBaseURL(cfg.APIKey, cfg.BaseURL)
		}
		if err := checkOpenRouterModel(ctx, c, cfg.Model, a.logger); err != nil {
			return nil, err
		}
		return generate.NewOpenRouter(c, cfg.Model), nil
	case "gemini":
		c, err := newGeminiClient(ctx, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c)
		return generate.NewGemini(c, cfg.Model), nil
	}
	return nil, fmt.Errorf("unknown generate.provider %q", cfg.Provider)
}

// checkOpenRouterModel rejects a generate.model the endpoint does not list.
// An unreachable model list only logs a warning.
func checkOpenRouterModel(ctx context.Context, c *openrouter.Client, model string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := c.HasModel(ctx, model)
	if err != nil {
		logger.Warn("could not list OpenRouter models, skipping model check", "error", err)
		return nil
	}
	if !ok {
		return fmt.Errorf("generate.model %q is not offered by OpenRouter", model)
	}
	return nil
}

// ollamaDefaultURL is generate.base_url's default; other providers ignore it.
const ollamaDefaultURL = "http://localhost:11434"

// newGeminiClient ignores base_url; the Gemini SDK picks its own endpoint.
func newGeminiClient(ctx context.Context, apiKey string) (*gemini.Client, error) {
	c, err := gemini.New(ctx, apiKey, option.WithUserAgent("techdocs/"+version))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return c, nil
}
