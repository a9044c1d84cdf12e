package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "TECHDOCS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.bind", typ: kString, env: "TECHDOCS_SERVER_BIND",
		apply:   func(cfg *Config, v any) { cfg.Server.Bind = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Bind },
	},
	{
		key: "server.api_token", typ: kString, env: "TECHDOCS_SERVER_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TECHDOCS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.upload_dir", typ: kString, env: "TECHDOCS_STORAGE_UPLOAD_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.UploadDir },
	},
	{
		key: "log.level", typ: kString, env: "TECHDOCS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "TECHDOCS_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "ingest.max_file_mb", typ: kInt, env: "TECHDOCS_INGEST_MAX_FILE_MB",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxFileMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxFileMB },
	},
	{
		key: "ingest.workers", typ: kInt, env: "TECHDOCS_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.poll_interval", typ: kDuration, env: "TECHDOCS_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "ingest.failure_ratio", typ: kFloat, env: "TECHDOCS_INGEST_FAILURE_RATIO",
		apply:   func(cfg *Config, v any) { cfg.Ingest.FailureRatio = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ingest.FailureRatio },
	},
	{
		key: "ingest.page_timeout", typ: kDuration, env: "TECHDOCS_INGEST_PAGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PageTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PageTimeout },
	},
	{
		key: "ingest.inbox_dir", typ: kString, env: "TECHDOCS_INGEST_INBOX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Ingest.InboxDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.InboxDir },
	},
	{
		key: "chunk.min_chars", typ: kInt, env: "TECHDOCS_CHUNK_MIN_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Chunk.MinChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunk.MinChars },
	},
	{
		key: "chunk.max_chars", typ: kInt, env: "TECHDOCS_CHUNK_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Chunk.MaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunk.MaxChars },
	},
	{
		key: "chunk.overlap_ratio", typ: kFloat, env: "TECHDOCS_CHUNK_OVERLAP_RATIO",
		apply:   func(cfg *Config, v any) { cfg.Chunk.OverlapRatio = v.(float64) },
		extract: func(cfg Config) any { return cfg.Chunk.OverlapRatio },
	},
	{
		key: "chunk.tokenizer", typ: kString, env: "TECHDOCS_CHUNK_TOKENIZER",
		apply:   func(cfg *Config, v any) { cfg.Chunk.Tokenizer = v.(string) },
		extract: func(cfg Config) any { return cfg.Chunk.Tokenizer },
	},
	{
		key: "embed.provider", typ: kString, env: "TECHDOCS_EMBED_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embed.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.Provider },
	},
	{
		key: "embed.model", typ: kString, env: "TECHDOCS_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embed.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.Model },
	},
	{
		key: "embed.base_url", typ: kString, env: "TECHDOCS_EMBED_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embed.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.BaseURL },
	},
	{
		key: "embed.api_key", typ: kString, env: "TECHDOCS_EMBED_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Embed.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.APIKey },
	},
	{
		key: "embed.dimension", typ: kInt, env: "TECHDOCS_EMBED_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Embed.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.Dimension },
	},
	{
		key: "embed.batch_size", typ: kInt, env: "TECHDOCS_EMBED_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embed.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.BatchSize },
	},
	{
		key: "embed.concurrency", typ: kInt, env: "TECHDOCS_EMBED_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Embed.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.Concurrency },
	},
	{
		key: "embed.max_attempts", typ: kInt, env: "TECHDOCS_EMBED_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Embed.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.MaxAttempts },
	},
	{
		key: "embed.rate_per_sec", typ: kFloat, env: "TECHDOCS_EMBED_RATE_PER_SEC",
		apply:   func(cfg *Config, v any) { cfg.Embed.RatePerSec = v.(float64) },
		extract: func(cfg Config) any { return cfg.Embed.RatePerSec },
	},
	{
		key: "store.backend", typ: kString, env: "TECHDOCS_STORE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Store.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.Backend },
	},
	{
		key: "store.url", typ: kString, env: "TECHDOCS_STORE_URL",
		apply:   func(cfg *Config, v any) { cfg.Store.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.URL },
	},
	{
		key: "store.collection", typ: kString, env: "TECHDOCS_STORE_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Store.Collection = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.Collection },
	},
	{
		key: "store.api_key", typ: kString, env: "TECHDOCS_STORE_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Store.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.APIKey },
	},
	{
		key: "store.hnsw_m", typ: kInt, env: "TECHDOCS_STORE_HNSW_M",
		apply:   func(cfg *Config, v any) { cfg.Store.HNSWM = v.(int) },
		extract: func(cfg Config) any { return cfg.Store.HNSWM },
	},
	{
		key: "store.hnsw_ef_construct", typ: kInt, env: "TECHDOCS_STORE_HNSW_EF_CONSTRUCT",
		apply:   func(cfg *Config, v any) { cfg.Store.HNSWEfConstruct = v.(int) },
		extract: func(cfg Config) any { return cfg.Store.HNSWEfConstruct },
	},
	{
		key: "store.on_disk_payload", typ: kBool, env: "TECHDOCS_STORE_ON_DISK_PAYLOAD",
		apply:   func(cfg *Config, v any) { cfg.Store.OnDiskPayload = v.(bool) },
		extract: func(cfg Config) any { return cfg.Store.OnDiskPayload },
	},
	{
		key: "query.top_k", typ: kInt, env: "TECHDOCS_QUERY_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Query.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Query.TopK },
	},
	{
		key: "query.score_threshold", typ: kFloat, env: "TECHDOCS_QUERY_SCORE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Query.ScoreThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Query.ScoreThreshold },
	},
	{
		key: "query.timeout", typ: kDuration, env: "TECHDOCS_QUERY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Query.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Query.Timeout },
	},
	{
		key: "query.history_turns", typ: kInt, env: "TECHDOCS_QUERY_HISTORY_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Query.HistoryTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Query.HistoryTurns },
	},
	{
		key: "query.llm_classifier", typ: kBool, env: "TECHDOCS_QUERY_LLM_CLASSIFIER",
		apply:   func(cfg *Config, v any) { cfg.Query.LLMClassifier = v.(bool) },
		extract: func(cfg Config) any { return cfg.Query.LLMClassifier },
	},
	{
		key: "query.rerank", typ: kBool, env: "TECHDOCS_QUERY_RERANK",
		apply:   func(cfg *Config, v any) { cfg.Query.Rerank = v.(bool) },
		extract: func(cfg Config) any { return cfg.Query.Rerank },
	},
	{
		key: "generate.provider", typ: kString, env: "TECHDOCS_GENERATE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Generate.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Generate.Provider },
	},
	{
		key: "generate.model", typ: kString, env: "TECHDOCS_GENERATE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generate.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generate.Model },
	},
	{
		key: "generate.base_url", typ: kString, env: "TECHDOCS_GENERATE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generate.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generate.BaseURL },
	},
	{
		key: "generate.api_key", typ: kString, env: "TECHDOCS_GENERATE_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Generate.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generate.APIKey },
	},
}

// parseValue converts a raw string into the Go type a key expects.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := s.parseValue(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parseValue(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
