package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Storage  StorageConfig
	Ingest   IngestConfig
	Chunk    ChunkConfig
	Embed    EmbedConfig
	Store    StoreConfig
	Query    QueryConfig
	Generate GenerateConfig
}

type ServerConfig struct {
	Port     int
	Bind     string
	APIToken string
}

type LogConfig struct {
	Level  string
	Format string
}

type StorageConfig struct {
	DataDir   string
	UploadDir string
}

type IngestConfig struct {
	MaxFileMB    int
	Workers      int
	PollInterval time.Duration
	FailureRatio float64
	PageTimeout  time.Duration
	InboxDir     string
}

type ChunkConfig struct {
	MinChars     int
	MaxChars     int
	OverlapRatio float64
	Tokenizer    string
}

type EmbedConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	Dimension   int
	BatchSize   int
	Concurrency int
	MaxAttempts int
	RatePerSec  float64
}

type StoreConfig struct {
	Backend         string
	URL             string
	Collection      string
	APIKey          string
	HNSWM           int
	HNSWEfConstruct int
	OnDiskPayload   bool
}

type QueryConfig struct {
	TopK           int
	ScoreThreshold float64
	Timeout        time.Duration
	HistoryTurns   int
	LLMClassifier  bool
	Rerank         bool
}

type GenerateConfig struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
}

// MaxFileBytes returns the upload ceiling in bytes.
func (c IngestConfig) MaxFileBytes() int64 {
	return int64(c.MaxFileMB) << 20
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4100,
			Bind: "127.0.0.1",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Ingest: IngestConfig{
			MaxFileMB:    150,
			Workers:      2,
			PollInterval: 500 * time.Millisecond,
			FailureRatio: 0.10,
			PageTimeout:  30 * time.Second,
		},
		Chunk: ChunkConfig{
			MinChars:     200,
			MaxChars:     1000,
			OverlapRatio: 0.2,
			Tokenizer:    "tiktoken",
		},
		Embed: EmbedConfig{
			Provider:    "voyage",
			Model:       "voyage-3",
			BaseURL:     "https://api.voyageai.com/v1",
			Dimension:   1024,
			BatchSize:   10,
			Concurrency: 2,
			MaxAttempts: 4,
			RatePerSec:  5,
		},
		Store: StoreConfig{
			Backend:         "sqlite",
			URL:             "http://localhost:6333",
			Collection:      "techdocs",
			HNSWM:           16,
			HNSWEfConstruct: 100,
			OnDiskPayload:   true,
		},
		Query: QueryConfig{
			TopK:           4,
			ScoreThreshold: 0.7,
			Timeout:        30 * time.Second,
			HistoryTurns:   6,
		},
		Generate: GenerateConfig{
			Provider: "ollama",
			Model:    "llama3.1",
			BaseURL:  "http://localhost:11434",
		},
	}
}

// Load reads configuration from the YAML config file, environment
// variables, and the local secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/techdocs/config.yaml and holds
// flat dotted keys (e.g. "embed.batch_size: 16"). Environment variables
// (TECHDOCS_*) override file values. API keys that are still empty are
// looked up in $XDG_DATA_HOME/techdocs/secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

// secretReader abstracts the secrets store for testing.
type secretReader interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, _ := s.extract(cfg).(string); v != "" {
			continue
		}
		if val, err := secrets.Get("techdocs", s.key); err == nil && val != "" {
			s.apply(&cfg, val)
		}
	}

	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = cfg.Storage.DataDir + "/uploads"
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var problems []string

	switch c.Embed.Provider {
	case "voyage", "gemini":
		if c.Embed.APIKey == "" {
			problems = append(problems, fmt.Sprintf("embed.api_key is required for provider %q (env TECHDOCS_EMBED_API_KEY)", c.Embed.Provider))
		}
	case "ollama":
	default:
		problems = append(problems, fmt.Sprintf("unknown embed.provider %q", c.Embed.Provider))
	}

	switch c.Generate.Provider {
	case "openrouter", "gemini":
		if c.Generate.APIKey == "" {
			problems = append(problems, fmt.Sprintf("generate.api_key is required for provider %q (env TECHDOCS_GENERATE_API_KEY)", c.Generate.Provider))
		}
	case "ollama":
	default:
		problems = append(problems, fmt.Sprintf("unknown generate.provider %q", c.Generate.Provider))
	}

	switch c.Store.Backend {
	case "sqlite", "qdrant", "pgvector", "chromem":
	default:
		problems = append(problems, fmt.Sprintf("unknown store.backend %q", c.Store.Backend))
	}

	if c.Chunk.MinChars <= 0 || c.Chunk.MaxChars < c.Chunk.MinChars {
		problems = append(problems, fmt.Sprintf("invalid chunk band [%d,%d]", c.Chunk.MinChars, c.Chunk.MaxChars))
	}
	if c.Chunk.OverlapRatio < 0 || c.Chunk.OverlapRatio >= 1 {
		problems = append(problems, fmt.Sprintf("chunk.overlap_ratio must be in [0,1), got %v", c.Chunk.OverlapRatio))
	}
	if c.Ingest.FailureRatio < 0 || c.Ingest.FailureRatio > 1 {
		problems = append(problems, fmt.Sprintf("ingest.failure_ratio must be in [0,1], got %v", c.Ingest.FailureRatio))
	}
	if c.Query.ScoreThreshold < -1 || c.Query.ScoreThreshold > 1 {
		problems = append(problems, fmt.Sprintf("query.score_threshold must be in [-1,1], got %v", c.Query.ScoreThreshold))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
