package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for the secrets store.
type mockSecrets struct {
	values map[string]string
	err    error
}

func (m mockSecrets) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m mockSecrets) Set(service, account, value string) error {
	if m.err != nil {
		return m.err
	}
	m.values[account] = value
	return nil
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, "# empty\n")

	cfg, err := loadWith(b, mockSecrets{values: map[string]string{"embed.api_key": "k"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Ingest.MaxFileMB != 150 {
		t.Errorf("Ingest.MaxFileMB = %d, want 150", cfg.Ingest.MaxFileMB)
	}
	if cfg.Ingest.MaxFileBytes() != 150<<20 {
		t.Errorf("MaxFileBytes = %d", cfg.Ingest.MaxFileBytes())
	}
	if cfg.Ingest.FailureRatio != 0.10 {
		t.Errorf("Ingest.FailureRatio = %v, want 0.10", cfg.Ingest.FailureRatio)
	}
	if cfg.Chunk.MinChars != 200 || cfg.Chunk.MaxChars != 1000 {
		t.Errorf("chunk band = [%d,%d], want [200,1000]", cfg.Chunk.MinChars, cfg.Chunk.MaxChars)
	}
	if cfg.Chunk.OverlapRatio != 0.2 {
		t.Errorf("Chunk.OverlapRatio = %v, want 0.2", cfg.Chunk.OverlapRatio)
	}
	if cfg.Embed.BatchSize != 10 {
		t.Errorf("Embed.BatchSize = %d, want 10", cfg.Embed.BatchSize)
	}
	if cfg.Embed.Dimension != 1024 {
		t.Errorf("Embed.Dimension = %d, want 1024", cfg.Embed.Dimension)
	}
	if cfg.Store.HNSWM != 16 || cfg.Store.HNSWEfConstruct != 100 || !cfg.Store.OnDiskPayload {
		t.Errorf("store index params = %+v", cfg.Store)
	}
	if cfg.Query.TopK != 4 {
		t.Errorf("Query.TopK = %d, want 4", cfg.Query.TopK)
	}
	if cfg.Query.ScoreThreshold != 0.7 {
		t.Errorf("Query.ScoreThreshold = %v, want 0.7", cfg.Query.ScoreThreshold)
	}
	if cfg.Query.Timeout != 30*time.Second {
		t.Errorf("Query.Timeout = %v, want 30s", cfg.Query.Timeout)
	}
	if cfg.Storage.UploadDir != cfg.Storage.DataDir+"/uploads" {
		t.Errorf("Storage.UploadDir = %q", cfg.Storage.UploadDir)
	}
}

// TestYAMLParsing verifies that typed values are read from the YAML file.
func TestYAMLParsing(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `
server.port: 5000
storage.data_dir: /tmp/techdocs-test
embed.provider: ollama
embed.model: nomic-embed-text
embed.batch_size: 16
ingest.poll_interval: 2s
ingest.failure_ratio: 0.25
store.backend: qdrant
store.on_disk_payload: false
query.llm_classifier: true
`)

	cfg, err := loadWith(b, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/techdocs-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Embed.Provider != "ollama" || cfg.Embed.Model != "nomic-embed-text" {
		t.Errorf("Embed = %+v", cfg.Embed)
	}
	if cfg.Embed.BatchSize != 16 {
		t.Errorf("Embed.BatchSize = %d, want 16", cfg.Embed.BatchSize)
	}
	if cfg.Ingest.PollInterval != 2*time.Second {
		t.Errorf("Ingest.PollInterval = %v, want 2s", cfg.Ingest.PollInterval)
	}
	if cfg.Ingest.FailureRatio != 0.25 {
		t.Errorf("Ingest.FailureRatio = %v, want 0.25", cfg.Ingest.FailureRatio)
	}
	if cfg.Store.Backend != "qdrant" {
		t.Errorf("Store.Backend = %q", cfg.Store.Backend)
	}
	if cfg.Store.OnDiskPayload {
		t.Error("Store.OnDiskPayload = true, want false")
	}
	if !cfg.Query.LLMClassifier {
		t.Error("Query.LLMClassifier = false, want true")
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, "embed.provider: ollama\nquery.top_k: 8\n")

	t.Setenv("TECHDOCS_QUERY_TOP_K", "3")
	t.Setenv("TECHDOCS_QUERY_TIMEOUT", "10s")

	cfg, err := loadWith(b, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Query.TopK != 3 {
		t.Errorf("Query.TopK = %d, want 3", cfg.Query.TopK)
	}
	if cfg.Query.Timeout != 10*time.Second {
		t.Errorf("Query.Timeout = %v, want 10s", cfg.Query.Timeout)
	}
}

// TestInvalidEnvKeepsDefault verifies that an unparsable env value is ignored.
func TestInvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, "embed.provider: ollama\n")

	t.Setenv("TECHDOCS_EMBED_BATCH_SIZE", "lots")

	cfg, err := loadWith(b, mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Embed.BatchSize != 10 {
		t.Errorf("Embed.BatchSize = %d, want default 10", cfg.Embed.BatchSize)
	}
}

// TestMissingRequiredSecret verifies a clear error when a provider key is missing everywhere.
func TestMissingRequiredSecret(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, "embed.provider: voyage\n")

	_, err := loadWith(b, mockSecrets{err: errors.New("no secrets")})
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "embed.api_key is required") {
		t.Errorf("error = %q, want it to mention embed.api_key", err)
	}
}

// TestSecretsFallback verifies the secrets file is consulted when no key is in env.
func TestSecretsFallback(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, "generate.provider: openrouter\n")

	secrets := mockSecrets{values: map[string]string{
		"embed.api_key":    "voyage-secret",
		"generate.api_key": "router-secret",
	}}
	cfg, err := loadWith(b, secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Embed.APIKey != "voyage-secret" {
		t.Errorf("Embed.APIKey = %q, want %q", cfg.Embed.APIKey, "voyage-secret")
	}
	if cfg.Generate.APIKey != "router-secret" {
		t.Errorf("Generate.APIKey = %q, want %q", cfg.Generate.APIKey, "router-secret")
	}
}

// TestEnvSecretWinsOverFile verifies the env var takes precedence over the secrets file.
func TestEnvSecretWinsOverFile(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, "")
	t.Setenv("TECHDOCS_EMBED_API_KEY", "env-key")

	cfg, err := loadWith(b, mockSecrets{values: map[string]string{"embed.api_key": "file-key"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Embed.APIKey != "env-key" {
		t.Errorf("Embed.APIKey = %q, want %q", cfg.Embed.APIKey, "env-key")
	}
}

func TestValidateRejectsBadBand(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, "embed.provider: ollama\nchunk.min_chars: 900\nchunk.max_chars: 100\n")

	_, err := loadWith(b, mockSecrets{})
	if err == nil || !strings.Contains(err.Error(), "invalid chunk band") {
		t.Fatalf("expected chunk band error, got %v", err)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, "embed.provider: ollama\nstore.backend: redis\n")

	_, err := loadWith(b, mockSecrets{})
	if err == nil || !strings.Contains(err.Error(), `unknown store.backend "redis"`) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestSetKeyPersists(t *testing.T) {
	b := writeTempConfig(t, "")

	if err := setKeyIn(b, "query.top_k", "6"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := setKeyIn(b, "query.timeout", "45s"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reloaded := newFileBackend(b.path)
	if v, ok, _ := reloaded.GetInt("query.top_k"); !ok || v != 6 {
		t.Errorf("query.top_k = %d (ok=%v), want 6", v, ok)
	}
	if v, ok, _ := reloaded.GetString("query.timeout"); !ok || v != "45s" {
		t.Errorf("query.timeout = %q (ok=%v), want 45s", v, ok)
	}
}

func TestSetKeyRejects(t *testing.T) {
	b := writeTempConfig(t, "")

	if err := setKeyIn(b, "embed.api_key", "x"); err == nil {
		t.Error("expected error setting a secret via config")
	}
	if err := setKeyIn(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKeyIn(b, "query.timeout", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestGetAPITokenGeneratesOnce(t *testing.T) {
	store := mockSecrets{values: map[string]string{}}

	first, err := GetAPIToken(Config{}, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 48 {
		t.Errorf("token length = %d, want 48", len(first))
	}
	second, err := GetAPIToken(Config{}, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Error("expected persisted token to be reused")
	}

	cfg := Config{Server: ServerConfig{APIToken: "configured"}}
	if tok, _ := GetAPIToken(cfg, store); tok != "configured" {
		t.Errorf("token = %q, want configured", tok)
	}
}

func TestSecretsFileRoundTrip(t *testing.T) {
	s := secretsFile{path: filepath.Join(t.TempDir(), "nested", "secrets.json")}

	if _, err := s.Get("techdocs", "embed.api_key"); err == nil {
		t.Error("expected error for missing file")
	}
	if err := s.Set("techdocs", "embed.api_key", "abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.Get("techdocs", "embed.api_key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "abc" {
		t.Errorf("Get = %q, want abc", got)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}
}
