package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// secretsFile keeps API keys out of config.yaml in a 0600 JSON file keyed by
// service then account.
type secretsFile struct {
	path string
}

func (s secretsFile) Get(service, account string) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("secrets not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	svc, ok := secrets[service]
	if !ok {
		return "", fmt.Errorf("service %q not found", service)
	}
	val, ok := svc[account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func (s secretsFile) Set(service, account, value string) error {
	var secrets map[string]map[string]string

	data, err := os.ReadFile(s.path)
	if err == nil {
		_ = json.Unmarshal(data, &secrets)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}

// SecretStore reads and writes named secrets.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewSecretStore returns the default secrets file store.
func NewSecretStore() SecretStore {
	return secretsFile{path: secretsFilePath()}
}

// SetSecret stores a secret config key (e.g. "embed.api_key").
func SetSecret(store SecretStore, key, value string) error {
	for _, s := range specs {
		if s.key == key && s.secret {
			return store.Set("techdocs", key, value)
		}
	}
	return fmt.Errorf("%q is not a secret config key", key)
}

// GetAPIToken returns the bearer token protecting the HTTP API. When
// server.api_token is unset a random token is generated and persisted so
// the CLI and the server agree on it.
func GetAPIToken(cfg Config, store SecretStore) (string, error) {
	if cfg.Server.APIToken != "" {
		return cfg.Server.APIToken, nil
	}
	if tok, err := store.Get("techdocs", "server.api_token"); err == nil && tok != "" {
		return tok, nil
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := store.Set("techdocs", "server.api_token", tok); err != nil {
		return "", fmt.Errorf("persisting API token: %w", err)
	}
	return tok, nil
}
