package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const secretService = "recoverd"

// AdminTokenEnv overrides the stored admin token.
const AdminTokenEnv = "RECOVERD_ADMIN_TOKEN"

// SecretStore reads and writes secrets outside the plain config file.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewSecretStore returns the secrets file store at
// $XDG_DATA_HOME/recoverd/secrets.json.
func NewSecretStore() SecretStore {
	return fileSecrets{path: secretsFilePath()}
}

// GetAdminToken returns the bearer token guarding admin routes. The
// environment wins; otherwise the stored token is used, and one is generated
// and stored on first use.
func GetAdminToken(s SecretStore) (string, error) {
	if tok := os.Getenv(AdminTokenEnv); tok != "" {
		return tok, nil
	}
	if tok, err := s.Get(secretService, "admin_token"); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating admin token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := s.Set(secretService, "admin_token", tok); err != nil {
		return "", fmt.Errorf("storing admin token: %w", err)
	}
	return tok, nil
}

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "recoverd", "secrets.json")
}

// fileSecrets keeps secrets as {service: {account: value}} in a 0600 JSON file.
type fileSecrets struct {
	path string
}

func (f fileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f fileSecrets) Get(service, account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", fmt.Errorf("secrets not available: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func (f fileSecrets) Set(service, account, value string) error {
	secrets, _ := f.read()
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}
