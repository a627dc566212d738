package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Secret names stored in secrets.json.
const (
	SecretAdminToken   = "auth.admin_token"
	SecretRedisPass    = "redis.password"
	SecretSessionToken = "cli.session_token"
)

var errSecretNotFound = errors.New("secret not found")

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// fileSecrets is a flat JSON object of secret name to value, readable only
// by the owner.
type fileSecrets struct {
	path string
}

func (f fileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	secrets := make(map[string]string)
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f fileSecrets) Get(name string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", errSecretNotFound, name)
	}
	return v, nil
}

func (f fileSecrets) Set(name, value string) error {
	secrets, err := f.read()
	if err != nil {
		return err
	}
	if value == "" {
		delete(secrets, name)
	} else {
		secrets[name] = value
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// GetSecret reads a secret from the secrets file.
func GetSecret(name string) (string, error) {
	return fileSecrets{path: secretsFilePath()}.Get(name)
}

// SetSecret stores a secret in the secrets file. An empty value removes it.
func SetSecret(name, value string) error {
	return fileSecrets{path: secretsFilePath()}.Set(name, value)
}

// EnsureAdminToken returns cfg's admin token, generating and storing one on
// first use.
func EnsureAdminToken(cfg *Config) (string, error) {
	return ensureAdminToken(cfg, fileSecrets{path: secretsFilePath()})
}

func ensureAdminToken(cfg *Config, secrets fileSecrets) (string, error) {
	if cfg.Auth.AdminToken != "" {
		return cfg.Auth.AdminToken, nil
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating admin token: %w", err)
	}
	token := hex.EncodeToString(b)
	if err := secrets.Set(SecretAdminToken, token); err != nil {
		return "", err
	}
	cfg.Auth.AdminToken = token
	return token, nil
}
