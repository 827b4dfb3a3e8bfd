package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// configDirName is the per-user state directory under the home dir.
const configDirName = ".memoryx"

// Credentials is the client's persisted identity, written after
// auto-registration.
type Credentials struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	AgentID   string `toml:"agent_id"`
	ProjectID string `toml:"project_id"`
}

// DefaultOutboxPath returns the per-install outbox location under the
// user's home directory, creating the directory if needed.
func DefaultOutboxPath() (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "outbox.db"), nil
}

// CredentialsPath returns the credentials file location.
func CredentialsPath() (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.toml"), nil
}

func stateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, configDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating state directory: %w", err)
	}
	return dir, nil
}

// LoadCredentials reads the persisted identity. A missing file returns
// zero credentials and no error.
func LoadCredentials(path string) (Credentials, error) {
	var creds Credentials
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return creds, nil
		}
		return creds, fmt.Errorf("reading credentials: %w", err)
	}
	if err := toml.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("parsing credentials: %w", err)
	}
	return creds, nil
}

// SaveCredentials persists the identity with owner-only permissions.
func SaveCredentials(path string, creds Credentials) error {
	data, err := toml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	return nil
}
