// Package credentials persists the per-tenant channel credentials handle
// (the paired device identity) outside the session, so a restart can
// resume the same device without a new QR scan.
//
// Backends:
//   - keyring: the OS keyring (Secret Service, Keychain, Credential Manager)
//   - vault:   an AES-256-GCM file keyed with Argon2id from a master password
//   - memory:  process-local, for tests and the simulator
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
)

// Store loads, saves and clears credentials per tenant.
type Store interface {
	// Load returns nil, nil when the tenant has no stored credentials.
	Load(ctx context.Context, tenantID string) (*channels.Credentials, error)
	Save(ctx context.Context, tenantID string, creds *channels.Credentials) error
	Clear(ctx context.Context, tenantID string) error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "keyring", "vault" or "memory". Default: "vault".
	Backend string `yaml:"backend" validate:"omitempty,oneof=keyring vault memory"`

	// VaultPath is the vault file for the "vault" backend.
	VaultPath string `yaml:"vault_path"`
}

// DefaultConfig returns the vault backend at ./data/credentials.vault.
func DefaultConfig() Config {
	return Config{
		Backend:   "vault",
		VaultPath: "./data/credentials.vault",
	}
}

// VaultPasswordEnv names the variable holding the vault master password
// for non-interactive runs.
const VaultPasswordEnv = "STORECLAW_VAULT_PASSWORD"

// ErrNoPassword is returned when the vault backend has no master password.
var ErrNoPassword = errors.New("vault password not available")

// Open builds the configured backend. For the vault backend the password is
// taken from STORECLAW_VAULT_PASSWORD, falling back to prompt (which may be
// nil in non-interactive runs). A missing vault file is created.
func Open(cfg Config, prompt func() (string, error), logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "credentials")

	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil

	case "keyring":
		if !KeyringAvailable() {
			return nil, fmt.Errorf("OS keyring is not available")
		}
		logger.Info("credentials stored in OS keyring")
		return NewKeyringStore(), nil

	case "", "vault":
		path := cfg.VaultPath
		if path == "" {
			path = DefaultConfig().VaultPath
		}

		password := os.Getenv(VaultPasswordEnv)
		if password == "" && prompt != nil {
			p, err := prompt()
			if err != nil {
				return nil, fmt.Errorf("reading vault password: %w", err)
			}
			password = p
		}
		if password == "" {
			return nil, ErrNoPassword
		}

		v := NewVault(path)
		if v.Exists() {
			if err := v.Unlock(password); err != nil {
				return nil, fmt.Errorf("unlocking vault: %w", err)
			}
		} else if err := v.Create(password); err != nil {
			return nil, fmt.Errorf("creating vault: %w", err)
		}
		logger.Info("credentials stored in vault", "path", path)
		return NewVaultStore(v), nil
	}

	return nil, fmt.Errorf("unknown credentials backend %q", cfg.Backend)
}

// entryKey is the secret name used for a tenant.
func entryKey(tenantID string) string {
	return "whatsapp:" + tenantID
}

func encode(creds *channels.Credentials) (string, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encoding credentials: %w", err)
	}
	return string(data), nil
}

func decode(raw string) (*channels.Credentials, error) {
	if raw == "" {
		return nil, nil
	}
	var creds channels.Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return &creds, nil
}

// MemoryStore keeps credentials in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]channels.Credentials
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]channels.Credentials)}
}

func (m *MemoryStore) Load(_ context.Context, tenantID string) (*channels.Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	creds, ok := m.entries[tenantID]
	if !ok {
		return nil, nil
	}
	return &creds, nil
}

func (m *MemoryStore) Save(_ context.Context, tenantID string, creds *channels.Credentials) error {
	if creds == nil {
		return fmt.Errorf("nil credentials")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tenantID] = *creds
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, tenantID)
	return nil
}
