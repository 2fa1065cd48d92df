package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "storeclaw"

// KeyringStore stores credentials in the OS keyring.
type KeyringStore struct{}

// NewKeyringStore creates a KeyringStore.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func (k *KeyringStore) Load(_ context.Context, tenantID string) (*channels.Credentials, error) {
	raw, err := keyring.Get(keyringService, entryKey(tenantID))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading keyring: %w", err)
	}
	return decode(raw)
}

func (k *KeyringStore) Save(_ context.Context, tenantID string, creds *channels.Credentials) error {
	raw, err := encode(creds)
	if err != nil {
		return err
	}
	if err := keyring.Set(keyringService, entryKey(tenantID), raw); err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	return nil
}

func (k *KeyringStore) Clear(_ context.Context, tenantID string) error {
	err := keyring.Delete(keyringService, entryKey(tenantID))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting keyring entry: %w", err)
	}
	return nil
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__storeclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}
