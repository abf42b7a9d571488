package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const (
	serviceName = "daybook"
	tokenKey    = "remote-token"
)

// Keyring stores the token in the OS credential store.
type Keyring struct {
	ring keyring.Keyring
}

// OpenKeyring opens the daybook keyring. fileDir backs the encrypted file
// backend used when no system keychain is available.
func OpenKeyring(fileDir string) (*Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("daybook-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyring(ring), nil
}

// NewKeyring wraps an already opened keyring.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

func (k *Keyring) Name() string { return "keyring" }

func (k *Keyring) Token(context.Context) (string, error) {
	item, err := k.ring.Get(tokenKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("getting credential: %w", err)
	}
	if len(item.Data) == 0 {
		return "", ErrNoCredential
	}
	return string(item.Data), nil
}

// Set stores the token.
func (k *Keyring) Set(token string) error {
	err := k.ring.Set(keyring.Item{
		Key:   tokenKey,
		Data:  []byte(token),
		Label: "daybook remote token",
	})
	if err != nil {
		return fmt.Errorf("setting credential: %w", err)
	}
	return nil
}

// Delete removes the token. Removing an absent token is not an error.
func (k *Keyring) Delete() error {
	err := k.ring.Remove(tokenKey)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}
