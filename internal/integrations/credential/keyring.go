package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "duka-assistant"

// Keyring reads tokens from the OS keyring.
type Keyring struct {
	ring keyring.Keyring
}

// OpenKeyring opens the platform keyring, falling back to an encrypted file
// under ~/.config/duka-assistant.
func OpenKeyring() (*Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/duka-assistant/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("duka-assistant-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("credential: open keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

func NewKeyring(ring keyring.Keyring) (*Keyring, error) {
	if ring == nil {
		return nil, errors.New("credential: keyring must not be nil")
	}
	return &Keyring{ring: ring}, nil
}

// GetParameter implements Getter. The keyring API is local and ignores ctx.
func (k *Keyring) GetParameter(_ context.Context, name string) (string, error) {
	item, err := k.ring.Get(name)
	if err != nil {
		return "", fmt.Errorf("credential: get %q: %w", name, err)
	}
	return string(item.Data), nil
}

// Set stores value under name.
func (k *Keyring) Set(name, value string) error {
	err := k.ring.Set(keyring.Item{
		Key:  name,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("credential: set %q: %w", name, err)
	}
	return nil
}

func (k *Keyring) Delete(name string) error {
	if err := k.ring.Remove(name); err != nil {
		return fmt.Errorf("credential: delete %q: %w", name, err)
	}
	return nil
}
