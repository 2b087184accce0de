// Package credential resolves bearer tokens for outbound clients from a named
// secret store: SSM in Lambda, the OS keyring on a workstation.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Getter fetches a secret value by name. *paramstore.Client and *Keyring
// both satisfy it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// tokenPayload is the JSON shape stored for a token.
type tokenPayload struct {
	Token string `json:"token"`
}

// FetchToken reads name from g. The value is either {"token":"..."} or the
// bare token.
func FetchToken(ctx context.Context, g Getter, name string) (string, error) {
	if g == nil {
		return "", errors.New("credential: getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("credential: token name is empty")
	}

	raw, err := g.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("credential: fetch %q: %w", name, err)
	}
	raw = strings.TrimSpace(raw)
	token := raw
	if strings.HasPrefix(raw, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("credential: unmarshal %q as JSON: %w", name, err)
		}
		token = strings.TrimSpace(tp.Token)
	}
	if token == "" {
		return "", fmt.Errorf("credential: token %q is empty", name)
	}
	return token, nil
}

// CachedToken fetches a token on first use and reuses it for the lifetime of
// the process. Failed fetches are retried on the next call.
type CachedToken struct {
	getter Getter
	name   string

	mu    sync.Mutex
	token string
}

func NewCachedToken(g Getter, name string) (*CachedToken, error) {
	if g == nil {
		return nil, errors.New("credential: getter must not be nil")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("credential: token name must not be empty")
	}
	return &CachedToken{getter: g, name: name}, nil
}

func (c *CachedToken) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	token, err := FetchToken(ctx, c.getter, c.name)
	if err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}

// StaticToken is a token known up front, e.g. from an environment variable.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", errors.New("credential: static token is empty")
	}
	return string(s), nil
}
