// Package tasks forwards accepted action items to the backend task endpoint.
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"duka-assistant/internal/domain"
)

const createPath = "/ai/tasks"

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx task endpoint responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("tasks: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("tasks: base URL must not be empty")
	}
	if tokens == nil {
		return nil, errors.New("tasks: token source must not be nil")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateTask posts one action item. Title is required.
func (c *Client) CreateTask(ctx context.Context, in domain.TaskRequest) error {
	if strings.TrimSpace(in.Title) == "" {
		return errors.New("tasks: title must not be empty")
	}
	if in.Steps == nil {
		in.Steps = []string{}
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("tasks: resolve token: %w", err)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("tasks: marshal request: %w", err)
	}

	url := c.baseURL + createPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("tasks: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tasks: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	return nil
}
