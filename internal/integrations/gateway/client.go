// Package gateway talks to the language-model gateway: a one-shot JSON chat
// endpoint and an incremental server-sent-events endpoint.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"duka-assistant/internal/domain"
)

const (
	DefaultBaseURL = "https://api.duka-assistant.app"

	chatPath   = "/ai/chat"
	streamPath = "/ai/chat/stream"

	maxErrorBody = 4096
	maxReplyBody = 1 << 20
)

// ErrStreamingUnsupported means the gateway answered the streaming endpoint
// with something other than an event stream.
var ErrStreamingUnsupported = errors.New("gateway: response is not an event stream")

var (
	// ErrToken wraps failures to obtain the bearer token.
	ErrToken = errors.New("gateway: resolve token")
	// ErrMalformedResponse wraps a success body that could not be decoded.
	ErrMalformedResponse = errors.New("gateway: malformed response")
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// chatResponse accepts both reply field spellings the gateway has used.
type chatResponse struct {
	Reply     string `json:"reply"`
	Text      string `json:"text"`
	RequestID string `json:"requestId"`
}

// errorResponse is the diagnostic body of a failed call.
type errorResponse struct {
	Error     json.RawMessage `json:"error"`
	Message   json.RawMessage `json:"message"`
	Details   json.RawMessage `json:"details"`
	RequestID string          `json:"requestId"`
}

// HTTPStatusError captures non-2xx gateway responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
	// Detail is the gateway's own error text, when the body carried one.
	Detail    string
	RequestID string
}

func (e *HTTPStatusError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Body
	}
	return fmt.Sprintf("gateway: unexpected status %d from %s: %s", e.StatusCode, e.URL, msg)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused client for the gateway's chat endpoints. It sets no
// request deadline of its own; callers bound each call through ctx.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if v := strings.TrimSpace(baseURL); v != "" {
			c.baseURL = v
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(tokens TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("gateway: token source must not be nil")
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

func endpoint(baseURL, path string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return base + path
}

// Chat performs one request/response exchange. It never retries.
func (c *Client) Chat(ctx context.Context, in domain.ChatRequest) (domain.ChatReply, error) {
	url := endpoint(c.baseURL, chatPath)
	req, err := c.newRequest(ctx, url, in)
	if err != nil {
		return domain.ChatReply{}, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return domain.ChatReply{}, fmt.Errorf("gateway: chat request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return domain.ChatReply{}, statusError(res, url)
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxReplyBody))
	if err != nil {
		return domain.ChatReply{}, fmt.Errorf("gateway: read response body: %w", err)
	}
	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.ChatReply{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	reply := payload.Reply
	if strings.TrimSpace(reply) == "" {
		reply = payload.Text
	}
	return domain.ChatReply{Reply: reply, RequestID: payload.RequestID}, nil
}

// Stream opens the incremental endpoint. The caller must Close the returned
// stream. ErrStreamingUnsupported is returned when the response is not
// text/event-stream.
func (c *Client) Stream(ctx context.Context, in domain.ChatRequest) (*Stream, error) {
	url := endpoint(c.baseURL, streamPath)
	req, err := c.newRequest(ctx, url, in)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: stream request failed: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		return nil, statusError(res, url)
	}
	if !isEventStream(res.Header.Get("Content-Type")) {
		_ = res.Body.Close()
		return nil, ErrStreamingUnsupported
	}
	return NewStream(res.Body), nil
}

func (c *Client) newRequest(ctx context.Context, url string, in domain.ChatRequest) (*http.Request, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrToken, err)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}

func statusError(res *http.Response, url string) *HTTPStatusError {
	buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	e := &HTTPStatusError{
		StatusCode: res.StatusCode,
		URL:        url,
		Body:       string(buf),
	}
	var payload errorResponse
	if json.Unmarshal(buf, &payload) == nil {
		e.RequestID = payload.RequestID
		for _, raw := range []json.RawMessage{payload.Error, payload.Message, payload.Details} {
			if d := rawText(raw); d != "" {
				e.Detail = d
				break
			}
		}
	}
	return e
}

// rawText renders a diagnostic field: strings are unquoted, other JSON values
// are kept verbatim.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

// Stream is an open event stream.
type Stream struct {
	body   io.ReadCloser
	events *EventReader
}

// NewStream reads events from body and closes it on Close.
func NewStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, events: NewEventReader(body)}
}

// Next returns the next event, or io.EOF once the server closed the stream.
func (s *Stream) Next() (Event, error) {
	return s.events.Next()
}

func (s *Stream) Close() error {
	return s.body.Close()
}
