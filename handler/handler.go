package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"duka-assistant/internal/domain"
	"duka-assistant/internal/usecase"
)

const (
	correlationHeader   = "X-Correlation-Id"
	defaultDrainTimeout = 2 * time.Second
)

type Assistant interface {
	Exchange(ctx context.Context, message string, opts domain.AskOpts) (domain.AiMeta, error)
	Reset(ctx context.Context, c domain.BusinessContext)
}

type askRequest struct {
	Message string `json:"message"`
	domain.AskOpts
}

type askResponse struct {
	domain.AiMeta
	CorrelationID string `json:"correlationId"`
}

type resetRequest struct {
	Context domain.BusinessContext `json:"context"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Drainer waits for queued side effects to finish.
type Drainer interface {
	Drain(ctx context.Context) error
}

type Handler struct {
	assistant    Assistant
	logger       *slog.Logger
	drainer      Drainer
	drainTimeout time.Duration
}

type Option func(*Handler)

// WithDrain makes every invocation wait up to timeout for background work
// before returning, since Lambda freezes the process once Handle returns.
func WithDrain(d Drainer, timeout time.Duration) Option {
	return func(h *Handler) {
		h.drainer = d
		if timeout > 0 {
			h.drainTimeout = timeout
		}
	}
}

func NewHandler(a Assistant, opts ...Option) (*Handler, error) {
	if a == nil {
		return nil, errors.New("handler: assistant must not be nil")
	}
	h := &Handler{assistant: a, logger: slog.Default(), drainTimeout: defaultDrainTimeout}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle routes API Gateway proxy events: POST /ask and POST /reset.
func (h *Handler) Handle(ctx context.Context, ev events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(ev.Headers)
	logger := h.logger.With("correlationId", corrID)

	if ev.HTTPMethod != http.MethodPost {
		return respondError(corrID, http.StatusMethodNotAllowed, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "method_not_allowed"}), nil
	}

	var resp events.APIGatewayProxyResponse
	switch strings.TrimRight(ev.Path, "/") {
	case "/ask":
		resp = h.ask(ctx, logger, corrID, ev.Body)
	case "/reset":
		resp = h.reset(ctx, logger, corrID, ev.Body)
	default:
		return respondError(corrID, http.StatusNotFound, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "unknown_route"}), nil
	}
	h.drain(ctx, logger)
	return resp, nil
}

func (h *Handler) drain(ctx context.Context, logger *slog.Logger) {
	if h.drainer == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.drainTimeout)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		dctx, cancel = context.WithDeadline(dctx, dl)
		defer cancel()
	}
	if err := h.drainer.Drain(dctx); err != nil {
		logger.Warn("background work still pending at return", "err", err)
	}
}

func (h *Handler) ask(ctx context.Context, logger *slog.Logger, corrID, body string) events.APIGatewayProxyResponse {
	var req askRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		logger.Info("invalid ask body", "err", err)
		return respondError(corrID, http.StatusBadRequest, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body"})
	}

	meta, err := h.assistant.Exchange(ctx, req.Message, req.AskOpts)
	if err != nil {
		var uerr *usecase.Error
		if !errors.As(err, &uerr) {
			uerr = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected", Err: err}
		}
		status := statusFor(uerr)
		if status >= 500 {
			logger.Error("ask failed", "code", uerr.Code, "reason", uerr.Reason, "err", err)
		} else {
			logger.Info("ask rejected", "code", uerr.Code, "reason", uerr.Reason)
		}
		return respondError(corrID, status, uerr)
	}
	return respondJSON(corrID, http.StatusOK, askResponse{AiMeta: meta, CorrelationID: corrID})
}

func (h *Handler) reset(ctx context.Context, logger *slog.Logger, corrID, body string) events.APIGatewayProxyResponse {
	var req resetRequest
	if strings.TrimSpace(body) != "" {
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			logger.Info("invalid reset body", "err", err)
			return respondError(corrID, http.StatusBadRequest, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body"})
		}
	}
	h.assistant.Reset(ctx, req.Context)
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNoContent,
		Headers:    map[string]string{correlationHeader: corrID},
	}
}

func statusFor(e *usecase.Error) int {
	switch e.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorTimeout:
		return http.StatusGatewayTimeout
	case usecase.ErrorCanceled:
		return http.StatusRequestTimeout
	case usecase.ErrorUpstream:
		if e.Status == http.StatusTooManyRequests {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case usecase.ErrorNetwork, usecase.ErrorEmptyReply:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(corrID string, status int, e *usecase.Error) events.APIGatewayProxyResponse {
	return respondJSON(corrID, status, errorResponse{
		Error:     string(e.Code),
		Reason:    e.Reason,
		Message:   e.UserMessage(),
		RequestID: e.RequestID,
	})
}

func respondJSON(corrID string, status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL","message":"Something went wrong. Please try again."}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(body),
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}
