package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"duka-assistant/internal/domain"
	"duka-assistant/internal/integrations/gateway"
	"duka-assistant/internal/parser"
)

var transientStatus = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Exchange sends message to the synchronous endpoint and returns the parsed
// reply. Transient failures are retried once after a fixed backoff.
func (s *AssistantService) Exchange(ctx context.Context, message string, opts domain.AskOpts) (domain.AiMeta, error) {
	p, err := s.prepare(ctx, message, opts)
	if err != nil {
		return domain.AiMeta{}, err
	}
	return s.exchange(ctx, p)
}

func (s *AssistantService) exchange(ctx context.Context, p prepared) (domain.AiMeta, error) {
	reply, attempts, err := s.chatWithRetry(ctx, p.req)
	if err != nil {
		s.logger.Warn("ai exchange failed",
			"key", p.key,
			"attempts", attempts,
			"code", err.Code,
			"reason", err.Reason,
			"requestId", err.RequestID,
			"err", err.Err,
		)
		return domain.AiMeta{}, err
	}
	meta := s.finish(ctx, p, reply.Reply)
	s.logger.Info("ai exchange complete",
		"key", p.key,
		"requestId", reply.RequestID,
		"attempts", attempts,
		"lang", meta.Lang,
		"actions", len(meta.Actions),
	)
	return meta, nil
}

// finish parses raw and applies the side effects of a successful reply.
func (s *AssistantService) finish(ctx context.Context, p prepared, raw string) domain.AiMeta {
	res := parser.ParseDetailed(raw, s.now())
	if len(res.Rejected) > 0 {
		s.logger.Debug("dropped invalid actions", "key", p.key, "rejected", res.Rejected)
	}
	if !res.Structured || !res.PayloadValid {
		s.logger.Debug("reply without usable payload", "key", p.key, "structured", res.Structured)
	}
	s.absorb(ctx, p.key, res.Meta)
	s.forwardActions(p, res.Meta.Actions)
	return res.Meta
}

func (s *AssistantService) chatWithRetry(ctx context.Context, req domain.ChatRequest) (domain.ChatReply, int, *Error) {
	for attempt := 1; ; attempt++ {
		reply, err := s.chatOnce(ctx, req)
		if err == nil {
			if strings.TrimSpace(reply.Reply) == "" {
				e := newError(ErrorEmptyReply, "empty_reply", nil)
				e.RequestID = reply.RequestID
				return domain.ChatReply{}, attempt, e
			}
			return reply, attempt, nil
		}

		e, retry := classify(ctx, err)
		if !retry || attempt >= s.maxAttempts {
			return domain.ChatReply{}, attempt, e
		}
		s.logger.Warn("gateway attempt failed, retrying",
			"attempt", attempt,
			"code", e.Code,
			"reason", e.Reason,
			"err", err,
		)
		if err := sleep(ctx, s.backoff); err != nil {
			return domain.ChatReply{}, attempt, ctxError(ctx, err)
		}
	}
}

func (s *AssistantService) chatOnce(ctx context.Context, req domain.ChatRequest) (domain.ChatReply, error) {
	actx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()
	return s.gw.Chat(actx, req)
}

// classify maps a gateway error to a typed error and reports whether another
// attempt may help. A done caller context always wins.
func classify(ctx context.Context, err error) (*Error, bool) {
	if ctx.Err() != nil {
		return ctxError(ctx, err), false
	}

	var se *gateway.HTTPStatusError
	if errors.As(err, &se) {
		e := newError(ErrorUpstream, fmt.Sprintf("status_%d", se.StatusCode), err)
		e.Status = se.StatusCode
		e.RequestID = se.RequestID
		return e, transientStatus[se.StatusCode]
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorTimeout, "attempt_timeout", err), true
	case errors.Is(err, gateway.ErrToken):
		return newError(ErrorInternal, "credentials_unavailable", err), false
	case errors.Is(err, gateway.ErrMalformedResponse):
		return newError(ErrorUpstream, "malformed_response", err), false
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return newError(ErrorNetwork, "connection_closed", err), true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return newError(ErrorTimeout, "transport_timeout", err), true
		}
		return newError(ErrorNetwork, "transport_error", err), true
	}
	return newError(ErrorUpstream, "gateway_error", err), false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
