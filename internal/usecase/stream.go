package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"duka-assistant/internal/domain"
	"duka-assistant/internal/integrations/gateway"
	"duka-assistant/internal/parser"
	"duka-assistant/internal/typing"
)

var errEmptyStream = errors.New("usecase: stream produced no text")

// ExchangeStreaming is Exchange over the incremental endpoint. onPartial
// receives the growing reply text. Any stream failure other than caller
// cancellation falls back to Exchange plus a simulated reveal through the
// same callback, so the caller sees one result shape either way.
func (s *AssistantService) ExchangeStreaming(ctx context.Context, message string, opts domain.AskOpts, onPartial func(string)) (domain.AiMeta, error) {
	if onPartial == nil {
		onPartial = func(string) {}
	}
	p, err := s.prepare(ctx, message, opts)
	if err != nil {
		return domain.AiMeta{}, err
	}

	raw, err := s.streamOnce(ctx, p.req, onPartial)
	if err == nil {
		meta := s.finish(ctx, p, raw)
		onPartial(meta.Text)
		s.logger.Info("ai stream complete", "key", p.key, "lang", meta.Lang, "actions", len(meta.Actions))
		return meta, nil
	}
	if ctx.Err() != nil {
		return domain.AiMeta{}, ctxError(ctx, err)
	}

	s.logger.Warn("ai stream failed, falling back", "key", p.key, "err", err)
	meta, xerr := s.exchange(ctx, p)
	if xerr != nil {
		return domain.AiMeta{}, xerr
	}
	if err := typing.Reveal(ctx, meta.Text, onPartial, s.typingOpts); err != nil {
		return domain.AiMeta{}, ctxError(ctx, err)
	}
	return meta, nil
}

// streamOnce reads the event stream under the streaming ceiling and returns
// the accumulated raw text.
func (s *AssistantService) streamOnce(ctx context.Context, req domain.ChatRequest, onPartial func(string)) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, s.streamTimeout)
	defer cancel()

	st, err := s.gw.Stream(sctx, req)
	if err != nil {
		return "", err
	}
	defer func() { _ = st.Close() }()

	var (
		acc  strings.Builder
		last string
	)
loop:
	for {
		ev, err := st.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if sctx.Err() != nil {
				return "", fmt.Errorf("usecase: stream read: %w", sctx.Err())
			}
			return "", fmt.Errorf("usecase: stream read: %w", err)
		}

		switch ev.Name {
		case gateway.EventDelta, gateway.EventMessage:
			// delta data is raw reply text
			acc.WriteString(ev.Data)
			if portion := parser.ReplyPortion(acc.String()); portion != last {
				last = portion
				onPartial(portion)
			}
		case gateway.EventError:
			return "", fmt.Errorf("usecase: stream error event: %s", gateway.ErrorText(ev.Data))
		case gateway.EventDone:
			break loop
		}
	}

	if strings.TrimSpace(acc.String()) == "" {
		return "", errEmptyStream
	}
	return acc.String(), nil
}
