package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"duka-assistant/internal/background"
	"duka-assistant/internal/domain"
	"duka-assistant/internal/integrations/gateway"
	"duka-assistant/internal/typing"
)

const (
	// DefaultMaxAttempts is also the ceiling; WithRetry never raises it.
	DefaultMaxAttempts    = 2
	DefaultBackoff        = 700 * time.Millisecond
	DefaultAttemptTimeout = 45 * time.Second
	DefaultStreamTimeout  = 60 * time.Second
	// DefaultFallbackTyping caps the simulated reveal after a failed stream.
	DefaultFallbackTyping = 28 * time.Second
)

type Gateway interface {
	Chat(ctx context.Context, in domain.ChatRequest) (domain.ChatReply, error)
	Stream(ctx context.Context, in domain.ChatRequest) (*gateway.Stream, error)
}

type MemoryStore interface {
	Get(ctx context.Context, key string) *domain.ConversationState
	Merge(ctx context.Context, key string, incoming *domain.ConversationState) *domain.ConversationState
	Reset(ctx context.Context, key string)
}

type TaskCreator interface {
	CreateTask(ctx context.Context, in domain.TaskRequest) error
}

type Scheduler interface {
	Go(name string, fn background.Job) error
}

// AssistantService turns a user message into an AiMeta over the gateway,
// keeping per-organization memory between calls.
type AssistantService struct {
	gw     Gateway
	memory MemoryStore
	tasks  TaskCreator
	sched  Scheduler
	logger *slog.Logger
	now    func() time.Time

	maxAttempts    int
	backoff        time.Duration
	attemptTimeout time.Duration
	streamTimeout  time.Duration
	typingOpts     typing.Options
}

type Option func(*AssistantService)

// WithTasks enables forwarding of accepted action items. Calls run on sched.
func WithTasks(tc TaskCreator, sched Scheduler) Option {
	return func(s *AssistantService) {
		s.tasks = tc
		s.sched = sched
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *AssistantService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(s *AssistantService) {
		if maxAttempts > 0 {
			s.maxAttempts = min(maxAttempts, DefaultMaxAttempts)
		}
		if backoff >= 0 {
			s.backoff = backoff
		}
	}
}

func WithTimeouts(attempt, stream time.Duration) Option {
	return func(s *AssistantService) {
		if attempt > 0 {
			s.attemptTimeout = attempt
		}
		if stream > 0 {
			s.streamTimeout = stream
		}
	}
}

// WithTypingOptions sets the pacing of the fallback reveal.
func WithTypingOptions(o typing.Options) Option {
	return func(s *AssistantService) {
		if o.MaxTotal <= 0 {
			o.MaxTotal = DefaultFallbackTyping
		}
		s.typingOpts = o
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *AssistantService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewAssistantService(gw Gateway, mem MemoryStore, opts ...Option) (*AssistantService, error) {
	if gw == nil {
		return nil, errors.New("usecase: gateway must not be nil")
	}
	if mem == nil {
		return nil, errors.New("usecase: memory store must not be nil")
	}
	s := &AssistantService{
		gw:             gw,
		memory:         mem,
		logger:         slog.Default(),
		now:            time.Now,
		maxAttempts:    DefaultMaxAttempts,
		backoff:        DefaultBackoff,
		attemptTimeout: DefaultAttemptTimeout,
		streamTimeout:  DefaultStreamTimeout,
		typingOpts:     typing.Options{MaxTotal: DefaultFallbackTyping},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tasks != nil && s.sched == nil {
		return nil, errors.New("usecase: task forwarding needs a scheduler")
	}
	return s, nil
}

// Reset forgets the conversation memory scoped by c.
func (s *AssistantService) Reset(ctx context.Context, c domain.BusinessContext) {
	key := domain.ConversationKey(c)
	s.memory.Reset(ctx, key)
	s.logger.Info("conversation reset", "key", key)
}

type prepared struct {
	key  string
	req  domain.ChatRequest
	opts domain.AskOpts
}

// prepare validates input and builds the gateway request. It is the only
// step that reads memory before the call.
func (s *AssistantService) prepare(ctx context.Context, message string, opts domain.AskOpts) (prepared, error) {
	msg, err := validateMessage(message)
	if err != nil {
		return prepared{}, err
	}
	if ctx.Err() != nil {
		return prepared{}, ctxError(ctx, ctx.Err())
	}

	key := domain.ConversationKey(opts.Context)
	mem := s.memory.Get(ctx, key)
	history := sanitizeHistory(opts.History)
	bctx := clampContext(opts.Context)
	mode := domain.NormalizeMode(opts.Mode)
	var override domain.Mode
	if m := stabilizeMode(mode, msg, history, mem); m != mode {
		override = m
	}

	packed := buildPacked(promptInput{
		message:  msg,
		mode:     mode,
		override: override,
		memory:   mem,
		context:  bctx,
		history:  history,
	})
	fits := packedFits(packed)
	s.logger.Debug("packed prompt",
		"key", key,
		"chars", utf8.RuneCountInString(packed),
		"sent", fits,
		"preview", preview(packed),
	)

	req := domain.ChatRequest{
		Text:          msg,
		Mode:          mode,
		Context:       bctx,
		History:       history,
		ModelHint:     strings.TrimSpace(opts.ModelHint),
		ReasoningTier: strings.TrimSpace(opts.ReasoningTier),
	}
	if fits {
		req.Packed = packed
	}
	return prepared{key: key, req: req, opts: opts}, nil
}

// absorb writes the reply's language and memory delta back to the store.
func (s *AssistantService) absorb(ctx context.Context, key string, meta domain.AiMeta) {
	var incoming domain.ConversationState
	if meta.Memory != nil {
		incoming = *meta.Memory
	}
	if incoming.Lang == "" && (meta.Lang == domain.LangSwahili || meta.Lang == domain.LangEnglish) {
		incoming.Lang = meta.Lang
	}
	if incoming.IsEmpty() {
		return
	}
	// the reply already arrived; a late cancel must not drop the write-back
	s.memory.Merge(context.WithoutCancel(ctx), key, &incoming)
}

// forwardActions hands each action to the task collaborator in the
// background. Failures are logged by the scheduler only.
func (s *AssistantService) forwardActions(p prepared, actions []domain.ActionItem) {
	if !p.opts.TaskAutosave || s.tasks == nil || len(actions) == 0 {
		return
	}
	for _, a := range actions {
		steps := a.Steps
		if steps == nil {
			steps = []string{}
		}
		req := domain.TaskRequest{
			Title:    a.Title,
			Steps:    steps,
			Priority: a.Priority,
			ETA:      a.ETA,
			OrgID:    p.req.Context.OrgID,
			StoreID:  p.req.Context.StoreID,
		}
		err := s.sched.Go("task_create", func(ctx context.Context) error {
			return s.tasks.CreateTask(ctx, req)
		})
		if err != nil {
			s.logger.Warn("task forward not scheduled", "title", req.Title, "err", err)
		}
	}
}

func ctxError(ctx context.Context, err error) *Error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return newError(ErrorCanceled, "caller_canceled", err)
	}
	return newError(ErrorTimeout, "caller_deadline", err)
}
