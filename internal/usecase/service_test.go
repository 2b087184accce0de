package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duka-assistant/internal/background"
	"duka-assistant/internal/domain"
	"duka-assistant/internal/integrations/gateway"
	"duka-assistant/internal/memory"
	"duka-assistant/internal/parser"
	"duka-assistant/internal/typing"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu          sync.Mutex
	chatCalls   int
	streamCalls int
	requests    []domain.ChatRequest

	chatFn   func(ctx context.Context, call int) (domain.ChatReply, error)
	streamFn func(ctx context.Context) (*gateway.Stream, error)
}

func (f *fakeGateway) Chat(ctx context.Context, in domain.ChatRequest) (domain.ChatReply, error) {
	f.mu.Lock()
	f.chatCalls++
	call := f.chatCalls
	f.requests = append(f.requests, in)
	f.mu.Unlock()
	if f.chatFn == nil {
		return domain.ChatReply{}, errors.New("chat not configured")
	}
	return f.chatFn(ctx, call)
}

func (f *fakeGateway) Stream(ctx context.Context, in domain.ChatRequest) (*gateway.Stream, error) {
	f.mu.Lock()
	f.streamCalls++
	f.requests = append(f.requests, in)
	f.mu.Unlock()
	if f.streamFn == nil {
		return nil, gateway.ErrStreamingUnsupported
	}
	return f.streamFn(ctx)
}

func (f *fakeGateway) lastRequest() domain.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func replyWith(raw string) func(context.Context, int) (domain.ChatReply, error) {
	return func(context.Context, int) (domain.ChatReply, error) {
		return domain.ChatReply{Reply: raw, RequestID: "req-1"}, nil
	}
}

func sseBody(events ...string) func(context.Context) (*gateway.Stream, error) {
	return func(context.Context) (*gateway.Stream, error) {
		return gateway.NewStream(io.NopCloser(strings.NewReader(strings.Join(events, "")))), nil
	}
}

// delta frames s as one delta record, one data line per text line.
func delta(s string) string {
	var b strings.Builder
	b.WriteString("event: delta\n")
	for _, line := range strings.Split(s, "\n") {
		b.WriteString("data: " + line + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

type fakeTasks struct {
	mu   sync.Mutex
	got  []domain.TaskRequest
	fail error
}

func (f *fakeTasks) CreateTask(_ context.Context, in domain.TaskRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, in)
	return f.fail
}

func (f *fakeTasks) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.got {
		out = append(out, r.Title)
	}
	return out
}

func fastTyping() typing.Options {
	return typing.Options{
		Base:       time.Microsecond,
		Jitter:     -1,
		PunctPause: time.Microsecond,
		MaxTotal:   time.Second,
	}
}

func newTestService(t *testing.T, gw *fakeGateway, opts ...Option) (*AssistantService, *memory.Store) {
	t.Helper()
	store := memory.New(memory.WithClock(func() time.Time { return fixedNow }))
	base := []Option{
		WithRetry(DefaultMaxAttempts, time.Millisecond),
		WithClock(func() time.Time { return fixedNow }),
		WithTypingOptions(fastTyping()),
	}
	svc, err := NewAssistantService(gw, store, append(base, opts...)...)
	require.NoError(t, err)
	return svc, store
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, code, e.Code, "reason=%s", e.Reason)
	return e
}

const structuredReply = parser.ReplyMarker + "\nAnza na hesabu ya stoo kila Jumatatu.\n" + parser.ActionsMarker +
	`{"lang":"sw","nextMove":"Hesabu stoo","actions":[{"title":"Hesabu stoo","steps":["Andika bidhaa"," "],"priority":"HIGH"},{"steps":["x"]}],` +
	`"memory":{"topic":"stoo","strategyLevel":"PLAN"}}`

func TestNewAssistantService_Validation(t *testing.T) {
	_, err := NewAssistantService(nil, memory.New())
	require.Error(t, err)
	_, err = NewAssistantService(&fakeGateway{}, nil)
	require.Error(t, err)
	_, err = NewAssistantService(&fakeGateway{}, memory.New(), WithTasks(&fakeTasks{}, nil))
	require.ErrorContains(t, err, "scheduler")
}

func TestExchange_InputValidation(t *testing.T) {
	gw := &fakeGateway{chatFn: replyWith("ok")}
	svc, _ := newTestService(t, gw)

	_, err := svc.Exchange(context.Background(), "   ", domain.AskOpts{})
	e := requireCode(t, err, ErrorInvalidInput)
	require.Equal(t, "empty_message", e.Reason)

	_, err = svc.Exchange(context.Background(), strings.Repeat("a", MaxMessageChars+1), domain.AskOpts{})
	e = requireCode(t, err, ErrorInvalidInput)
	require.Equal(t, "message_too_long", e.Reason)

	_, err = svc.Exchange(context.Background(), strings.Repeat("ñ", MaxMessageChars), domain.AskOpts{})
	require.NoError(t, err)
	require.Equal(t, 1, gw.chatCalls)
}

func TestExchange_RetryBoundOnTransientStatus(t *testing.T) {
	gw := &fakeGateway{chatFn: func(context.Context, int) (domain.ChatReply, error) {
		return domain.ChatReply{}, &gateway.HTTPStatusError{StatusCode: 503, Detail: "overloaded", RequestID: "req-503"}
	}}
	svc, _ := newTestService(t, gw)

	_, err := svc.Exchange(context.Background(), "habari", domain.AskOpts{})
	e := requireCode(t, err, ErrorUpstream)
	require.Equal(t, 503, e.Status)
	require.Equal(t, "req-503", e.RequestID)
	require.Equal(t, 2, gw.chatCalls)
}

func TestExchange_RetryOptionCannotRaiseAttempts(t *testing.T) {
	gw := &fakeGateway{chatFn: func(context.Context, int) (domain.ChatReply, error) {
		return domain.ChatReply{}, &gateway.HTTPStatusError{StatusCode: 503}
	}}
	svc, _ := newTestService(t, gw, WithRetry(5, time.Millisecond))

	_, err := svc.Exchange(context.Background(), "habari", domain.AskOpts{})
	requireCode(t, err, ErrorUpstream)
	require.Equal(t, 2, gw.chatCalls)
}

func TestExchange_RetryThenSuccess(t *testing.T) {
	gw := &fakeGateway{chatFn: func(_ context.Context, call int) (domain.ChatReply, error) {
		if call == 1 {
			return domain.ChatReply{}, &gateway.HTTPStatusError{StatusCode: 429}
		}
		return domain.ChatReply{Reply: "sawa"}, nil
	}}
	svc, _ := newTestService(t, gw)

	meta, err := svc.Exchange(context.Background(), "habari", domain.AskOpts{})
	require.NoError(t, err)
	require.Equal(t, "sawa", meta.Text)
	require.Equal(t, 2, gw.chatCalls)
}

func TestExchange_TerminalFailuresAreNotRetried(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{"bad request", &gateway.HTTPStatusError{StatusCode: 400}, ErrorUpstream},
		{"unauthorized", &gateway.HTTPStatusError{StatusCode: 401}, ErrorUpstream},
		{"malformed body", gateway.ErrMalformedResponse, ErrorUpstream},
		{"no token", gateway.ErrToken, ErrorInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{chatFn: func(context.Context, int) (domain.ChatReply, error) {
				return domain.ChatReply{}, tc.err
			}}
			svc, _ := newTestService(t, gw)
			_, err := svc.Exchange(context.Background(), "habari", domain.AskOpts{})
			requireCode(t, err, tc.code)
			require.Equal(t, 1, gw.chatCalls)
		})
	}
}

func TestExchange_EmptyReplyIsTerminal(t *testing.T) {
	gw := &fakeGateway{chatFn: replyWith("  \n ")}
	svc, _ := newTestService(t, gw)
	_, err := svc.Exchange(context.Background(), "habari", domain.AskOpts{})
	requireCode(t, err, ErrorEmptyReply)
	require.Equal(t, 1, gw.chatCalls)
}

func TestExchange_AttemptTimeoutIsRetriedThenSurfaced(t *testing.T) {
	gw := &fakeGateway{chatFn: func(ctx context.Context, _ int) (domain.ChatReply, error) {
		<-ctx.Done()
		return domain.ChatReply{}, ctx.Err()
	}}
	svc, _ := newTestService(t, gw, WithTimeouts(20*time.Millisecond, 0))

	_, err := svc.Exchange(context.Background(), "habari", domain.AskOpts{})
	requireCode(t, err, ErrorTimeout)
	require.Equal(t, 2, gw.chatCalls)
}

func TestExchange_NetworkErrorIsRetried(t *testing.T) {
	gw := &fakeGateway{chatFn: func(_ context.Context, call int) (domain.ChatReply, error) {
		if call == 1 {
			return domain.ChatReply{}, io.ErrUnexpectedEOF
		}
		return domain.ChatReply{Reply: "ok"}, nil
	}}
	svc, _ := newTestService(t, gw)
	_, err := svc.Exchange(context.Background(), "habari", domain.AskOpts{})
	require.NoError(t, err)
	require.Equal(t, 2, gw.chatCalls)
}

func TestExchange_CallerCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := &fakeGateway{chatFn: func(context.Context, int) (domain.ChatReply, error) {
		cancel()
		return domain.ChatReply{}, &gateway.HTTPStatusError{StatusCode: 503}
	}}
	svc, _ := newTestService(t, gw)

	_, err := svc.Exchange(ctx, "habari", domain.AskOpts{})
	requireCode(t, err, ErrorCanceled)
	require.Equal(t, 1, gw.chatCalls)
}

func TestExchange_ParsesAndAbsorbsMemory(t *testing.T) {
	gw := &fakeGateway{chatFn: replyWith(structuredReply)}
	svc, store := newTestService(t, gw)
	opts := domain.AskOpts{Context: domain.BusinessContext{OrgID: "org-1"}}

	meta, err := svc.Exchange(context.Background(), "Nisaidie kupanga stoo yangu wiki hii tafadhali", opts)
	require.NoError(t, err)
	require.Equal(t, "Anza na hesabu ya stoo kila Jumatatu.", meta.Text)
	require.Equal(t, domain.LangSwahili, meta.Lang)
	require.Equal(t, []domain.ActionItem{{Title: "Hesabu stoo", Steps: []string{"Andika bidhaa"}, Priority: domain.PriorityHigh}}, meta.Actions)

	st := store.Get(context.Background(), "org-1")
	require.NotNil(t, st)
	require.Equal(t, "stoo", st.Topic)
	require.Equal(t, domain.StrategyPlan, st.StrategyLevel)
	require.Equal(t, domain.LangSwahili, st.Lang)
	require.Equal(t, fixedNow, st.UpdatedAt)

	// a terse follow-up inherits the stored language
	_, err = svc.Exchange(context.Background(), "ok", opts)
	require.NoError(t, err)
	req := gw.lastRequest()
	require.Equal(t, domain.ModeAuto, req.Mode)
	require.Contains(t, req.Packed, "Keep replying in Swahili")
	require.Contains(t, req.Packed, "Conversation memory (use only if relevant):")
	require.Contains(t, req.Packed, "- topic: stoo")
}

func TestExchange_ExplicitModeIsNeverOverridden(t *testing.T) {
	gw := &fakeGateway{chatFn: replyWith(structuredReply)}
	svc, _ := newTestService(t, gw)
	opts := domain.AskOpts{Context: domain.BusinessContext{OrgID: "org-1"}}
	_, err := svc.Exchange(context.Background(), "Nisaidie kupanga stoo yangu wiki hii tafadhali", opts)
	require.NoError(t, err)

	opts.Mode = domain.ModeEN
	_, err = svc.Exchange(context.Background(), "ok", opts)
	require.NoError(t, err)
	require.Equal(t, domain.ModeEN, gw.lastRequest().Mode)
	require.Contains(t, gw.lastRequest().Packed, "Reply in English only.")
}

func TestExchange_HistoryAndContextCeilings(t *testing.T) {
	gw := &fakeGateway{chatFn: replyWith("ok")}
	svc, _ := newTestService(t, gw)

	history := make([]domain.HistoryItem, 20)
	for i := range history {
		history[i] = domain.HistoryItem{Role: domain.RoleUser, Text: strings.Repeat("x", 2000)}
	}
	history[19].Text = "last turn"
	_, err := svc.Exchange(context.Background(), "habari", domain.AskOpts{
		History: history,
		Context: domain.BusinessContext{OrgName: strings.Repeat("n", 2000), Currency: strings.Repeat("T", 40)},
	})
	require.NoError(t, err)

	req := gw.lastRequest()
	require.Len(t, req.History, 10)
	for _, h := range req.History[:9] {
		require.Len(t, h.Text, 800)
	}
	require.Equal(t, "last turn", req.History[9].Text)
	require.Len(t, req.Context.OrgName, 1200)
	require.Len(t, req.Context.Currency, 32)
}

func TestExchange_PackedOnlySentBelowLimit(t *testing.T) {
	gw := &fakeGateway{chatFn: replyWith("ok")}
	svc, _ := newTestService(t, gw)

	_, err := svc.Exchange(context.Background(), "habari ya leo", domain.AskOpts{})
	require.NoError(t, err)
	packed := gw.lastRequest().Packed
	require.Contains(t, packed, parser.ReplyMarker)
	require.True(t, strings.HasSuffix(packed, "User message:\nhabari ya leo"))

	_, err = svc.Exchange(context.Background(), strings.Repeat("neno ", 1400), domain.AskOpts{})
	require.NoError(t, err)
	require.Empty(t, gw.lastRequest().Packed)
	require.NotEmpty(t, gw.lastRequest().Text)
}

func TestExchange_ForwardsActionsWhenAutosaveIsOn(t *testing.T) {
	gw := &fakeGateway{chatFn: replyWith(structuredReply)}
	tasks := &fakeTasks{fail: errors.New("backend down")}
	sched := background.New()
	svc, _ := newTestService(t, gw, WithTasks(tasks, sched))
	opts := domain.AskOpts{Context: domain.BusinessContext{OrgID: "org-1", StoreID: "s-1"}}

	_, err := svc.Exchange(context.Background(), "panga stoo", opts)
	require.NoError(t, err)
	sched.Wait()
	require.Empty(t, tasks.titles())

	opts.TaskAutosave = true
	_, err = svc.Exchange(context.Background(), "panga stoo", opts)
	require.NoError(t, err, "task failures never reach the caller")
	sched.Wait()
	require.Equal(t, []string{"Hesabu stoo"}, tasks.titles())
	require.Equal(t, "org-1", tasks.got[0].OrgID)
	require.Equal(t, "s-1", tasks.got[0].StoreID)
	f := <-sched.Failures()
	require.Equal(t, "task_create", f.Name)
}

func TestReset_ClearsMemory(t *testing.T) {
	gw := &fakeGateway{chatFn: replyWith(structuredReply)}
	svc, store := newTestService(t, gw)
	bctx := domain.BusinessContext{OrgID: "org-1"}
	_, err := svc.Exchange(context.Background(), "panga stoo", domain.AskOpts{Context: bctx})
	require.NoError(t, err)
	require.NotNil(t, store.Get(context.Background(), "org-1"))

	svc.Reset(context.Background(), bctx)
	require.Nil(t, store.Get(context.Background(), "org-1"))
}

func TestExchangeStreaming_EmitsReplyPortionOnly(t *testing.T) {
	chunks := []string{"<<<REPLY_", "MARKER>>>\nAnza na ", "hesabu ya stoo", " kila Jumatatu.\n<<<ACT", "IONS_MARKER>>>{\"lang\":\"sw\"}"}
	var events []string
	for _, c := range chunks {
		events = append(events, delta(c))
	}
	events = append(events, "event: done\ndata: {}\n\n")
	gw := &fakeGateway{streamFn: sseBody(events...)}
	svc, _ := newTestService(t, gw)

	var partials []string
	meta, err := svc.ExchangeStreaming(context.Background(), "panga stoo", domain.AskOpts{}, func(s string) {
		partials = append(partials, s)
	})
	require.NoError(t, err)
	require.Equal(t, 0, gw.chatCalls)
	require.Equal(t, "Anza na hesabu ya stoo kila Jumatatu.", meta.Text)
	require.Equal(t, domain.LangSwahili, meta.Lang)
	for _, p := range partials {
		require.NotContains(t, p, "<<<")
		require.NotContains(t, p, "lang")
	}
	require.Equal(t, meta.Text, partials[len(partials)-1])
}

func TestExchangeStreaming_FallbackMatchesSync(t *testing.T) {
	fallbacks := map[string]func(context.Context) (*gateway.Stream, error){
		"error event":  sseBody(delta("Anza"), "event: error\ndata: {\"error\":\"model crashed\"}\n\n"),
		"empty stream": sseBody("event: done\ndata: {}\n\n"),
		"blank deltas": sseBody(delta("   "), "event: done\n\n"),
		"not a stream": func(context.Context) (*gateway.Stream, error) {
			return nil, gateway.ErrStreamingUnsupported
		},
		"bad status": func(context.Context) (*gateway.Stream, error) {
			return nil, &gateway.HTTPStatusError{StatusCode: 502}
		},
		"read error": func(context.Context) (*gateway.Stream, error) {
			return gateway.NewStream(io.NopCloser(errReader{})), nil
		},
	}

	syncGW := &fakeGateway{chatFn: replyWith(structuredReply)}
	syncSvc, _ := newTestService(t, syncGW)
	want, err := syncSvc.Exchange(context.Background(), "panga stoo", domain.AskOpts{})
	require.NoError(t, err)

	for name, streamFn := range fallbacks {
		t.Run(name, func(t *testing.T) {
			gw := &fakeGateway{chatFn: replyWith(structuredReply), streamFn: streamFn}
			svc, _ := newTestService(t, gw)

			var last string
			got, err := svc.ExchangeStreaming(context.Background(), "panga stoo", domain.AskOpts{}, func(s string) { last = s })
			require.NoError(t, err)
			require.Equal(t, want, got)
			require.Equal(t, want.Text, last)
			require.Equal(t, 1, gw.chatCalls)
		})
	}
}

func TestExchangeStreaming_StreamAndSyncAgree(t *testing.T) {
	streamGW := &fakeGateway{streamFn: sseBody(delta(structuredReply), "event: done\n\n")}
	streamSvc, _ := newTestService(t, streamGW)
	streamed, err := streamSvc.ExchangeStreaming(context.Background(), "panga stoo", domain.AskOpts{}, nil)
	require.NoError(t, err)

	syncGW := &fakeGateway{chatFn: replyWith(structuredReply)}
	syncSvc, _ := newTestService(t, syncGW)
	synced, err := syncSvc.Exchange(context.Background(), "panga stoo", domain.AskOpts{})
	require.NoError(t, err)

	require.Equal(t, synced, streamed)
}

func TestExchangeStreaming_JSONChunkIsAppendedVerbatim(t *testing.T) {
	raw := parser.ReplyMarker + "Check stock" + parser.ActionsMarker + `{"lang":"en","actions":[{"title":"Count stock"}]}`
	streamGW := &fakeGateway{streamFn: sseBody(
		delta(parser.ReplyMarker+"Check stock"+parser.ActionsMarker),
		delta(`{"lang":"en","actions":[{"title":"Count stock"}]}`),
		"event: done\n\n",
	)}
	streamSvc, _ := newTestService(t, streamGW)
	streamed, err := streamSvc.ExchangeStreaming(context.Background(), "check stock", domain.AskOpts{}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, streamGW.chatCalls)

	syncSvc, _ := newTestService(t, &fakeGateway{chatFn: replyWith(raw)})
	synced, err := syncSvc.Exchange(context.Background(), "check stock", domain.AskOpts{})
	require.NoError(t, err)

	require.Equal(t, synced, streamed)
	require.Equal(t, domain.LangEnglish, streamed.Lang)
	require.Len(t, streamed.Actions, 1)
	require.Equal(t, "Count stock", streamed.Actions[0].Title)
}

func TestExchangeStreaming_CeilingFallsBack(t *testing.T) {
	gw := &fakeGateway{
		chatFn: replyWith("jibu kamili"),
		streamFn: func(ctx context.Context) (*gateway.Stream, error) {
			pr, pw := io.Pipe()
			go func() {
				_, _ = io.WriteString(pw, delta("mwanzo"))
				<-ctx.Done()
				pw.CloseWithError(ctx.Err())
			}()
			return gateway.NewStream(pr), nil
		},
	}
	svc, _ := newTestService(t, gw, WithTimeouts(0, 30*time.Millisecond))

	var partials []string
	meta, err := svc.ExchangeStreaming(context.Background(), "habari", domain.AskOpts{}, func(s string) { partials = append(partials, s) })
	require.NoError(t, err)
	require.Equal(t, "jibu kamili", meta.Text)
	require.Equal(t, "mwanzo", partials[0])
	require.Equal(t, "jibu kamili", partials[len(partials)-1])
}

func TestExchangeStreaming_CancelDoesNotFallBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := &fakeGateway{
		chatFn: replyWith("never"),
		streamFn: func(sctx context.Context) (*gateway.Stream, error) {
			pr, pw := io.Pipe()
			go func() {
				_, _ = io.WriteString(pw, delta("Hab"))
				<-sctx.Done()
				pw.CloseWithError(sctx.Err())
			}()
			return gateway.NewStream(pr), nil
		},
	}
	svc, _ := newTestService(t, gw)

	_, err := svc.ExchangeStreaming(ctx, "habari", domain.AskOpts{}, func(string) { cancel() })
	requireCode(t, err, ErrorCanceled)
	require.Equal(t, 0, gw.chatCalls)
}

func TestExchangeStreaming_InvalidInputIsNotRetried(t *testing.T) {
	gw := &fakeGateway{}
	svc, _ := newTestService(t, gw)
	_, err := svc.ExchangeStreaming(context.Background(), "", domain.AskOpts{}, nil)
	requireCode(t, err, ErrorInvalidInput)
	require.Equal(t, 0, gw.streamCalls)
	require.Equal(t, 0, gw.chatCalls)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }
