// Command ask is a terminal client for the assistant. It streams replies,
// keeps conversation memory in a local SQLite file, and reads the gateway
// token from GATEWAY_TOKEN or the OS keyring.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"duka-assistant/internal/background"
	"duka-assistant/internal/config"
	"duka-assistant/internal/domain"
	"duka-assistant/internal/integrations/credential"
	"duka-assistant/internal/integrations/gateway"
	"duka-assistant/internal/integrations/tasks"
	"duka-assistant/internal/memory"
	"duka-assistant/internal/repository"
	"duka-assistant/internal/typing"
	"duka-assistant/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ask failed", "err", err)
		os.Exit(1)
	}
}

type flags struct {
	mode     string
	orgID    string
	storeID  string
	fresh    bool
	noStream bool
	autosave bool
	setToken bool
	envFile  string
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.mode, "mode", string(domain.ModeAuto), "reply language: AUTO, SW or EN")
	flag.StringVar(&f.orgID, "org", "", "organization id")
	flag.StringVar(&f.storeID, "store", "", "store id")
	flag.BoolVar(&f.fresh, "new", false, "forget the conversation before asking")
	flag.BoolVar(&f.noStream, "no-stream", false, "use the single-response endpoint")
	flag.BoolVar(&f.autosave, "autosave", false, "create tasks for suggested actions")
	flag.BoolVar(&f.setToken, "set-token", false, "read a gateway token from stdin and store it in the keyring")
	flag.StringVar(&f.envFile, "env", ".env", "dotenv file to load if present")
	flag.Parse()
	return f
}

func run() error {
	f := parseFlags()
	if err := godotenv.Load(f.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", f.envFile, err)
	}

	cfg, err := config.Load(os.Getenv(config.PathEnv))
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.setToken {
		return storeToken(cfg.Gateway.TokenName, os.Stdin)
	}

	tokens, err := tokenSource(cfg)
	if err != nil {
		return err
	}
	gw, err := gateway.NewClient(tokens, gateway.WithBaseURL(cfg.Gateway.BaseURL))
	if err != nil {
		return err
	}

	sched := background.New(background.WithLogger(logger))
	defer func() { _ = sched.Close(context.Background()) }()

	memOpts := []memory.Option{
		memory.WithScheduler(sched),
		memory.WithLogger(logger),
		memory.WithTTL(cfg.Memory.TTL),
	}
	switch cfg.Memory.Backend {
	case config.BackendSQLite, config.BackendNone:
		// the terminal client always keeps memory on disk
		durable, err := repository.NewSQLiteMemory(cfg.Memory.SQLitePath)
		if err != nil {
			return err
		}
		defer durable.Close()
		memOpts = append(memOpts, memory.WithDurable(durable))
	case config.BackendRedis:
		rdb, err := repository.DialRedis(ctx, cfg.Memory.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		durable, err := repository.NewRedisMemory(rdb)
		if err != nil {
			return err
		}
		memOpts = append(memOpts, memory.WithDurable(durable))
	default:
		return fmt.Errorf("memory backend %q is not available in the terminal client", cfg.Memory.Backend)
	}
	store := memory.New(memOpts...)

	svcOpts := []usecase.Option{
		usecase.WithLogger(logger),
		usecase.WithRetry(cfg.Exchange.MaxAttempts, cfg.Exchange.Backoff),
		usecase.WithTimeouts(cfg.Exchange.AttemptTimeout, cfg.Exchange.StreamTimeout),
		usecase.WithTypingOptions(typing.Options{MaxTotal: cfg.Exchange.FallbackTyping}),
	}
	if f.autosave {
		taskClient, err := tasks.NewClient(cfg.Tasks.BaseURL, tokens)
		if err != nil {
			return err
		}
		svcOpts = append(svcOpts, usecase.WithTasks(taskClient, sched))
	}
	svc, err := usecase.NewAssistantService(gw, store, svcOpts...)
	if err != nil {
		return err
	}

	opts := domain.AskOpts{
		Mode:         domain.NormalizeMode(domain.Mode(strings.ToUpper(f.mode))),
		Context:      domain.BusinessContext{OrgID: f.orgID, StoreID: f.storeID},
		TaskAutosave: f.autosave,
	}
	if f.fresh {
		svc.Reset(ctx, opts.Context)
	}

	s := session{svc: svc, opts: opts, stream: !f.noStream, out: os.Stdout}
	if msg := strings.TrimSpace(strings.Join(flag.Args(), " ")); msg != "" {
		return s.ask(ctx, msg)
	}
	return s.repl(ctx, os.Stdin)
}

func tokenSource(cfg *config.Config) (gateway.TokenSource, error) {
	if cfg.Gateway.Token != "" {
		return credential.StaticToken(cfg.Gateway.Token), nil
	}
	ring, err := credential.OpenKeyring()
	if err != nil {
		return nil, err
	}
	return credential.NewCachedToken(ring, cfg.Gateway.TokenName)
}

func storeToken(name string, in io.Reader) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return errors.New("no token on stdin")
	}
	ring, err := credential.OpenKeyring()
	if err != nil {
		return err
	}
	return ring.Set(name, token)
}

type assistant interface {
	Exchange(ctx context.Context, message string, opts domain.AskOpts) (domain.AiMeta, error)
	ExchangeStreaming(ctx context.Context, message string, opts domain.AskOpts, onPartial func(string)) (domain.AiMeta, error)
	Reset(ctx context.Context, c domain.BusinessContext)
}

type session struct {
	svc    assistant
	opts   domain.AskOpts
	stream bool
	out    io.Writer
}

func (s *session) ask(ctx context.Context, message string) error {
	var (
		meta domain.AiMeta
		err  error
	)
	if s.stream {
		var printed string
		meta, err = s.svc.ExchangeStreaming(ctx, message, s.opts, func(text string) {
			if strings.HasPrefix(text, printed) {
				fmt.Fprint(s.out, text[len(printed):])
			} else {
				fmt.Fprint(s.out, "\n"+text)
			}
			printed = text
		})
		fmt.Fprintln(s.out)
	} else {
		meta, err = s.svc.Exchange(ctx, message, s.opts)
		if err == nil {
			fmt.Fprintln(s.out, meta.Text)
		}
	}
	if err != nil {
		var uerr *usecase.Error
		if errors.As(err, &uerr) {
			fmt.Fprintln(s.out, uerr.UserMessage())
			return nil
		}
		return err
	}

	printActions(s.out, meta)
	s.opts.History = append(s.opts.History,
		domain.HistoryItem{Role: domain.RoleUser, Text: message},
		domain.HistoryItem{Role: domain.RoleAssistant, Text: meta.Text},
	)
	return nil
}

func (s *session) repl(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/new":
			s.svc.Reset(ctx, s.opts.Context)
			s.opts.History = nil
			continue
		case "/quit":
			return nil
		}
		if err := s.ask(ctx, line); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func printActions(w io.Writer, meta domain.AiMeta) {
	for i, a := range meta.Actions {
		fmt.Fprintf(w, "  %d. %s", i+1, a.Title)
		if a.Priority != "" {
			fmt.Fprintf(w, " [%s]", a.Priority)
		}
		fmt.Fprintln(w)
		for _, step := range a.Steps {
			fmt.Fprintf(w, "     - %s\n", step)
		}
	}
	if meta.NextMove != "" {
		fmt.Fprintf(w, "  next: %s\n", meta.NextMove)
	}
}
