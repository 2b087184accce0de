package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"duka-assistant/handler"
	"duka-assistant/internal/background"
	"duka-assistant/internal/config"
	"duka-assistant/internal/integrations/credential"
	"duka-assistant/internal/integrations/gateway"
	"duka-assistant/internal/integrations/paramstore"
	"duka-assistant/internal/integrations/tasks"
	"duka-assistant/internal/memory"
	"duka-assistant/internal/repository"
	"duka-assistant/internal/typing"
	"duka-assistant/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv(config.PathEnv))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	var gatewayTokens gateway.TokenSource
	if cfg.Gateway.Token != "" {
		gatewayTokens = credential.StaticToken(cfg.Gateway.Token)
	} else {
		cached, err := credential.NewCachedToken(params, cfg.Gateway.TokenName)
		if err != nil {
			slog.Error("failed to create gateway token source", "err", err)
			os.Exit(1)
		}
		gatewayTokens = cached
	}
	taskTokens := gatewayTokens
	if cfg.Gateway.Token == "" && cfg.Tasks.TokenName != cfg.Gateway.TokenName {
		cached, err := credential.NewCachedToken(params, cfg.Tasks.TokenName)
		if err != nil {
			slog.Error("failed to create tasks token source", "err", err)
			os.Exit(1)
		}
		taskTokens = cached
	}

	gw, err := gateway.NewClient(gatewayTokens, gateway.WithBaseURL(cfg.Gateway.BaseURL))
	if err != nil {
		slog.Error("failed to create gateway client", "err", err)
		os.Exit(1)
	}
	taskClient, err := tasks.NewClient(cfg.Tasks.BaseURL, taskTokens)
	if err != nil {
		slog.Error("failed to create tasks client", "err", err)
		os.Exit(1)
	}

	// ---- Memory ----
	sched := background.New(background.WithLogger(logger))
	memOpts := []memory.Option{
		memory.WithScheduler(sched),
		memory.WithLogger(logger),
		memory.WithTTL(cfg.Memory.TTL),
	}
	switch cfg.Memory.Backend {
	case config.BackendDynamoDB:
		durable, err := repository.NewDynamoMemory(awsdynamodb.NewFromConfig(awsCfg), cfg.Memory.Table)
		if err != nil {
			slog.Error("failed to create dynamodb memory", "err", err)
			os.Exit(1)
		}
		memOpts = append(memOpts, memory.WithDurable(durable))
	case config.BackendRedis:
		rdb, err := repository.DialRedis(ctx, cfg.Memory.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "err", err)
			os.Exit(1)
		}
		durable, err := repository.NewRedisMemory(rdb)
		if err != nil {
			slog.Error("failed to create redis memory", "err", err)
			os.Exit(1)
		}
		memOpts = append(memOpts, memory.WithDurable(durable))
	case config.BackendSQLite:
		durable, err := repository.NewSQLiteMemory(cfg.Memory.SQLitePath)
		if err != nil {
			slog.Error("failed to open sqlite memory", "err", err)
			os.Exit(1)
		}
		memOpts = append(memOpts, memory.WithDurable(durable))
	}
	store := memory.New(memOpts...)

	// ---- Handler ----
	svc, err := usecase.NewAssistantService(gw, store,
		usecase.WithTasks(taskClient, sched),
		usecase.WithLogger(logger),
		usecase.WithRetry(cfg.Exchange.MaxAttempts, cfg.Exchange.Backoff),
		usecase.WithTimeouts(cfg.Exchange.AttemptTimeout, cfg.Exchange.StreamTimeout),
		usecase.WithTypingOptions(typing.Options{MaxTotal: cfg.Exchange.FallbackTyping}),
	)
	if err != nil {
		slog.Error("failed to create assistant service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(svc, handler.WithDrain(sched, 0))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
