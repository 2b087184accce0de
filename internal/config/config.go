// Package config loads runtime settings from an optional YAML file and the
// environment. Environment variables win over the file; both win over
// defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// maxExchangeAttempts bounds the gateway attempts per exchange.
const maxExchangeAttempts = 2

// PathEnv names the variable holding the optional config file path.
const PathEnv = "DUKA_CONFIG"

const (
	BackendNone     = "none"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
)

type GatewayConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	TokenName string `mapstructure:"token_name"`
	// Token, when set, is used as-is instead of a secret store lookup.
	Token string `mapstructure:"token"`
}

type TasksConfig struct {
	// BaseURL defaults to the gateway base URL.
	BaseURL   string `mapstructure:"base_url"`
	TokenName string `mapstructure:"token_name"`
}

type MemoryConfig struct {
	Backend    string        `mapstructure:"backend"`
	TTL        time.Duration `mapstructure:"ttl"`
	Table      string        `mapstructure:"table"`
	RedisURL   string        `mapstructure:"redis_url"`
	SQLitePath string        `mapstructure:"sqlite_path"`
}

type ExchangeConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Backoff        time.Duration `mapstructure:"backoff"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	StreamTimeout  time.Duration `mapstructure:"stream_timeout"`
	FallbackTyping time.Duration `mapstructure:"fallback_typing"`
}

type Config struct {
	Gateway     GatewayConfig  `mapstructure:"gateway"`
	Tasks       TasksConfig    `mapstructure:"tasks"`
	Memory      MemoryConfig   `mapstructure:"memory"`
	Exchange    ExchangeConfig `mapstructure:"exchange"`
	ParamPrefix string         `mapstructure:"param_prefix"`
	LogLevel    string         `mapstructure:"log_level"`
}

// envKeys maps config keys to their environment variables.
var envKeys = map[string]string{
	"gateway.base_url":         "GATEWAY_BASE_URL",
	"gateway.token_name":       "GATEWAY_TOKEN_NAME",
	"gateway.token":            "GATEWAY_TOKEN",
	"tasks.base_url":           "TASKS_BASE_URL",
	"tasks.token_name":         "TASKS_TOKEN_NAME",
	"memory.backend":           "MEMORY_BACKEND",
	"memory.ttl":               "MEMORY_TTL",
	"memory.table":             "MEMORY_TABLE",
	"memory.redis_url":         "REDIS_URL",
	"memory.sqlite_path":       "SQLITE_PATH",
	"exchange.max_attempts":    "EXCHANGE_MAX_ATTEMPTS",
	"exchange.backoff":         "EXCHANGE_BACKOFF",
	"exchange.attempt_timeout": "EXCHANGE_ATTEMPT_TIMEOUT",
	"exchange.stream_timeout":  "EXCHANGE_STREAM_TIMEOUT",
	"exchange.fallback_typing": "EXCHANGE_FALLBACK_TYPING",
	"param_prefix":             "PARAM_PREFIX",
	"log_level":                "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.base_url", "https://api.duka-assistant.app")
	v.SetDefault("gateway.token_name", "gateway-token")
	v.SetDefault("tasks.token_name", "gateway-token")
	v.SetDefault("memory.backend", BackendNone)
	v.SetDefault("memory.ttl", 6*time.Hour)
	v.SetDefault("memory.sqlite_path", "duka-memory.db")
	v.SetDefault("exchange.max_attempts", 2)
	v.SetDefault("exchange.backoff", 700*time.Millisecond)
	v.SetDefault("exchange.attempt_timeout", 45*time.Second)
	v.SetDefault("exchange.stream_timeout", 60*time.Second)
	v.SetDefault("exchange.fallback_typing", 28*time.Second)
	v.SetDefault("param_prefix", "/duka-assistant")
	v.SetDefault("log_level", "info")
}

// Load reads path (optional; a missing file is not an error) and the
// environment, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if strings.TrimSpace(cfg.Tasks.BaseURL) == "" {
		cfg.Tasks.BaseURL = cfg.Gateway.BaseURL
	}
	cfg.Memory.Backend = strings.ToLower(strings.TrimSpace(cfg.Memory.Backend))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Gateway.BaseURL) == "" {
		return errors.New("config: gateway.base_url must not be empty")
	}
	switch c.Memory.Backend {
	case BackendNone, BackendSQLite:
	case BackendDynamoDB:
		if strings.TrimSpace(c.Memory.Table) == "" {
			return errors.New("config: memory.table is required for the dynamodb backend")
		}
	case BackendRedis:
		if strings.TrimSpace(c.Memory.RedisURL) == "" {
			return errors.New("config: memory.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown memory backend %q", c.Memory.Backend)
	}
	if c.Exchange.MaxAttempts < 1 || c.Exchange.MaxAttempts > maxExchangeAttempts {
		return fmt.Errorf("config: exchange.max_attempts must be between 1 and %d, got %d", maxExchangeAttempts, c.Exchange.MaxAttempts)
	}
	return nil
}

// SlogLevel parses LogLevel, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return l
}
