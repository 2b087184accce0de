package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"duka-assistant/internal/domain"
)

// redisAPI is the subset of *redis.Client used by RedisMemory.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisMemory stores conversation state as JSON strings with a native expiry.
type RedisMemory struct {
	client redisAPI
}

func NewRedisMemory(client redisAPI) (*RedisMemory, error) {
	if client == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	return &RedisMemory{client: client}, nil
}

// DialRedis parses url, connects and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("repository: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("repository: redis ping: %w", err)
	}
	return client, nil
}

func (r *RedisMemory) Load(ctx context.Context, key string) (*domain.ConversationState, error) {
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("repository: redis get: %w", err)
	}
	var st domain.ConversationState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("repository: redis decode: %w", err)
	}
	return &st, nil
}

func (r *RedisMemory) Save(ctx context.Context, key string, st domain.ConversationState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("repository: redis encode: %w", err)
	}
	if err := r.client.Set(ctx, key, data, expireAfter).Err(); err != nil {
		return fmt.Errorf("repository: redis set: %w", err)
	}
	return nil
}

func (r *RedisMemory) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("repository: redis del: %w", err)
	}
	return nil
}
