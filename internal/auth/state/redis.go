package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brizzai/task-mcp/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps attempts in redis so every instance behind a load balancer
// sees the same states. Take relies on GETDEL for single use.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient connects to the configured redis and verifies it answers.
func NewRedisClient(ctx context.Context, cfg *config.StateStoreConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

func (s *RedisStore) key(state string) string {
	return s.prefix + state
}

func (s *RedisStore) Put(ctx context.Context, state string, attempt Attempt, ttl time.Duration) error {
	b, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("encode authorization state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(state), b, ttl).Err(); err != nil {
		return fmt.Errorf("store authorization state: %w", err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, state string) (*Attempt, error) {
	b, err := s.client.GetDel(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load authorization state: %w", err)
	}

	var attempt Attempt
	if err := json.Unmarshal(b, &attempt); err != nil {
		return nil, fmt.Errorf("decode authorization state: %w", err)
	}
	return &attempt, nil
}
