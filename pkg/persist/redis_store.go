package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mindline-health/sessionkit/pkg/config"
)

// RedisStore implements TokenStore using Redis. It exists for server-resident
// tooling (schedulers, operator CLIs) that shares one platform credential
// across instances; the mobile and web clients use FileStore.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed token store and verifies the
// connection before returning.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	slog.Info("Connected to Redis", "address", cfg.Addr)

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sessionkit"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
	}, nil
}

// storageKey returns the Redis key for a storage key.
func (s *RedisStore) storageKey(key string) string {
	return fmt.Sprintf("%s:token:%s", s.prefix, key)
}

// Get retrieves the value for a key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.storageKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	return value, true, nil
}

// Set stores a value under a key.
func (s *RedisStore) Set(ctx context.Context, key string, value string) error {
	if err := s.client.Set(ctx, s.storageKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	slog.Debug("Stored value", "key", key)
	return nil
}

// Remove deletes a key.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.storageKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}

	slog.Debug("Removed value", "key", key)
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ TokenStore = (*RedisStore)(nil)
