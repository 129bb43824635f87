// Package kv provides the small key/value boundary used by the LimitUsage
// plugin to share rate-limit buckets across proxy replicas.
//
// Graceful degradation: when the backing store is unavailable, Get reports a
// miss and Set is a no-op, so the proxy keeps serving with in-memory state
// rather than failing requests.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const queryTimeout = 500 * time.Millisecond

// Store is the key/value boundary. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}

// RedisStore implements Store on a Redis connection.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStoreFromClient wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisStoreFromClient(cli *redis.Client) *RedisStore {
	return &RedisStore{client: cli}
}

// NewRedisStore parses redisURL, creates a client and verifies the connection
// with a PING.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("kv: ping: %w", err)
	}

	return &RedisStore{client: cli}, nil
}

// Get retrieves the value for key. Returns (nil, false) on a miss or any
// error; errors are logged at WARN level, not propagated.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "kv_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key without expiry. Errors are logged, never
// propagated.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		slog.WarnContext(ctx, "kv_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
