package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Durable that keeps each snapshot under a plain string key.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects to the server named by a redis:// URL and verifies it
// responds.
func OpenRedis(ctx context.Context, url string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	if logger != nil {
		logger.Info("redis storage opened", slog.String("addr", opts.Addr))
	}

	return NewRedis(client), nil
}

// NewRedis wraps an existing client. Close closes the client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: redis load %s: %w", key, err)
	}

	return data, nil
}

func (r *Redis) Save(ctx context.Context, key string, data []byte) error {
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("store: redis save %s: %w", key, err)
	}

	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
