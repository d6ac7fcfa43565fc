// Package redisstore provides Redis-backed frontier and lease stores shared by
// every worker process. Each multi-step mutation runs as a Lua script or a
// MULTI/EXEC transaction so concurrent workers never observe partial state.
package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and verifies the server answers.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
