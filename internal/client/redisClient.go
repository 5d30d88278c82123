package client

import (
	"context"
	"fmt"
	"time"

	"purchase-processor/internal/config"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the lock store and checks it answers.
func NewRedisClient(ctx context.Context, cfg *config.Redis) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
