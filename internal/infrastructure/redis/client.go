package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/fabricshop/internal/infrastructure/config"
	"github.com/cassiomorais/fabricshop/pkg/retry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewClient creates a new Redis client, retrying the initial ping with backoff.
func NewClient(ctx context.Context, cfg *config.RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
	})

	retryCfg := retry.DefaultConfig()
	if cfg.ConnectRetries > 0 {
		retryCfg.MaxAttempts = uint(cfg.ConnectRetries)
	}
	if cfg.ConnectRetryDelay > 0 {
		retryCfg.InitialDelay = cfg.ConnectRetryDelay
	}
	retryCfg.OnRetry = func(attempt uint, err error) {
		logger.Warn().Err(err).Uint("attempt", attempt).Str("addr", cfg.RedisAddr()).Msg("redis not reachable yet, retrying")
	}

	err := retry.Do(ctx, retryCfg, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", retryCfg.MaxAttempts, err)
	}

	return client, nil
}
