// Package bootstrap wires the infrastructure shared by the API and worker
// processes.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/cassiomorais/fabricshop/internal/infrastructure/config"
	"github.com/cassiomorais/fabricshop/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/fabricshop/internal/infrastructure/redis"
	"github.com/cassiomorais/fabricshop/internal/provider"
	"github.com/cassiomorais/fabricshop/internal/repository/postgres"
	"github.com/cassiomorais/fabricshop/internal/service"
	"github.com/cassiomorais/fabricshop/internal/yookassa"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const metricsNamespace = "fabricshop"

type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *observability.Metrics
	Providers *provider.Registry
	Sessions  *postgres.SessionRepository
	Checkout  *service.CheckoutService
}

func New(ctx context.Context, serviceName string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.ForService(observability.InitLogger(cfg.Observability.LogLevel, os.Stdout), serviceName, cfg.InstanceID)
	logger.Info().Msg("Starting")

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			go func() {
				<-ctx.Done()
				observability.Shutdown(context.Background(), tp)
			}()
			logger.Info().Str("endpoint", cfg.Observability.JaegerEndpoint).Msg("Tracing enabled")
		}
	}

	metrics := observability.NewMetrics(metricsNamespace, nil)

	pool, err := postgres.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	redisClient, err := infraRedis.NewClient(ctx, &cfg.Redis, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("Connected to Redis")

	if !cfg.Gateway.Configured() {
		logger.Warn().Msg("Payment gateway credentials missing, gateway calls will fail as not configured")
	}
	gateway := yookassa.NewClient(yookassa.ClientConfig{
		ShopID:    cfg.Gateway.ShopID,
		SecretKey: cfg.Gateway.SecretKey,
		BaseURL:   cfg.Gateway.BaseURL,
		Timeout:   cfg.Gateway.Timeout,
	}, yookassa.WithLogger(logger), yookassa.WithMetrics(metrics))
	providers := provider.NewRegistry(yookassa.NewProvider(gateway, yookassa.Options{
		ReturnURL:         cfg.Gateway.ReturnURL,
		DescriptionPrefix: cfg.Gateway.DescriptionPrefix,
	}, logger))

	sessions := postgres.NewSessionRepository(pool)
	checkout := service.NewCheckoutService(sessions, postgres.NewTxManager(pool), providers, metrics, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Pool:      pool,
		Redis:     redisClient,
		Metrics:   metrics,
		Providers: providers,
		Sessions:  sessions,
		Checkout:  checkout,
	}, nil
}

func (a *App) Close() {
	if err := a.Redis.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close redis client")
	}
	a.Pool.Close()
}
