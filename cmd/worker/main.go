package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cassiomorais/fabricshop/internal/bootstrap"
	infraRedis "github.com/cassiomorais/fabricshop/internal/infrastructure/redis"
	"github.com/cassiomorais/fabricshop/internal/repository/postgres"
	"github.com/cassiomorais/fabricshop/internal/worker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const idempotencyCleanupInterval = time.Hour

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "fabricshop-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	cfg := app.Config
	workerCfg := cfg.Worker
	locks := worker.RedisLocks(app.Redis, workerCfg.LockTTL)

	// --- Webhook action consumer ---
	consumer := infraRedis.NewStreamConsumer(
		app.Redis,
		cfg.Webhook.Stream,
		workerCfg.ConsumerGroup,
		cfg.InstanceID,
		workerCfg.BatchSize,
		workerCfg.BlockDuration,
	)
	if err := consumer.CreateGroup(ctx); err != nil {
		app.Logger.Error().Err(err).Msg("Failed to create consumer group")
	}
	applier := worker.NewApplier(
		consumer,
		infraRedis.NewStreamProducer(app.Redis, cfg.Webhook.Stream),
		app.Checkout,
		locks,
		app.Metrics,
		app.Logger,
	)

	// --- Reconciliation ---
	reconciler := worker.NewReconciler(worker.ReconcilerConfig{
		Schedule:  workerCfg.ReconcileSchedule,
		OlderThan: workerCfg.ReconcileAfter,
		BatchSize: workerCfg.ReconcileBatch,
	}, app.Checkout, locks, app.Logger)

	app.Logger.Info().
		Str("stream", consumer.Stream()).
		Str("group", workerCfg.ConsumerGroup).
		Str("consumer", cfg.InstanceID).
		Str("reconcile_schedule", workerCfg.ReconcileSchedule).
		Msg("Worker started")

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return applier.Run(gCtx) })
	g.Go(func() error { return reconciler.Run(gCtx) })
	g.Go(func() error {
		return runIdempotencyCleanup(gCtx, app.Logger, postgres.NewReplayRepository(app.Pool))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

// runIdempotencyCleanup drops expired recorded responses.
func runIdempotencyCleanup(ctx context.Context, logger zerolog.Logger, repo *postgres.ReplayRepository) error {
	ticker := time.NewTicker(idempotencyCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := repo.Purge(ctx, time.Now())
		if err != nil {
			logger.Error().Err(err).Msg("Idempotency cleanup failed")
			continue
		}
		if n > 0 {
			logger.Info().Int64("deleted", n).Msg("Expired idempotency keys removed")
		}
	}
}
