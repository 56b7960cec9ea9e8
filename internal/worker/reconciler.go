package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/fabricshop/internal/service"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SessionReconciler polls the gateway for sessions stuck in a non-final state.
type SessionReconciler interface {
	Reconcile(ctx context.Context, olderThan time.Duration, limit int) (service.ReconcileReport, error)
}

// ReconcilerConfig controls the reconciliation job.
type ReconcilerConfig struct {
	Schedule  string
	OlderThan time.Duration
	BatchSize int
}

const reconcileLockKey = "reconcile:payment-sessions"

// Reconciler runs reconciliation passes on a cron schedule. Only one worker
// instance runs a pass at a time.
type Reconciler struct {
	cfg    ReconcilerConfig
	svc    SessionReconciler
	locks  LockFactory
	logger zerolog.Logger
}

func NewReconciler(cfg ReconcilerConfig, svc SessionReconciler, locks LockFactory, logger zerolog.Logger) *Reconciler {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.OlderThan <= 0 {
		cfg.OlderThan = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		cfg:    cfg,
		svc:    svc,
		locks:  locks,
		logger: logger.With().Str("component", "reconciler").Logger(),
	}
}

// Run schedules passes until ctx is canceled, then waits for a running pass
// to finish.
func (r *Reconciler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.cfg.Schedule, err)
	}

	c.Start()
	r.logger.Info().Str("schedule", r.cfg.Schedule).Msg("reconciler started")

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info().Msg("reconciler stopped")
	return nil
}

// RunOnce performs a single reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) {
	if r.locks != nil {
		lock := r.locks(reconcileLockKey)
		acquired, err := lock.Acquire(ctx)
		if err != nil || !acquired {
			r.logger.Debug().Err(err).Msg("reconcile pass already running elsewhere")
			return
		}
		defer func() {
			if err := lock.Release(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("failed to release reconcile lock")
			}
		}()
	}

	start := time.Now()
	report, err := r.svc.Reconcile(ctx, r.cfg.OlderThan, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("reconcile pass failed")
		return
	}
	r.logger.Info().
		Int("checked", report.Checked).
		Int("updated", report.Updated).
		Int("unchanged", report.Unchanged).
		Int("failed", report.Failed).
		Dur("duration", time.Since(start)).
		Msg("reconcile pass finished")
}
