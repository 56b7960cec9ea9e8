// Package worker runs the background jobs of the payment bridge: applying
// queued webhook actions and reconciling stale sessions against the gateway.
package worker

import (
	"context"
	"errors"
	"time"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/cassiomorais/fabricshop/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/fabricshop/internal/infrastructure/redis"
	"github.com/cassiomorais/fabricshop/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Consumer reads a Redis stream as part of a consumer group.
type Consumer interface {
	Stream() string
	Read(ctx context.Context) ([]redis.XStream, error)
	Ack(ctx context.Context, messageID string) error
	ClaimStale(ctx context.Context, minIdle time.Duration) ([]redis.XMessage, error)
	DeliveryCount(ctx context.Context, messageID string) (int64, error)
}

// DeadLetterQueue stores messages that can never be applied.
type DeadLetterQueue interface {
	PublishToDLQ(ctx context.Context, messageID string, reason string, values map[string]any) error
}

// Lock is a mutual exclusion held across worker instances.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory returns a lock for key.
type LockFactory func(key string) Lock

// RedisLocks builds locks backed by Redis with the given ttl.
func RedisLocks(client redis.Cmdable, ttl time.Duration) LockFactory {
	return func(key string) Lock {
		return infraRedis.NewDistributedLock(client, key, ttl)
	}
}

const (
	readBackoff   = time.Second
	claimInterval = 30 * time.Second
	claimMinIdle  = time.Minute

	// maxDeliveries bounds how often a failing action is retried before it
	// is dead-lettered.
	maxDeliveries = 5
)

// Applier consumes the webhook action stream and applies each action to its
// session. Actions for one session are serialized with a lock keyed by the
// correlation id.
type Applier struct {
	consumer Consumer
	dlq      DeadLetterQueue
	applier  service.WebhookApplier
	locks    LockFactory
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// NewApplier creates an Applier. metrics may be nil.
func NewApplier(
	consumer Consumer,
	dlq DeadLetterQueue,
	applier service.WebhookApplier,
	locks LockFactory,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Applier {
	return &Applier{
		consumer: consumer,
		dlq:      dlq,
		applier:  applier,
		locks:    locks,
		metrics:  metrics,
		logger:   logger.With().Str("component", "webhook-applier").Str("stream", consumer.Stream()).Logger(),
	}
}

// Run blocks until ctx is canceled.
func (a *Applier) Run(ctx context.Context) error {
	a.logger.Info().Msg("webhook applier started")
	nextClaim := time.Now().Add(claimInterval)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("webhook applier stopped")
			return nil
		default:
		}

		if time.Now().After(nextClaim) {
			a.claimStale(ctx)
			nextClaim = time.Now().Add(claimInterval)
		}

		streams, err := a.consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			a.logger.Error().Err(err).Msg("failed to read from stream")
			sleep(ctx, readBackoff)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				a.Process(ctx, msg)
			}
		}
	}
}

// Process applies one stream message. Messages whose session is locked by
// another consumer are left pending and picked up again by claimStale.
func (a *Applier) Process(ctx context.Context, msg redis.XMessage) {
	start := time.Now()
	log := a.logger.With().Str("message_id", msg.ID).Logger()

	decoded, err := infraRedis.DecodeWebhookAction(msg)
	if err != nil {
		log.Error().Err(err).Msg("undecodable webhook action")
		a.deadLetter(ctx, msg, "decode_error")
		return
	}
	res := decoded.Result
	log = log.With().
		Str("provider", decoded.ProviderID).
		Str("correlation_id", res.Data.SessionID).
		Str("action", string(res.Action)).
		Logger()

	lock := a.locks("session:" + res.Data.SessionID)
	acquired, err := lock.Acquire(ctx)
	if err != nil || !acquired {
		log.Warn().Err(err).Msg("could not acquire session lock, skipping")
		a.count("skipped")
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to release session lock")
		}
	}()

	if err := a.applier.ApplyWebhookAction(ctx, decoded.ProviderID, res); err != nil {
		a.failed(ctx, log, msg, err)
		return
	}

	if err := a.consumer.Ack(ctx, msg.ID); err != nil {
		log.Error().Err(err).Msg("failed to ack message")
		return
	}
	a.count("success")
	if a.metrics != nil {
		a.metrics.WorkerProcessingDuration.WithLabelValues(a.consumer.Stream()).Observe(time.Since(start).Seconds())
	}
	log.Debug().Msg("webhook action applied")
}

// failed dead-letters actions that can never apply. Anything else stays
// pending for claimStale until it has been delivered maxDeliveries times.
func (a *Applier) failed(ctx context.Context, log zerolog.Logger, msg redis.XMessage, err error) {
	if permanent(err) {
		log.Error().Err(err).Msg("webhook action cannot be applied")
		a.deadLetter(ctx, msg, "apply_error: "+err.Error())
		return
	}

	deliveries, countErr := a.consumer.DeliveryCount(ctx, msg.ID)
	if countErr != nil {
		log.Warn().Err(countErr).Msg("failed to read delivery count")
	}
	if deliveries >= maxDeliveries {
		log.Error().Err(err).Int64("deliveries", deliveries).Msg("webhook action still failing, giving up")
		a.deadLetter(ctx, msg, "apply_error_max_deliveries: "+err.Error())
		return
	}

	log.Warn().Err(err).Int64("deliveries", deliveries).Msg("failed to apply webhook action, will retry")
	a.count("retry")
}

func permanent(err error) bool {
	return errors.Is(err, domainErrors.ErrValidationFailed) ||
		errors.Is(err, domainErrors.ErrInvalidInput) ||
		errors.Is(err, domainErrors.ErrBusinessRule) ||
		errors.Is(err, domainErrors.ErrInvalidStateTransition) ||
		errors.Is(err, domainErrors.ErrProviderNotFound) ||
		errors.Is(err, domainErrors.ErrSessionNotFound)
}

func (a *Applier) claimStale(ctx context.Context) {
	messages, err := a.consumer.ClaimStale(ctx, claimMinIdle)
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to claim stale messages")
		return
	}
	if len(messages) > 0 {
		a.logger.Info().Int("count", len(messages)).Msg("claimed stale messages")
	}
	for _, msg := range messages {
		a.Process(ctx, msg)
	}
}

func (a *Applier) deadLetter(ctx context.Context, msg redis.XMessage, reason string) {
	if err := a.dlq.PublishToDLQ(ctx, msg.ID, reason, msg.Values); err != nil {
		// Leave it pending so it is retried rather than lost.
		a.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to dead-letter message")
		return
	}
	if err := a.consumer.Ack(ctx, msg.ID); err != nil {
		a.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to ack dead-lettered message")
	}
	a.count("dead_lettered")
}

func (a *Applier) count(status string) {
	if a.metrics == nil {
		return
	}
	a.metrics.WorkerMessagesProcessed.WithLabelValues(a.consumer.Stream(), status).Inc()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
