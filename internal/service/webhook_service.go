package service

import (
	"context"
	"fmt"

	"github.com/cassiomorais/fabricshop/internal/infrastructure/observability"
	"github.com/cassiomorais/fabricshop/internal/provider"
	"github.com/rs/zerolog"
)

// WebhookDeduper drops gateway redeliveries.
type WebhookDeduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// WebhookPublisher queues translated webhooks for the worker.
type WebhookPublisher interface {
	PublishWebhookAction(ctx context.Context, providerID string, result provider.WebhookActionResult) (string, error)
}

// WebhookApplier moves a session according to a translated webhook.
type WebhookApplier interface {
	ApplyWebhookAction(ctx context.Context, providerID string, result provider.WebhookActionResult) error
}

// WebhookService translates inbound gateway notifications and hands actionable
// ones to the worker, falling back to applying them in-process.
type WebhookService struct {
	providers *provider.Registry
	deduper   WebhookDeduper
	publisher WebhookPublisher
	applier   WebhookApplier
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewWebhookService creates a WebhookService. publisher may be nil, in which
// case every action is applied in-process; metrics may be nil.
func NewWebhookService(
	providers *provider.Registry,
	deduper WebhookDeduper,
	publisher WebhookPublisher,
	applier WebhookApplier,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *WebhookService {
	return &WebhookService{
		providers: providers,
		deduper:   deduper,
		publisher: publisher,
		applier:   applier,
		metrics:   metrics,
		logger:    logger.With().Str("component", "webhook").Logger(),
	}
}

// Handle translates payload with the named provider. The returned result is
// what the endpoint reports back to the gateway; an error means the provider
// is unknown or the action could not be queued nor applied.
func (s *WebhookService) Handle(ctx context.Context, providerID string, payload provider.WebhookPayload) (provider.WebhookActionResult, error) {
	p, err := s.providers.Get(providerID)
	if err != nil {
		return provider.WebhookActionResult{}, err
	}

	res := p.GetWebhookActionAndData(ctx, payload)
	log := s.logger.With().
		Str("provider", providerID).
		Str("event", res.Event).
		Str("action", string(res.Action)).
		Str("external_id", res.PaymentID).
		Logger()

	if !res.Actionable() {
		log.Debug().Str("reason", string(res.Reason)).Msg("webhook not actionable")
		s.count(providerID, res, "ignored")
		return res, nil
	}

	key := dedupKey(providerID, res)
	if s.deduper != nil {
		seen, err := s.deduper.Seen(ctx, key)
		if err != nil {
			// Applying twice is harmless, so a dedup outage only costs work.
			log.Warn().Err(err).Msg("webhook dedup unavailable")
		} else if seen {
			log.Info().Msg("duplicate webhook dropped")
			s.count(providerID, res, "duplicate")
			return res, nil
		}
	}

	if s.publisher != nil {
		msgID, err := s.publisher.PublishWebhookAction(ctx, providerID, res)
		if err == nil {
			log.Info().Str("message_id", msgID).Msg("webhook action queued")
			s.count(providerID, res, "queued")
			return res, nil
		}
		log.Warn().Err(err).Msg("queueing webhook action failed, applying in-process")
	}

	if err := s.applier.ApplyWebhookAction(ctx, providerID, res); err != nil {
		if s.deduper != nil {
			if ferr := s.deduper.Forget(ctx, key); ferr != nil {
				log.Warn().Err(ferr).Msg("failed to release webhook dedup key")
			}
		}
		s.count(providerID, res, "failed")
		return res, fmt.Errorf("apply webhook action: %w", err)
	}

	s.count(providerID, res, "applied")
	return res, nil
}

func (s *WebhookService) count(providerID string, res provider.WebhookActionResult, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.WebhookEventsTotal.WithLabelValues(providerID, string(res.Action), outcome).Inc()
}

func dedupKey(providerID string, res provider.WebhookActionResult) string {
	return providerID + ":" + res.Event + ":" + res.PaymentID
}
