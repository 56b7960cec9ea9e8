package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/cassiomorais/fabricshop/internal/domain/session"
	"github.com/cassiomorais/fabricshop/internal/infrastructure/observability"
	"github.com/cassiomorais/fabricshop/internal/provider"
	"github.com/cassiomorais/fabricshop/pkg/saga"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultCurrency = "RUB"

// CheckoutService drives payment providers on behalf of the checkout flow and
// keeps the stored payment sessions in step with the gateway.
type CheckoutService struct {
	sessions  session.Repository
	txManager TransactionManager
	providers *provider.Registry
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewCheckoutService creates a new CheckoutService. metrics may be nil.
func NewCheckoutService(
	sessions session.Repository,
	txManager TransactionManager,
	providers *provider.Registry,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *CheckoutService {
	return &CheckoutService{
		sessions:  sessions,
		txManager: txManager,
		providers: providers,
		metrics:   metrics,
		logger:    logger.With().Str("component", "checkout").Logger(),
	}
}

// Get returns a stored session.
func (s *CheckoutService) Get(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return s.sessions.GetByID(ctx, id)
}

// Events returns the audit trail of a session.
func (s *CheckoutService) Events(ctx context.Context, id uuid.UUID) ([]*session.Event, error) {
	if _, err := s.sessions.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.sessions.GetEvents(ctx, id)
}

// Initiate creates a session and a gateway payment for it. Repeating the call
// with the same idempotency key returns the existing session; a session whose
// earlier attempt failed transiently is retried under the same key, which the
// gateway deduplicates.
//
// Provider failures are not returned as errors: the session is returned with
// LastError set so the checkout page can show the message.
func (s *CheckoutService) Initiate(ctx context.Context, req InitiateSessionRequest) (*session.Session, error) {
	p, err := s.providers.Get(req.ProviderID)
	if err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	sess, err := s.sessions.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		if sess.ExternalID != "" || sess.Status != session.StatusPending {
			return sess, nil
		}
	case errors.Is(err, domainErrors.ErrSessionNotFound):
		sess, err = s.create(ctx, req)
		if errors.Is(err, domainErrors.ErrDuplicateIdempotencyKey) {
			return s.sessions.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	res := p.InitiatePayment(ctx, provider.InitiateInput{
		Amount:       float64(sess.Amount),
		CurrencyCode: sess.CurrencyCode,
		Context:      provider.PaymentContext{IdempotencyKey: sess.IdempotencyKey},
	})
	if res.Failed() {
		return s.recordFailure(ctx, sess, "initiate", res)
	}

	sess, err = s.commit(ctx, sess.ID, "session.initiated", func(fresh *session.Session) (map[string]any, error) {
		if fresh.ExternalID != "" {
			return nil, errNoChange
		}
		fresh.Bind(externalID(res), res.Data.String("session_id"), res.Data)
		return map[string]any{
			"external_id": fresh.ExternalID,
			"status":      res.Data["status"],
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("session_id", sess.ID.String()).
		Str("external_id", sess.ExternalID).
		Int64("amount", sess.Amount).
		Msg("payment session initiated")
	return sess, nil
}

func (s *CheckoutService) create(ctx context.Context, req InitiateSessionRequest) (*session.Session, error) {
	currency := strings.ToUpper(req.CurrencyCode)
	if currency == "" {
		currency = defaultCurrency
	}
	sess, err := session.NewSession(req.ProviderID, req.IdempotencyKey, req.Amount, currency)
	if err != nil {
		return nil, err
	}

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.sessions.Create(txCtx, sess); err != nil {
			return err
		}
		return s.sessions.AddEvent(txCtx, session.NewEvent(sess, "session.created", map[string]any{
			"amount":        sess.Amount,
			"currency_code": sess.CurrencyCode,
		}))
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Authorize asks the gateway whether the buyer completed the payment.
func (s *CheckoutService) Authorize(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return s.run(ctx, id, sessionOutcome{operation: "authorize", event: "session.authorized"},
		func(p provider.Provider, data provider.Data) provider.Result {
			return p.AuthorizePayment(ctx, data)
		})
}

// Capture captures the payment. Capturing an already captured payment is a no-op
// at the gateway.
func (s *CheckoutService) Capture(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return s.run(ctx, id, sessionOutcome{operation: "capture", event: "session.captured", target: session.StatusCaptured},
		func(p provider.Provider, data provider.Data) provider.Result {
			return p.CapturePayment(ctx, data)
		})
}

// Cancel cancels an unpaid payment.
func (s *CheckoutService) Cancel(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return s.run(ctx, id, sessionOutcome{operation: "cancel", event: "session.canceled", target: session.StatusCanceled},
		func(p provider.Provider, data provider.Data) provider.Result {
			return p.CancelPayment(ctx, data)
		})
}

// SyncStatus refreshes the session status from the gateway.
func (s *CheckoutService) SyncStatus(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return s.run(ctx, id, sessionOutcome{operation: "status", event: "session.status_synced"},
		func(p provider.Provider, data provider.Data) provider.Result {
			return p.GetPaymentStatus(ctx, data)
		})
}

// Retrieve returns the gateway's view of the session's payment. A failed
// lookup is reported under the "error" key.
func (s *CheckoutService) Retrieve(ctx context.Context, id uuid.UUID) (provider.Data, error) {
	sess, p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	res := p.RetrievePayment(ctx, sess.ProviderData())
	if res.Failed() {
		s.countError("retrieve", res.Err)
	}
	return res.Data, nil
}

// Delete removes a session that was never paid.
func (s *CheckoutService) Delete(ctx context.Context, id uuid.UUID) error {
	sess, p, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusCaptured {
		return domainErrors.NewDomainError("invalid_transition",
			"captured sessions cannot be deleted, refund instead", domainErrors.ErrInvalidStateTransition)
	}

	p.DeletePayment(ctx, sess.ProviderData())
	if err := s.sessions.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("session_id", id.String()).Msg("payment session deleted")
	return nil
}

// Update replaces the session's gateway payment after the cart total or
// currency changed. If the new payment cannot be stored it is canceled again.
func (s *CheckoutService) Update(ctx context.Context, id uuid.UUID, req UpdateSessionRequest) (*session.Session, error) {
	sess, p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == session.StatusCaptured {
		return nil, domainErrors.NewDomainError("invalid_transition",
			"cannot update a captured session", domainErrors.ErrInvalidStateTransition)
	}
	if req.Amount <= 0 {
		return nil, domainErrors.NewValidationError("amount", "must be greater than 0")
	}
	currency := strings.ToUpper(req.CurrencyCode)
	if currency == "" {
		currency = sess.CurrencyCode
	}

	previous := sess.ExternalID
	var (
		res     provider.Result
		updated *session.Session
	)
	sg := saga.New("update-session").
		WithLogger(s.logger).
		AddStep(saga.Step{
			Name: "replace gateway payment",
			Execute: func(ctx context.Context) error {
				res = p.UpdatePayment(ctx, provider.UpdateInput{
					Data:         sess.ProviderData(),
					Amount:       float64(req.Amount),
					CurrencyCode: currency,
					Context:      provider.PaymentContext{IdempotencyKey: uuid.NewString()},
				})
				if res.Failed() {
					return errRecoverable
				}
				return nil
			},
			Compensate: func(ctx context.Context) error {
				if c := p.CancelPayment(ctx, res.Data); c.Failed() {
					return fmt.Errorf("cancel replacement payment %s: %s", externalID(res), c.Data.String("error"))
				}
				return nil
			},
		}).
		AddStep(saga.Step{
			Name: "store session",
			Execute: func(ctx context.Context) error {
				var err error
				updated, err = s.commit(ctx, id, "session.updated", func(fresh *session.Session) (map[string]any, error) {
					if fresh.ExternalID != previous {
						return nil, domainErrors.NewDomainError("invalid_transition",
							"session payment changed during update", domainErrors.ErrInvalidStateTransition)
					}
					if err := fresh.Replace(externalID(res), res.Data.String("session_id"), req.Amount, currency, res.Data); err != nil {
						return nil, err
					}
					return map[string]any{
						"previous_external_id": previous,
						"external_id":          fresh.ExternalID,
						"amount":               fresh.Amount,
					}, nil
				})
				return err
			},
		})

	if err := sg.Execute(ctx); err != nil {
		if saga.FailedStep(err) == 0 && errors.Is(err, errRecoverable) {
			return s.recordFailure(ctx, sess, "update", res)
		}
		s.logger.Error().Err(err).Str("session_id", id.String()).Msg("update session failed")
		return nil, err
	}

	s.logger.Info().
		Str("session_id", id.String()).
		Str("previous_external_id", previous).
		Str("external_id", updated.ExternalID).
		Msg("payment session updated")
	return updated, nil
}

var errRecoverable = errors.New("provider reported a recoverable failure")

// Refund returns money for a captured session. Unlike the other operations a
// provider failure is returned as an error.
func (s *CheckoutService) Refund(ctx context.Context, id uuid.UUID, req RefundSessionRequest) (*session.Session, error) {
	sess, p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusCaptured {
		return nil, domainErrors.NewDomainError("invalid_refund",
			fmt.Sprintf("cannot refund session in status %s", sess.Status), domainErrors.ErrInvalidStateTransition)
	}

	amount := req.Amount
	if amount == 0 {
		amount = sess.Amount
	}
	refunded := int64Value(sess.Data["refunded_amount"])
	if amount < 0 || refunded+amount > sess.Amount {
		return nil, domainErrors.NewValidationError("amount",
			fmt.Sprintf("refund of %d exceeds the refundable %d", amount, sess.Amount-refunded))
	}

	data, err := p.RefundPayment(ctx, sess.ProviderData(), float64(amount))
	if err != nil {
		s.countError("refund", err)
		s.logger.Error().Err(err).Str("session_id", id.String()).Str("external_id", sess.ExternalID).Msg("refund failed")
		return nil, fmt.Errorf("refund session %s: %w", id, err)
	}

	// The gateway has already moved the money, so the refund is recorded on
	// top of whatever total was committed in the meantime.
	sess, err = s.commit(ctx, id, "session.refunded", func(fresh *session.Session) (map[string]any, error) {
		total := int64Value(fresh.Data["refunded_amount"]) + amount
		fresh.MergeData(data)
		fresh.Data["refunded_amount"] = total
		if total > fresh.Amount {
			s.logger.Warn().Str("session_id", id.String()).Int64("refunded", total).Msg("refunded total exceeds session amount")
		}
		return map[string]any{
			"amount":        amount,
			"refund_id":     data["refund_id"],
			"refund_status": data["refund_status"],
			"reason":        req.Reason,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("session_id", id.String()).Int64("amount", amount).Msg("payment session refunded")
	return sess, nil
}

// ApplyWebhookAction moves the session a translated webhook refers to.
// Redelivered or out-of-order notifications leave the session unchanged.
func (s *CheckoutService) ApplyWebhookAction(ctx context.Context, providerID string, res provider.WebhookActionResult) error {
	if !res.Actionable() {
		return nil
	}
	log := s.logger.With().
		Str("provider", providerID).
		Str("action", string(res.Action)).
		Str("correlation_id", res.Data.SessionID).
		Str("external_id", res.PaymentID).
		Logger()
	if res.Data.SessionID == "" {
		log.Warn().Msg("webhook action without session id, cannot correlate")
		return nil
	}

	target := webhookStatus(res.Action)
	return s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		sess, err := s.sessions.GetByCorrelationIDForUpdate(txCtx, res.Data.SessionID)
		if errors.Is(err, domainErrors.ErrSessionNotFound) {
			log.Warn().Msg("webhook action for unknown session")
			return nil
		}
		if err != nil {
			return err
		}
		if sess.ProviderID != providerID || (res.PaymentID != "" && sess.ExternalID != res.PaymentID) {
			log.Warn().Str("session_external_id", sess.ExternalID).Msg("webhook action for a replaced payment, ignoring")
			return nil
		}
		if res.Data.Amount != 0 && res.Data.Amount != sess.Amount {
			log.Warn().Int64("amount", res.Data.Amount).Int64("session_amount", sess.Amount).Msg("webhook amount differs from session")
		}

		from := sess.Status
		if !s.transition(sess, target, "webhook") {
			return nil
		}
		if err := s.sessions.Update(txCtx, sess); err != nil {
			return err
		}
		log.Info().Str("from", string(from)).Str("to", string(sess.Status)).Msg("webhook action applied")
		return s.sessions.AddEvent(txCtx, session.NewEvent(sess, "webhook."+string(res.Action), map[string]any{
			"event":  res.Event,
			"amount": res.Data.Amount,
			"from":   string(from),
		}))
	})
}

// Reconcile polls the gateway for sessions that have not moved for longer
// than olderThan, catching webhooks that never arrived.
func (s *CheckoutService) Reconcile(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error) {
	var report ReconcileReport

	stale, err := s.sessions.ListStale(ctx,
		[]session.Status{session.StatusPending, session.StatusAuthorized},
		time.Now().Add(-olderThan), limit)
	if err != nil {
		return report, err
	}

	for _, sess := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++

		p, err := s.providers.Get(sess.ProviderID)
		if err != nil {
			report.Failed++
			s.countReconciled("failed")
			continue
		}

		res := p.GetPaymentStatus(ctx, sess.ProviderData())
		if res.Failed() {
			report.Failed++
			s.countReconciled("failed")
			s.logger.Warn().Str("session_id", sess.ID.String()).Str("error", res.Data.String("error")).Msg("reconcile: status check failed")
			continue
		}

		changed := false
		_, err = s.commit(ctx, sess.ID, "session.reconciled", func(fresh *session.Session) (map[string]any, error) {
			if fresh.ExternalID != sess.ExternalID {
				return nil, errNoChange
			}
			from := fresh.Status
			if !s.transition(fresh, res.Status, "reconcile") {
				return nil, errNoChange
			}
			fresh.MergeData(res.Data)
			changed = true
			return map[string]any{"from": string(from), "to": string(fresh.Status)}, nil
		})
		if err != nil {
			report.Failed++
			s.countReconciled("failed")
			s.logger.Error().Err(err).Str("session_id", sess.ID.String()).Msg("reconcile: save failed")
			continue
		}
		if !changed {
			report.Unchanged++
			s.countReconciled("unchanged")
			continue
		}
		report.Updated++
		s.countReconciled("updated")
	}
	return report, nil
}

func (s *CheckoutService) load(ctx context.Context, id uuid.UUID) (*session.Session, provider.Provider, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.providers.Get(sess.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	return sess, p, nil
}

func (s *CheckoutService) run(
	ctx context.Context,
	id uuid.UUID,
	out sessionOutcome,
	call func(provider.Provider, provider.Data) provider.Result,
) (*session.Session, error) {
	sess, p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	res := call(p, sess.ProviderData())
	if res.Failed() {
		return s.recordFailure(ctx, sess, out.operation, res)
	}

	target := out.target
	if target == "" {
		target = res.Status
	}
	return s.commit(ctx, id, out.event, func(fresh *session.Session) (map[string]any, error) {
		if s.overtaken(sess, fresh, target, out.operation) {
			return nil, errNoChange
		}
		from := fresh.Status
		fresh.MergeData(res.Data)
		fresh.LastError = nil
		s.transition(fresh, target, out.operation)
		return map[string]any{
			"from":           string(from),
			"to":             string(fresh.Status),
			"gateway_status": res.Data["status"],
		}, nil
	})
}

// overtaken reports whether another writer moved the session while a gateway
// call based on loaded was in flight, so that the call's outcome no longer
// applies to fresh.
func (s *CheckoutService) overtaken(loaded, fresh *session.Session, target session.Status, op string) bool {
	stale := fresh.ExternalID != loaded.ExternalID ||
		(fresh.Status != loaded.Status && target != fresh.Status && !fresh.CanTransitionTo(target))
	if stale {
		s.logger.Info().
			Str("session_id", fresh.ID.String()).
			Str("operation", op).
			Str("loaded_status", string(loaded.Status)).
			Str("current_status", string(fresh.Status)).
			Msg("session changed during gateway call, keeping stored state")
	}
	return stale
}

// recordFailure stores a provider failure on the session. The session only
// moves to error when no gateway payment exists yet and retrying cannot help.
func (s *CheckoutService) recordFailure(ctx context.Context, sess *session.Session, op string, res provider.Result) (*session.Session, error) {
	msg := res.Data.String("error")
	if msg == "" && res.Err != nil {
		msg = res.Err.Error()
	}
	s.countError(op, res.Err)
	s.logger.Warn().
		Err(res.Err).
		Str("operation", op).
		Str("session_id", sess.ID.String()).
		Str("external_id", sess.ExternalID).
		Msg(msg)

	return s.commit(ctx, sess.ID, "session.error", func(fresh *session.Session) (map[string]any, error) {
		if s.overtaken(sess, fresh, fresh.Status, op) {
			return nil, errNoChange
		}
		fresh.MergeData(res.Data)
		fresh.RecordError(msg)
		if res.Status == session.StatusError && fresh.ExternalID == "" && !domainErrors.Retryable(res.Err) {
			s.transition(fresh, session.StatusError, op)
		}
		return map[string]any{
			"operation": op,
			"error":     msg,
			"retryable": domainErrors.Retryable(res.Err),
		}, nil
	})
}

// transition moves sess to target, ignoring regressions such as an
// authorize call on an already captured session.
func (s *CheckoutService) transition(sess *session.Session, target session.Status, source string) bool {
	if target == "" || target == sess.Status {
		return false
	}
	from := sess.Status
	if err := sess.TransitionTo(target); err != nil {
		s.logger.Debug().
			Str("session_id", sess.ID.String()).
			Str("from", string(from)).
			Str("to", string(target)).
			Str("source", source).
			Msg("ignoring status change")
		return false
	}
	if s.metrics != nil {
		s.metrics.SessionTransitions.WithLabelValues(string(from), string(target), source).Inc()
	}
	return true
}

// errNoChange tells commit to leave the row as it is.
var errNoChange = errors.New("no change")

// commit re-reads the session under a row lock, applies change to that copy
// and stores it with an audit event. Gateway calls happen before commit so
// the lock is never held across the network. The returned session is the
// stored state, changed or not.
func (s *CheckoutService) commit(
	ctx context.Context,
	id uuid.UUID,
	eventType string,
	change func(fresh *session.Session) (map[string]any, error),
) (*session.Session, error) {
	var out *session.Session
	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		fresh, err := s.sessions.GetByIDForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		out = fresh
		data, err := change(fresh)
		if errors.Is(err, errNoChange) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.sessions.Update(txCtx, fresh); err != nil {
			return err
		}
		return s.sessions.AddEvent(txCtx, session.NewEvent(fresh, eventType, data))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *CheckoutService) countError(op string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionErrors.WithLabelValues(op, errorType(err)).Inc()
}

func (s *CheckoutService) countReconciled(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ReconciledSessions.WithLabelValues(result).Inc()
}

func webhookStatus(a provider.WebhookAction) session.Status {
	switch a {
	case provider.ActionCaptured:
		return session.StatusCaptured
	case provider.ActionAuthorized:
		return session.StatusAuthorized
	case provider.ActionFailed:
		return session.StatusError
	}
	return ""
}

func errorType(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, domainErrors.ErrValidationFailed):
		return "validation"
	case errors.Is(err, domainErrors.ErrBusinessRule):
		return "business_rule"
	case domainErrors.Retryable(err):
		return "transient"
	case errors.Is(err, domainErrors.ErrNotConfigured):
		return "not_configured"
	default:
		return "gateway"
	}
}

func externalID(res provider.Result) string {
	if res.ID != "" {
		return res.ID
	}
	return res.Data.String("id")
}

// int64Value reads a number that may have been through a JSON round trip.
func int64Value(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
