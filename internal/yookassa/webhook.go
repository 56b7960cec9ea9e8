package yookassa

import (
	"context"
	"encoding/json"

	"github.com/cassiomorais/fabricshop/internal/money"
	"github.com/cassiomorais/fabricshop/internal/provider"
)

// notification is a webhook body that passed structural validation.
type notification struct {
	event     Event
	paymentID string
	sessionID string
	amount    int64
}

// GetWebhookActionAndData translates a gateway notification into a host
// action. It never fails: malformed input yields ActionNotSupported with a
// reason.
func (p *Provider) GetWebhookActionAndData(_ context.Context, payload provider.WebhookPayload) provider.WebhookActionResult {
	n, reason := parseNotification(payload)
	if reason != provider.ReasonNone {
		p.logger.Warn().Str("reason", string(reason)).Msg("webhook: payload rejected")
		return provider.WebhookActionResult{Action: provider.ActionNotSupported, Reason: reason}
	}

	log := p.logger.With().Str("event", string(n.event)).Str("payment_id", n.paymentID).Logger()
	if n.sessionID == "" {
		log.Warn().Msg("webhook: metadata.session_id missing")
	}

	result := provider.WebhookActionResult{
		Event:     string(n.event),
		PaymentID: n.paymentID,
		Data:      provider.WebhookData{SessionID: n.sessionID, Amount: n.amount},
	}

	switch n.event {
	case EventPaymentSucceeded:
		log.Info().Int64("amount", n.amount).Msg("webhook: payment succeeded")
		result.Action = provider.ActionCaptured
	case EventPaymentWaitingForCapture:
		log.Info().Msg("webhook: payment waiting for capture")
		result.Action = provider.ActionAuthorized
	case EventPaymentCanceled:
		log.Info().Msg("webhook: payment canceled")
		result.Action = provider.ActionFailed
	case EventRefundSucceeded:
		log.Info().Int64("amount", n.amount).Msg("webhook: refund succeeded")
		result.Action = provider.ActionNotSupported
		result.Reason = provider.ReasonInformational
	default:
		log.Warn().Msg("webhook: unknown event")
		result.Action = provider.ActionNotSupported
		result.Reason = provider.ReasonUnknownEvent
		result.Data.Amount = 0
	}
	return result
}

func parseNotification(payload provider.WebhookPayload) (notification, provider.RejectReason) {
	body := payload.Data
	if body == nil {
		if len(payload.RawData) == 0 {
			return notification{}, provider.ReasonMissingEvent
		}
		if err := json.Unmarshal(payload.RawData, &body); err != nil {
			return notification{}, provider.ReasonMalformedPayload
		}
	}

	event, _ := body["event"].(string)
	if event == "" {
		return notification{}, provider.ReasonMissingEvent
	}

	object, ok := body["object"].(map[string]any)
	if !ok {
		return notification{}, provider.ReasonMissingObject
	}

	paymentID, _ := object["id"].(string)
	if paymentID == "" {
		return notification{}, provider.ReasonMissingPaymentID
	}

	n := notification{event: Event(event), paymentID: paymentID}
	if meta, ok := object["metadata"].(map[string]any); ok {
		n.sessionID, _ = meta["session_id"].(string)
	}
	if amount, ok := object["amount"].(map[string]any); ok {
		value, _ := amount["value"].(string)
		n.amount = money.MajorToMinor(value)
	}
	return n, provider.ReasonNone
}
