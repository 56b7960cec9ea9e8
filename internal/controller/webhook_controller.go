package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/cassiomorais/fabricshop/internal/infrastructure/observability"
	"github.com/cassiomorais/fabricshop/internal/provider"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxWebhookBody = 1 << 20

// WebhookHandler turns a gateway notification into a session update.
type WebhookHandler interface {
	Handle(ctx context.Context, providerID string, payload provider.WebhookPayload) (provider.WebhookActionResult, error)
}

// WebhookController receives gateway notifications. It always answers 200
// so the gateway does not redeliver requests that can never succeed; the
// outcome is reported in the body.
type WebhookController struct {
	webhooks WebhookHandler
	logger   zerolog.Logger
}

func NewWebhookController(webhooks WebhookHandler, logger zerolog.Logger) *WebhookController {
	return &WebhookController{
		webhooks: webhooks,
		logger:   logger.With().Str("component", "webhook_controller").Logger(),
	}
}

// Receive handles POST /store/{provider}/webhook
func (h *WebhookController) Receive(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	log := observability.WithTrace(r.Context(), h.logger).With().Str("provider", providerID).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("webhook processing panicked")
			writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Error: "processing_error"})
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil || len(raw) == 0 {
		writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Error: "empty_body"})
		return
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		log.Warn().Err(err).Msg("webhook body is not a JSON object")
		writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Error: "empty_body"})
		return
	}
	if event, ok := body["event"].(string); !ok || event == "" {
		log.Warn().Msg("webhook without event")
		writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Error: "missing_event"})
		return
	}
	if object, ok := body["object"].(map[string]any); !ok || object == nil {
		log.Warn().Msg("webhook without object")
		writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Error: "missing_object"})
		return
	}

	res, err := h.webhooks.Handle(r.Context(), providerID, provider.WebhookPayload{
		Data:    body,
		RawData: raw,
		Headers: r.Header.Clone(),
	})
	if err != nil {
		code := "processing_error"
		if errors.Is(err, domainErrors.ErrProviderNotFound) {
			code = "unknown_provider"
		}
		log.Error().Err(err).Msg("webhook processing failed")
		writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Error: code})
		return
	}

	writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Action: string(res.Action)})
}
