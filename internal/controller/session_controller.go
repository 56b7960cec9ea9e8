package controller

import (
	"context"
	"net/http"

	"github.com/cassiomorais/fabricshop/internal/domain/session"
	"github.com/cassiomorais/fabricshop/internal/middleware"
	"github.com/cassiomorais/fabricshop/internal/service"
	"github.com/google/uuid"
)

// SessionController exposes payment sessions to the storefront. Gateway
// failures the shopper can recover from come back as 200 with the session's
// error field set; only request and state errors map to 4xx.
type SessionController struct {
	checkout *service.CheckoutService
}

func NewSessionController(checkout *service.CheckoutService) *SessionController {
	return &SessionController{checkout: checkout}
}

// Initiate handles POST /store/payment-sessions
func (h *SessionController) Initiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateSessionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := h.checkout.Initiate(r.Context(), service.InitiateSessionRequest{
		IdempotencyKey: r.Header.Get(middleware.IdempotencyKeyHeader),
		ProviderID:     req.ProviderID,
		Amount:         req.Amount,
		CurrencyCode:   req.CurrencyCode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, FromSession(sess))
}

// Get handles GET /store/payment-sessions/{id}
func (h *SessionController) Get(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.checkout.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromSession(sess))
}

// Events handles GET /store/payment-sessions/{id}/events
func (h *SessionController) Events(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := h.checkout.Events(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]*EventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, FromEvent(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Authorize handles POST /store/payment-sessions/{id}/authorize
func (h *SessionController) Authorize(w http.ResponseWriter, r *http.Request) {
	h.drive(w, r, h.checkout.Authorize)
}

// Capture handles POST /store/payment-sessions/{id}/capture
func (h *SessionController) Capture(w http.ResponseWriter, r *http.Request) {
	h.drive(w, r, h.checkout.Capture)
}

// Cancel handles POST /store/payment-sessions/{id}/cancel
func (h *SessionController) Cancel(w http.ResponseWriter, r *http.Request) {
	h.drive(w, r, h.checkout.Cancel)
}

// Status handles GET /store/payment-sessions/{id}/status
func (h *SessionController) Status(w http.ResponseWriter, r *http.Request) {
	h.drive(w, r, h.checkout.SyncStatus)
}

// Gateway handles GET /store/payment-sessions/{id}/gateway
func (h *SessionController) Gateway(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := h.checkout.Retrieve(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GatewayPaymentResponse{SessionID: id.String(), Payment: data})
}

// Update handles PUT /store/payment-sessions/{id}
func (h *SessionController) Update(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req UpdateSessionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := h.checkout.Update(r.Context(), id, service.UpdateSessionRequest{
		Amount:       req.Amount,
		CurrencyCode: req.CurrencyCode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromSession(sess))
}

// Delete handles DELETE /store/payment-sessions/{id}
func (h *SessionController) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.checkout.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Refund handles POST /admin/payment-sessions/{id}/refund
func (h *SessionController) Refund(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req RefundRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := h.checkout.Refund(r.Context(), id, service.RefundSessionRequest{
		Amount: req.Amount,
		Reason: req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromSession(sess))
}

type sessionOp func(ctx context.Context, id uuid.UUID) (*session.Session, error)

func (h *SessionController) drive(w http.ResponseWriter, r *http.Request, op sessionOp) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := op(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromSession(sess))
}
