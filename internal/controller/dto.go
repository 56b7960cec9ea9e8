package controller

import (
	"time"

	"github.com/cassiomorais/fabricshop/internal/domain/session"
	"github.com/cassiomorais/fabricshop/internal/provider"
	"github.com/cassiomorais/fabricshop/internal/shipping/cdek"
)

// --- Request DTOs ---
// Amounts are integer minor units (kopecks), as the storefront sends them.

type InitiateSessionRequest struct {
	ProviderID   string `json:"provider_id" validate:"required"`
	Amount       int64  `json:"amount" validate:"required,gt=0"`
	CurrencyCode string `json:"currency_code" validate:"omitempty,len=3,alpha"`
}

type UpdateSessionRequest struct {
	Amount       int64  `json:"amount" validate:"required,gt=0"`
	CurrencyCode string `json:"currency_code" validate:"omitempty,len=3,alpha"`
}

// RefundRequest refunds Amount minor units; zero or absent refunds everything.
type RefundRequest struct {
	Amount int64  `json:"amount" validate:"gte=0"`
	Reason string `json:"reason" validate:"max=255"`
}

// --- Response DTOs ---

type SessionResponse struct {
	ID             string         `json:"id"`
	ProviderID     string         `json:"provider_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	ExternalID     string         `json:"external_id,omitempty"`
	Amount         int64          `json:"amount"`
	CurrencyCode   string         `json:"currency_code"`
	Status         string         `json:"status"`
	Data           map[string]any `json:"data"`
	Error          *string        `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

type EventResponse struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type GatewayPaymentResponse struct {
	SessionID string        `json:"session_id"`
	Payment   provider.Data `json:"payment"`
}

type WebhookResponse struct {
	Received bool   `json:"received"`
	Action   string `json:"action,omitempty"`
	Error    string `json:"error,omitempty"`
}

type CitiesResponse struct {
	Cities []cdek.City `json:"cities"`
}

type DeliveryPointsResponse struct {
	Points []cdek.DeliveryPoint `json:"points"`
}

type TariffsResponse struct {
	Tariffs []cdek.Tariff `json:"tariffs"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

func FromSession(s *session.Session) *SessionResponse {
	data := s.Data
	if data == nil {
		data = map[string]any{}
	}
	return &SessionResponse{
		ID:             s.ID.String(),
		ProviderID:     s.ProviderID,
		IdempotencyKey: s.IdempotencyKey,
		CorrelationID:  s.CorrelationID,
		ExternalID:     s.ExternalID,
		Amount:         s.Amount,
		CurrencyCode:   s.CurrencyCode,
		Status:         string(s.Status),
		Data:           data,
		Error:          s.LastError,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		CompletedAt:    s.CompletedAt,
	}
}

func FromEvent(e *session.Event) *EventResponse {
	return &EventResponse{
		ID:        e.ID.String(),
		EventType: e.EventType,
		Data:      e.EventData,
		CreatedAt: e.CreatedAt,
	}
}
