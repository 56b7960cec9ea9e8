// Package provider defines the contract between the checkout host and a
// payment provider plugin.
package provider

import (
	"context"
	"net/http"

	"github.com/cassiomorais/fabricshop/internal/domain/session"
)

// Data is the opaque per-session bag a provider reads and returns. The host
// stores it verbatim; providers put a human readable message under "error"
// when an operation fails.
type Data map[string]any

// String returns the string stored under key, or "".
func (d Data) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Clone returns a shallow copy of d that is never nil.
func (d Data) Clone() Data {
	out := make(Data, len(d)+2)
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Result is returned by every recoverable provider operation. Failures are
// reported through Status == session.StatusError and Data["error"]; Err keeps
// the classified cause so callers can tell transient failures apart.
type Result struct {
	ID     string
	Status session.Status
	Data   Data
	Err    error
}

// Failed reports whether the operation ended in an error.
func (r Result) Failed() bool {
	return r.Err != nil || r.Data.String("error") != ""
}

// PaymentContext carries host context into an initiate call.
type PaymentContext struct {
	IdempotencyKey string
}

// InitiateInput describes a new payment. Amount is in minor units.
type InitiateInput struct {
	Amount       float64
	CurrencyCode string
	Context      PaymentContext
}

// UpdateInput describes a session whose amount or currency changed.
type UpdateInput struct {
	Data         Data
	Amount       float64
	CurrencyCode string
	Context      PaymentContext
}

// WebhookPayload is an inbound gateway notification.
type WebhookPayload struct {
	Data    map[string]any
	RawData []byte
	Headers http.Header
}

// WebhookAction tells the host how to advance the matching session.
type WebhookAction string

const (
	ActionAuthorized   WebhookAction = "authorized"
	ActionCaptured     WebhookAction = "captured"
	ActionFailed       WebhookAction = "failed"
	ActionNotSupported WebhookAction = "not_supported"
)

// RejectReason explains why a webhook produced no actionable result.
type RejectReason string

const (
	ReasonNone             RejectReason = ""
	ReasonMalformedPayload RejectReason = "malformed_payload"
	ReasonMissingEvent     RejectReason = "missing_event"
	ReasonMissingObject    RejectReason = "missing_object"
	ReasonMissingPaymentID RejectReason = "missing_payment_id"
	ReasonUnknownEvent     RejectReason = "unknown_event"
	ReasonInformational    RejectReason = "informational"
)

// WebhookData identifies the session and amount a webhook refers to.
type WebhookData struct {
	SessionID string `json:"session_id"`
	Amount    int64  `json:"amount"`
}

// WebhookActionResult is the translation of a webhook payload.
type WebhookActionResult struct {
	Action    WebhookAction `json:"action"`
	Data      WebhookData   `json:"data"`
	Event     string        `json:"event,omitempty"`
	PaymentID string        `json:"payment_id,omitempty"`
	Reason    RejectReason  `json:"reason,omitempty"`
}

// Actionable reports whether the host should apply the result to a session.
func (r WebhookActionResult) Actionable() bool {
	return r.Action != ActionNotSupported && r.Action != ""
}

// Provider is implemented by every payment gateway integration.
type Provider interface {
	Identifier() string
	InitiatePayment(ctx context.Context, in InitiateInput) Result
	AuthorizePayment(ctx context.Context, data Data) Result
	CapturePayment(ctx context.Context, data Data) Result
	CancelPayment(ctx context.Context, data Data) Result
	DeletePayment(ctx context.Context, data Data) Result
	GetPaymentStatus(ctx context.Context, data Data) Result
	RefundPayment(ctx context.Context, data Data, amount float64) (Data, error)
	RetrievePayment(ctx context.Context, data Data) Result
	UpdatePayment(ctx context.Context, in UpdateInput) Result
	GetWebhookActionAndData(ctx context.Context, payload WebhookPayload) WebhookActionResult
}
