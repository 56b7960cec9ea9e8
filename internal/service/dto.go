package service

import (
	"github.com/cassiomorais/fabricshop/internal/domain/session"
)

// Controllers convert their HTTP DTOs to these types.

type InitiateSessionRequest struct {
	IdempotencyKey string
	ProviderID     string
	Amount         int64 // in minor units
	CurrencyCode   string
}

type UpdateSessionRequest struct {
	Amount       int64 // in minor units
	CurrencyCode string
}

// RefundSessionRequest refunds Amount minor units; zero refunds the full
// session amount.
type RefundSessionRequest struct {
	Amount int64
	Reason string
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Checked   int
	Updated   int
	Unchanged int
	Failed    int
}

// sessionOutcome is what a provider operation does to a session on success.
type sessionOutcome struct {
	operation string
	event     string
	// target is the status to move to; empty keeps the current status
	// unless the provider result carries one.
	target session.Status
}
