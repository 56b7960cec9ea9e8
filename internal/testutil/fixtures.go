package testutil

import (
	"time"

	"github.com/cassiomorais/fabricshop/internal/domain/session"
	"github.com/google/uuid"
)

// NewTestSession returns a pending, unbound session.
func NewTestSession(providerID string, amount int64) *session.Session {
	now := time.Now()
	return &session.Session{
		ID:             uuid.New(),
		ProviderID:     providerID,
		IdempotencyKey: uuid.NewString(),
		Amount:         amount,
		CurrencyCode:   "RUB",
		Status:         session.StatusPending,
		Data:           make(map[string]any),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewBoundSession returns a session already bound to a gateway payment.
func NewBoundSession(providerID string, amount int64, status session.Status) *session.Session {
	s := NewTestSession(providerID, amount)
	s.CorrelationID = uuid.NewString()
	s.ExternalID = "ext-" + s.CorrelationID[:8]
	s.Status = status
	s.Data["id"] = s.ExternalID
	s.Data["session_id"] = s.CorrelationID
	if s.IsTerminal() {
		completedAt := time.Now()
		s.CompletedAt = &completedAt
	}
	return s
}

// Aged backdates the session's UpdatedAt by d.
func Aged(s *session.Session, d time.Duration) *session.Session {
	s.UpdatedAt = s.UpdatedAt.Add(-d)
	return s
}
