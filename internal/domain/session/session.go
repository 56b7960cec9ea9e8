package session

import (
	"maps"
	"time"

	"github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/google/uuid"
)

// Status is the host-side payment session status vocabulary.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusCaptured   Status = "captured"
	StatusCanceled   Status = "canceled"
	StatusError      Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAuthorized, StatusCaptured, StatusCanceled, StatusError:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusAuthorized, StatusCaptured, StatusCanceled, StatusError},
	StatusAuthorized: {StatusCaptured, StatusCanceled, StatusError},
	StatusCaptured:   {},
	StatusCanceled:   {},
	StatusError:      {},
}

// Session is one checkout attempt bound to a gateway payment.
type Session struct {
	ID             uuid.UUID
	ProviderID     string
	IdempotencyKey string
	// CorrelationID travels to the gateway as metadata.session_id and
	// comes back on webhooks.
	CorrelationID string
	ExternalID    string
	Amount        int64
	CurrencyCode  string
	Status        Status
	Data          map[string]any
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// NewSession creates a pending session. amount is in minor units.
func NewSession(providerID, idempotencyKey string, amount int64, currencyCode string) (*Session, error) {
	if providerID == "" {
		return nil, errors.NewValidationError("provider_id", "cannot be empty")
	}
	if amount <= 0 {
		return nil, errors.NewValidationError("amount", "must be greater than 0")
	}
	if currencyCode != "" && len(currencyCode) != 3 {
		return nil, errors.NewValidationError("currency_code", "must be a 3-letter ISO code")
	}

	now := time.Now()
	return &Session{
		ID:             uuid.New(),
		ProviderID:     providerID,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		CurrencyCode:   currencyCode,
		Status:         StatusPending,
		Data:           make(map[string]any),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CanTransitionTo checks if the session can move to the given status.
func (s *Session) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionTo moves the session to next. Moving to the current status is a no-op.
func (s *Session) TransitionTo(next Status) error {
	if s.Status == next {
		return nil
	}
	if !s.CanTransitionTo(next) {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot transition from "+string(s.Status)+" to "+string(next),
			errors.ErrInvalidStateTransition,
		)
	}

	now := time.Now()
	s.Status = next
	s.UpdatedAt = now
	if s.IsTerminal() {
		s.CompletedAt = &now
	}
	return nil
}

// Bind records the gateway payment created for this session.
func (s *Session) Bind(externalID, correlationID string, data map[string]any) {
	s.ExternalID = externalID
	if correlationID != "" {
		s.CorrelationID = correlationID
	}
	s.LastError = nil
	s.MergeData(data)
	s.UpdatedAt = time.Now()
}

// Replace re-arms the session with a fresh gateway payment after an amount
// or currency change. Captured sessions cannot be replaced.
func (s *Session) Replace(externalID, correlationID string, amount int64, currencyCode string, data map[string]any) error {
	if s.Status == StatusCaptured {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot replace a captured session",
			errors.ErrInvalidStateTransition,
		)
	}
	s.Amount = amount
	if currencyCode != "" {
		s.CurrencyCode = currencyCode
	}
	s.Status = StatusPending
	s.CompletedAt = nil
	s.Data = make(map[string]any)
	s.Bind(externalID, correlationID, data)
	return nil
}

// RecordError stores a recoverable failure without changing status.
func (s *Session) RecordError(msg string) {
	s.LastError = &msg
	s.UpdatedAt = time.Now()
}

// MergeData copies data into the session's data bag. The "error" key is
// kept out of the bag and recorded as LastError instead.
func (s *Session) MergeData(data map[string]any) {
	if s.Data == nil {
		s.Data = make(map[string]any)
	}
	for k, v := range data {
		if k == "error" {
			if msg, ok := v.(string); ok {
				s.RecordError(msg)
			}
			continue
		}
		s.Data[k] = v
	}
}

// ProviderData returns a copy of the data bag for handing to a provider.
func (s *Session) ProviderData() map[string]any {
	out := maps.Clone(s.Data)
	if out == nil {
		out = make(map[string]any)
	}
	if s.ExternalID != "" {
		out["id"] = s.ExternalID
	}
	if s.CorrelationID != "" {
		out["session_id"] = s.CorrelationID
	}
	return out
}

// IsTerminal checks if the session is in a terminal state
func (s *Session) IsTerminal() bool {
	return s.Status == StatusCaptured ||
		s.Status == StatusCanceled ||
		s.Status == StatusError
}
