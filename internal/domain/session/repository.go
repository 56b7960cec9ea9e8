package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for payment session persistence
type Repository interface {
	// Create creates a new session
	Create(ctx context.Context, s *Session) error

	// GetByID retrieves a session by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)

	// GetByIDForUpdate retrieves and row-locks a session by ID. Must run
	// inside a transaction.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Session, error)

	// GetByIdempotencyKey retrieves a session by idempotency key
	GetByIdempotencyKey(ctx context.Context, key string) (*Session, error)

	// GetByCorrelationIDForUpdate retrieves and row-locks a session by the
	// correlation id echoed back by the gateway. Must run inside a transaction.
	GetByCorrelationIDForUpdate(ctx context.Context, correlationID string) (*Session, error)

	// Update updates an existing session
	Update(ctx context.Context, s *Session) error

	// Delete removes a session
	Delete(ctx context.Context, id uuid.UUID) error

	// ListStale lists sessions in the given statuses not updated since before
	ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Session, error)

	// AddEvent adds a session event for audit trail
	AddEvent(ctx context.Context, event *Event) error

	// GetEvents retrieves events for a session
	GetEvents(ctx context.Context, sessionID uuid.UUID) ([]*Event, error)
}

// Event represents an event in the session lifecycle
type Event struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	EventType string
	EventData map[string]any
	CreatedAt time.Time
}

// NewEvent builds an event for s.
func NewEvent(s *Session, eventType string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New(),
		SessionID: s.ID,
		EventType: eventType,
		EventData: data,
		CreatedAt: time.Now(),
	}
}
