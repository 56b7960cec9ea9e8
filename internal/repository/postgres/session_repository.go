package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/cassiomorais/fabricshop/internal/domain/session"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `id, provider_id, idempotency_key, correlation_id, external_id,
	amount, currency_code, status, data, last_error, created_at, updated_at, completed_at`

// SessionRepository implements session.Repository using PostgreSQL.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

var _ session.Repository = (*SessionRepository)(nil)

func (r *SessionRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Create inserts a new session.
func (r *SessionRepository) Create(ctx context.Context, s *session.Session) error {
	data, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO payment_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.ProviderID, s.IdempotencyKey, s.CorrelationID, s.ExternalID,
		s.Amount, s.CurrencyCode, string(s.Status), data, s.LastError, s.CreatedAt, s.UpdatedAt, s.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domainErrors.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return r.scanSession(r.db(ctx).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions WHERE id = $1`, id))
}

// GetByIDForUpdate retrieves a session by its ID and locks the row until the
// surrounding transaction ends.
func (r *SessionRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return r.scanSession(r.db(ctx).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions WHERE id = $1 FOR UPDATE`, id))
}

// GetByIdempotencyKey retrieves a session by idempotency key.
func (r *SessionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*session.Session, error) {
	return r.scanSession(r.db(ctx).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions WHERE idempotency_key = $1`, key))
}

// GetByCorrelationIDForUpdate retrieves a session by correlation id and locks
// the row until the surrounding transaction ends.
func (r *SessionRepository) GetByCorrelationIDForUpdate(ctx context.Context, correlationID string) (*session.Session, error) {
	return r.scanSession(r.db(ctx).QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions WHERE correlation_id = $1 FOR UPDATE`, correlationID))
}

// Update updates an existing session.
func (r *SessionRepository) Update(ctx context.Context, s *session.Session) error {
	data, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payment_sessions SET
		  correlation_id = NULLIF($1, ''), external_id = NULLIF($2, ''), amount = $3, currency_code = $4,
		  status = $5, data = $6, last_error = $7, updated_at = $8, completed_at = $9
		 WHERE id = $10`,
		s.CorrelationID, s.ExternalID, s.Amount, s.CurrencyCode,
		string(s.Status), data, s.LastError, s.UpdatedAt, s.CompletedAt, s.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update session: correlation id %q already bound: %w", s.CorrelationID, domainErrors.ErrBusinessRule)
		}
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrSessionNotFound
	}
	return nil
}

// Delete removes a session and its events.
func (r *SessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db(ctx).Exec(ctx, `DELETE FROM payment_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrSessionNotFound
	}
	return nil
}

// ListStale lists bound sessions in one of statuses that have not changed
// since before, oldest first.
func (r *SessionRepository) ListStale(ctx context.Context, statuses []session.Status, before time.Time, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions
		 WHERE status = ANY($1) AND updated_at < $2 AND external_id IS NOT NULL
		 ORDER BY updated_at ASC
		 LIMIT $3`,
		names, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// AddEvent inserts a session event.
func (r *SessionRepository) AddEvent(ctx context.Context, event *session.Event) error {
	data, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO session_events (id, session_id, event_type, event_data, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.SessionID, event.EventType, data, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events for a session, oldest first.
func (r *SessionRepository) GetEvents(ctx context.Context, sessionID uuid.UUID) ([]*session.Event, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, session_id, event_type, event_data, created_at
		 FROM session_events WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session events: %w", err)
	}
	defer rows.Close()

	var events []*session.Event
	for rows.Next() {
		e := &session.Event{}
		var data []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.EventData); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *SessionRepository) scanSession(row scanner) (*session.Session, error) {
	s := &session.Session{}
	var (
		correlationID, externalID *string
		status                    string
		data                      []byte
	)
	err := row.Scan(
		&s.ID, &s.ProviderID, &s.IdempotencyKey, &correlationID, &externalID,
		&s.Amount, &s.CurrencyCode, &status, &data, &s.LastError, &s.CreatedAt, &s.UpdatedAt, &s.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrSessionNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	s.Status = session.Status(status)
	if correlationID != nil {
		s.CorrelationID = *correlationID
	}
	if externalID != nil {
		s.ExternalID = *externalID
	}
	s.Data = make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return s, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
