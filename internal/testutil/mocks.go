package testutil

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/cassiomorais/fabricshop/internal/domain/session"
	"github.com/cassiomorais/fabricshop/internal/provider"
	"github.com/google/uuid"
)

// --- Session Repository Mock ---

// MockSessionRepository is an in-memory implementation of session.Repository.
// Stored sessions are copied on the way in and out so callers cannot mutate
// repository state without calling Update.
type MockSessionRepository struct {
	mu            sync.Mutex
	sessions      map[uuid.UUID]*session.Session
	byKey         map[string]uuid.UUID
	byCorrelation map[string]uuid.UUID
	events        map[uuid.UUID][]*session.Event

	CreateFunc   func(ctx context.Context, s *session.Session) error
	GetByIDFunc  func(ctx context.Context, id uuid.UUID) (*session.Session, error)
	UpdateFunc   func(ctx context.Context, s *session.Session) error
	AddEventFunc func(ctx context.Context, event *session.Event) error

	UpdateCalls int
}

var _ session.Repository = (*MockSessionRepository)(nil)

func NewMockSessionRepository() *MockSessionRepository {
	return &MockSessionRepository{
		sessions:      make(map[uuid.UUID]*session.Session),
		byKey:         make(map[string]uuid.UUID),
		byCorrelation: make(map[string]uuid.UUID),
		events:        make(map[uuid.UUID][]*session.Event),
	}
}

// AddSession seeds the repository.
func (m *MockSessionRepository) AddSession(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(s)
}

// Session returns the stored copy of a session, or nil.
func (m *MockSessionRepository) Session(id uuid.UUID) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	return copySession(s)
}

// Events returns the recorded events for a session.
func (m *MockSessionRepository) Events(id uuid.UUID) []*session.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*session.Event(nil), m.events[id]...)
}

// EventTypes returns the recorded event types for a session, in order.
func (m *MockSessionRepository) EventTypes(id uuid.UUID) []string {
	var types []string
	for _, e := range m.Events(id) {
		types = append(types, e.EventType)
	}
	return types
}

func (m *MockSessionRepository) store(s *session.Session) {
	cp := copySession(s)
	m.sessions[s.ID] = cp
	m.byKey[s.IdempotencyKey] = s.ID
	if s.CorrelationID != "" {
		m.byCorrelation[s.CorrelationID] = s.ID
	}
}

func (m *MockSessionRepository) Create(ctx context.Context, s *session.Session) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[s.IdempotencyKey]; ok {
		return domainErrors.ErrDuplicateIdempotencyKey
	}
	m.store(s)
	return nil
}

func (m *MockSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domainErrors.ErrSessionNotFound
	}
	return copySession(s), nil
}

// GetByIDForUpdate behaves like GetByID; the mock has no row locks.
func (m *MockSessionRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return m.GetByID(ctx, id)
}

func (m *MockSessionRepository) GetByIdempotencyKey(_ context.Context, key string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, domainErrors.ErrSessionNotFound
	}
	return copySession(m.sessions[id]), nil
}

func (m *MockSessionRepository) GetByCorrelationIDForUpdate(_ context.Context, correlationID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCorrelation[correlationID]
	if !ok {
		return nil, domainErrors.ErrSessionNotFound
	}
	return copySession(m.sessions[id]), nil
}

func (m *MockSessionRepository) Update(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	m.UpdateCalls++
	m.mu.Unlock()
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.sessions[s.ID]
	if !ok {
		return domainErrors.ErrSessionNotFound
	}
	if old.CorrelationID != "" && old.CorrelationID != s.CorrelationID {
		delete(m.byCorrelation, old.CorrelationID)
	}
	m.store(s)
	return nil
}

func (m *MockSessionRepository) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domainErrors.ErrSessionNotFound
	}
	delete(m.byKey, s.IdempotencyKey)
	delete(m.byCorrelation, s.CorrelationID)
	delete(m.sessions, id)
	delete(m.events, id)
	return nil
}

func (m *MockSessionRepository) ListStale(_ context.Context, statuses []session.Status, before time.Time, limit int) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*session.Session
	for _, s := range m.sessions {
		if s.ExternalID == "" || !s.UpdatedAt.Before(before) {
			continue
		}
		for _, st := range statuses {
			if s.Status == st {
				out = append(out, copySession(s))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockSessionRepository) AddEvent(ctx context.Context, event *session.Event) error {
	if m.AddEventFunc != nil {
		return m.AddEventFunc(ctx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.SessionID] = append(m.events[event.SessionID], event)
	return nil
}

func (m *MockSessionRepository) GetEvents(_ context.Context, sessionID uuid.UUID) ([]*session.Event, error) {
	return m.Events(sessionID), nil
}

func copySession(s *session.Session) *session.Session {
	cp := *s
	cp.Data = maps.Clone(s.Data)
	return &cp
}

// --- Transaction Manager Mock ---

// MockTransactionManager is a mock implementation of TransactionManager.
type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Provider Mock ---

// MockProvider is a scriptable provider.Provider. Unset funcs return a
// successful result echoing the input data.
type MockProvider struct {
	ID string

	InitiateFunc  func(ctx context.Context, in provider.InitiateInput) provider.Result
	AuthorizeFunc func(ctx context.Context, data provider.Data) provider.Result
	CaptureFunc   func(ctx context.Context, data provider.Data) provider.Result
	CancelFunc    func(ctx context.Context, data provider.Data) provider.Result
	DeleteFunc    func(ctx context.Context, data provider.Data) provider.Result
	StatusFunc    func(ctx context.Context, data provider.Data) provider.Result
	RefundFunc    func(ctx context.Context, data provider.Data, amount float64) (provider.Data, error)
	RetrieveFunc  func(ctx context.Context, data provider.Data) provider.Result
	UpdateFunc    func(ctx context.Context, in provider.UpdateInput) provider.Result
	WebhookFunc   func(ctx context.Context, payload provider.WebhookPayload) provider.WebhookActionResult

	mu    sync.Mutex
	calls []string
}

var _ provider.Provider = (*MockProvider)(nil)

func NewMockProvider(id string) *MockProvider {
	return &MockProvider{ID: id}
}

// Calls returns the names of invoked operations, in order.
func (m *MockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockProvider) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *MockProvider) Identifier() string { return m.ID }

func (m *MockProvider) InitiatePayment(ctx context.Context, in provider.InitiateInput) provider.Result {
	m.record("initiate")
	if m.InitiateFunc != nil {
		return m.InitiateFunc(ctx, in)
	}
	return provider.Result{
		ID: "ext-" + in.Context.IdempotencyKey,
		Data: provider.Data{
			"id":               "ext-" + in.Context.IdempotencyKey,
			"status":           "pending",
			"confirmation_url": "https://pay.example/" + in.Context.IdempotencyKey,
			"session_id":       in.Context.IdempotencyKey,
		},
	}
}

func (m *MockProvider) AuthorizePayment(ctx context.Context, data provider.Data) provider.Result {
	m.record("authorize")
	if m.AuthorizeFunc != nil {
		return m.AuthorizeFunc(ctx, data)
	}
	return provider.Result{Status: session.StatusAuthorized, Data: data.Clone()}
}

func (m *MockProvider) CapturePayment(ctx context.Context, data provider.Data) provider.Result {
	m.record("capture")
	if m.CaptureFunc != nil {
		return m.CaptureFunc(ctx, data)
	}
	return provider.Result{Data: data.Clone()}
}

func (m *MockProvider) CancelPayment(ctx context.Context, data provider.Data) provider.Result {
	m.record("cancel")
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, data)
	}
	return provider.Result{Data: data.Clone()}
}

func (m *MockProvider) DeletePayment(ctx context.Context, data provider.Data) provider.Result {
	m.record("delete")
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, data)
	}
	return provider.Result{Data: data.Clone()}
}

func (m *MockProvider) GetPaymentStatus(ctx context.Context, data provider.Data) provider.Result {
	m.record("status")
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, data)
	}
	return provider.Result{Status: session.StatusPending, Data: data.Clone()}
}

func (m *MockProvider) RefundPayment(ctx context.Context, data provider.Data, amount float64) (provider.Data, error) {
	m.record("refund")
	if m.RefundFunc != nil {
		return m.RefundFunc(ctx, data, amount)
	}
	out := data.Clone()
	out["refund_id"] = "refund-1"
	out["refund_status"] = "succeeded"
	return out, nil
}

func (m *MockProvider) RetrievePayment(ctx context.Context, data provider.Data) provider.Result {
	m.record("retrieve")
	if m.RetrieveFunc != nil {
		return m.RetrieveFunc(ctx, data)
	}
	return provider.Result{Data: data.Clone()}
}

func (m *MockProvider) UpdatePayment(ctx context.Context, in provider.UpdateInput) provider.Result {
	m.record("update")
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, in)
	}
	return m.InitiatePayment(ctx, provider.InitiateInput{
		Amount:       in.Amount,
		CurrencyCode: in.CurrencyCode,
		Context:      in.Context,
	})
}

func (m *MockProvider) GetWebhookActionAndData(ctx context.Context, payload provider.WebhookPayload) provider.WebhookActionResult {
	m.record("webhook")
	if m.WebhookFunc != nil {
		return m.WebhookFunc(ctx, payload)
	}
	return provider.WebhookActionResult{Action: provider.ActionNotSupported, Reason: provider.ReasonUnknownEvent}
}
