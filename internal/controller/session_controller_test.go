package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/cassiomorais/fabricshop/internal/domain/session"
	"github.com/cassiomorais/fabricshop/internal/infrastructure/observability"
	"github.com/cassiomorais/fabricshop/internal/infrastructure/redis"
	customMW "github.com/cassiomorais/fabricshop/internal/middleware"
	"github.com/cassiomorais/fabricshop/internal/provider"
	"github.com/cassiomorais/fabricshop/internal/repository/postgres"
	"github.com/cassiomorais/fabricshop/internal/service"
	"github.com/cassiomorais/fabricshop/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testProvider  = "yukassa"
	testJWTSecret = "test-secret"
)

type testEnv struct {
	router   *chi.Mux
	repo     *testutil.MockSessionRepository
	provider *testutil.MockProvider
	registry *prometheus.Registry
}

type memoryReplayStore struct {
	records map[string]*postgres.ReplayRecord
}

func (s *memoryReplayStore) Lookup(_ context.Context, key string) (*postgres.ReplayRecord, bool, error) {
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *memoryReplayStore) Record(_ context.Context, rec *postgres.ReplayRecord) (bool, error) {
	if _, ok := s.records[rec.Key]; ok {
		return false, nil
	}
	s.records[rec.Key] = rec
	return true, nil
}

func newTestEnv(t *testing.T, shipping ShippingClient) *testEnv {
	t.Helper()
	repo := testutil.NewMockSessionRepository()
	mockProvider := testutil.NewMockProvider(testProvider)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", registry)
	providers := provider.NewRegistry(mockProvider)

	checkout := service.NewCheckoutService(repo, testutil.NewMockTransactionManager(), providers, metrics, zerolog.Nop())
	webhooks := service.NewWebhookService(providers, redis.NewMemoryDeduper(time.Hour), nil, checkout, metrics, zerolog.Nop())

	router := NewRouter(RouterDeps{
		Checkout:    checkout,
		Webhooks:    webhooks,
		Shipping:    shipping,
		ReplayStore: &memoryReplayStore{records: map[string]*postgres.ReplayRecord{}},
		Metrics:     metrics,
		Gatherer:    registry,
		JWTSecret:   testJWTSecret,
		Logger:      zerolog.Nop(),
	})
	return &testEnv{router: router, repo: repo, provider: mockProvider, registry: registry}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) SessionResponse {
	t.Helper()
	var resp SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp), rec.Body.String())
	return resp
}

func adminToken(t *testing.T, role string) string {
	t.Helper()
	token, err := customMW.IssueToken(testJWTSecret, "staff-1", role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestSessionController_Initiate(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/store/payment-sessions", InitiateSessionRequest{
		ProviderID:   testProvider,
		Amount:       150000,
		CurrencyCode: "RUB",
	}, customMW.IdempotencyKeyHeader, "cart-42")

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeSession(t, rec)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "cart-42", resp.IdempotencyKey)
	assert.Equal(t, "ext-cart-42", resp.ExternalID)
	assert.Equal(t, "https://pay.example/cart-42", resp.Data["confirmation_url"])
	assert.Nil(t, resp.Error)

	// Repeating the request returns the same session without a second gateway call.
	rec = env.do(t, http.MethodPost, "/store/payment-sessions", InitiateSessionRequest{
		ProviderID: testProvider,
		Amount:     150000,
	}, customMW.IdempotencyKeyHeader, "cart-42")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, resp.ID, decodeSession(t, rec).ID)
	assert.Equal(t, []string{"initiate"}, env.provider.Calls())
}

func TestSessionController_InitiateGatewayFailureIsReported(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.InitiateFunc = func(context.Context, provider.InitiateInput) provider.Result {
		return provider.Result{
			Status: session.StatusError,
			Data:   provider.Data{"error": "payment amount 0.50 is below the minimum of 1.00"},
			Err:    domainErrors.NewValidationError("amount", "below minimum"),
		}
	}

	rec := env.do(t, http.MethodPost, "/store/payment-sessions", InitiateSessionRequest{ProviderID: testProvider, Amount: 50})

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeSession(t, rec)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Contains(t, *resp.Error, "below the minimum")
}

func TestSessionController_InitiateRejections(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		wantCode int
		errCode  string
	}{
		{"missing amount", map[string]any{"provider_id": testProvider}, http.StatusBadRequest, "validation_error"},
		{"negative amount", map[string]any{"provider_id": testProvider, "amount": -1}, http.StatusBadRequest, "validation_error"},
		{"unknown provider", map[string]any{"provider_id": "stripe", "amount": 1000}, http.StatusNotFound, "unknown_provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec := env.do(t, http.MethodPost, "/store/payment-sessions", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.errCode, resp.Code)
			assert.Empty(t, env.provider.Calls())
		})
	}
}

func TestSessionController_GetAndEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	env.repo.AddSession(sess)

	rec := env.do(t, http.MethodGet, "/store/payment-sessions/"+sess.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeSession(t, rec)
	assert.Equal(t, sess.ExternalID, resp.ExternalID)
	assert.Equal(t, int64(45000), resp.Amount)

	rec = env.do(t, http.MethodPost, "/store/payment-sessions/"+sess.ID.String()+"/capture", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/store/payment-sessions/"+sess.ID.String()+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []EventResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
	require.NotEmpty(t, events)
	assert.Equal(t, "session.captured", events[len(events)-1].EventType)
}

func TestSessionController_NotFoundAndBadID(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/store/payment-sessions/6f1c6a1e-4b7a-4c1b-9a43-2b0e8f6b9d10", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/store/payment-sessions/not-a-uuid/capture", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionController_Lifecycle(t *testing.T) {
	tests := []struct {
		name       string
		action     string
		method     string
		from       session.Status
		wantCode   int
		wantStatus string
	}{
		{"authorize", "authorize", http.MethodPost, session.StatusPending, http.StatusOK, "authorized"},
		{"capture", "capture", http.MethodPost, session.StatusAuthorized, http.StatusOK, "captured"},
		{"cancel", "cancel", http.MethodPost, session.StatusPending, http.StatusOK, "canceled"},
		{"status", "status", http.MethodGet, session.StatusPending, http.StatusOK, "pending"},
		{"cancel captured", "cancel", http.MethodPost, session.StatusCaptured, http.StatusConflict, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			sess := testutil.NewBoundSession(testProvider, 45000, tt.from)
			env.repo.AddSession(sess)

			rec := env.do(t, tt.method, "/store/payment-sessions/"+sess.ID.String()+"/"+tt.action, nil)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantStatus != "" {
				assert.Equal(t, tt.wantStatus, decodeSession(t, rec).Status)
			}
		})
	}
}

func TestSessionController_Gateway(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	env.repo.AddSession(sess)
	env.provider.RetrieveFunc = func(_ context.Context, data provider.Data) provider.Result {
		return provider.Result{Data: provider.Data{"id": data["id"], "status": "waiting_for_capture", "paid": true}}
	}

	rec := env.do(t, http.MethodGet, "/store/payment-sessions/"+sess.ID.String()+"/gateway", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp GatewayPaymentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, sess.ID.String(), resp.SessionID)
	assert.Equal(t, "waiting_for_capture", resp.Payment["status"])
	assert.Equal(t, sess.ExternalID, resp.Payment["id"])
}

func TestSessionController_UpdateReplaysWithIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	env.repo.AddSession(sess)
	path := "/store/payment-sessions/" + sess.ID.String()

	rec := env.do(t, http.MethodPut, path, UpdateSessionRequest{Amount: 60000}, customMW.IdempotencyKeyHeader, "upd-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeSession(t, rec)
	assert.Equal(t, int64(60000), first.Amount)
	calls := len(env.provider.Calls())

	rec = env.do(t, http.MethodPut, path, UpdateSessionRequest{Amount: 60000}, customMW.IdempotencyKeyHeader, "upd-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Idempotency-Replayed"))
	assert.Equal(t, first.ExternalID, decodeSession(t, rec).ExternalID)
	assert.Len(t, env.provider.Calls(), calls)
}

func TestSessionController_Delete(t *testing.T) {
	env := newTestEnv(t, nil)
	pending := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	captured := testutil.NewBoundSession(testProvider, 45000, session.StatusCaptured)
	env.repo.AddSession(pending)
	env.repo.AddSession(captured)

	rec := env.do(t, http.MethodDelete, "/store/payment-sessions/"+pending.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, env.repo.Session(pending.ID))

	rec = env.do(t, http.MethodDelete, "/store/payment-sessions/"+captured.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotNil(t, env.repo.Session(captured.ID))
}

func TestSessionController_Refund(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusCaptured)
	env.repo.AddSession(sess)
	path := "/admin/payment-sessions/" + sess.ID.String() + "/refund"

	t.Run("requires token", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, path, RefundRequest{Amount: 1000})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("requires admin role", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, path, RefundRequest{Amount: 1000}, "Authorization", adminToken(t, "customer"))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("refunds part of the amount", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, path, RefundRequest{Amount: 10000, Reason: "damaged roll"}, "Authorization", adminToken(t, customMW.RoleAdmin))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decodeSession(t, rec)
		assert.Equal(t, "refund-1", resp.Data["refund_id"])
		assert.Equal(t, 10000.0, resp.Data["refunded_amount"])
	})

	t.Run("rejects more than remains", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, path, RefundRequest{Amount: 40000}, "Authorization", adminToken(t, customMW.RoleAdmin))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSessionController_RefundKeyReusedWithDifferentBody(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusCaptured)
	env.repo.AddSession(sess)
	path := "/admin/payment-sessions/" + sess.ID.String() + "/refund"
	token := adminToken(t, customMW.RoleAdmin)

	rec := env.do(t, http.MethodPost, path, RefundRequest{Amount: 10000}, "Authorization", token, customMW.IdempotencyKeyHeader, "rf-key")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, path, RefundRequest{Amount: 20000}, "Authorization", token, customMW.IdempotencyKeyHeader, "rf-key")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "idempotency_key_reused")
	assert.Equal(t, int64(10000), env.repo.Session(sess.ID).Data["refunded_amount"])

	rec = env.do(t, http.MethodPost, path, RefundRequest{Amount: 10000}, "Authorization", token, customMW.IdempotencyKeyHeader, "rf-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(customMW.ReplayedHeader))
	assert.Equal(t, int64(10000), env.repo.Session(sess.ID).Data["refunded_amount"])
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_http_requests_total")
}
