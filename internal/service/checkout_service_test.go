package service

import (
	"context"
	"errors"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/cassiomorais/fabricshop/internal/domain/session"
	"github.com/cassiomorais/fabricshop/internal/infrastructure/observability"
	"github.com/cassiomorais/fabricshop/internal/provider"
	"github.com/cassiomorais/fabricshop/internal/testutil"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProvider = "yukassa"

// --- Test Helpers ---

type checkoutFixture struct {
	svc      *CheckoutService
	repo     *testutil.MockSessionRepository
	provider *testutil.MockProvider
	metrics  *observability.Metrics
}

func setupCheckoutService() *checkoutFixture {
	repo := testutil.NewMockSessionRepository()
	mockProvider := testutil.NewMockProvider(testProvider)
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	svc := NewCheckoutService(repo, testutil.NewMockTransactionManager(), provider.NewRegistry(mockProvider), metrics, zerolog.Nop())
	return &checkoutFixture{svc: svc, repo: repo, provider: mockProvider, metrics: metrics}
}

func gatewayFailure(kind error, msg string) provider.Result {
	return provider.Result{
		Status: session.StatusError,
		Data:   provider.Data{"error": msg},
		Err:    &domainErrors.GatewayError{Kind: kind},
	}
}

// --- Initiate Tests ---

func TestInitiate_Success(t *testing.T) {
	f := setupCheckoutService()
	ctx := context.Background()

	sess, err := f.svc.Initiate(ctx, InitiateSessionRequest{
		IdempotencyKey: "key-1",
		ProviderID:     testProvider,
		Amount:         45000,
		CurrencyCode:   "rub",
	})
	require.NoError(t, err)

	assert.Equal(t, session.StatusPending, sess.Status)
	assert.Equal(t, "ext-key-1", sess.ExternalID)
	assert.Equal(t, "key-1", sess.CorrelationID)
	assert.Equal(t, "RUB", sess.CurrencyCode)
	assert.Equal(t, "https://pay.example/key-1", sess.Data["confirmation_url"])
	assert.Nil(t, sess.LastError)

	stored := f.repo.Session(sess.ID)
	require.NotNil(t, stored)
	assert.Equal(t, "ext-key-1", stored.ExternalID)
	assert.Equal(t, []string{"session.created", "session.initiated"}, f.repo.EventTypes(sess.ID))
}

func TestInitiate_IdempotentByKey(t *testing.T) {
	f := setupCheckoutService()
	ctx := context.Background()
	req := InitiateSessionRequest{IdempotencyKey: "key-1", ProviderID: testProvider, Amount: 45000}

	first, err := f.svc.Initiate(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.Initiate(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"initiate"}, f.provider.Calls())
}

func TestInitiate_GeneratesKey(t *testing.T) {
	f := setupCheckoutService()

	sess, err := f.svc.Initiate(context.Background(), InitiateSessionRequest{ProviderID: testProvider, Amount: 1000})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.IdempotencyKey)
	assert.Equal(t, sess.IdempotencyKey, sess.CorrelationID)
}

func TestInitiate_ValidationFailureMarksError(t *testing.T) {
	f := setupCheckoutService()
	f.provider.InitiateFunc = func(_ context.Context, in provider.InitiateInput) provider.Result {
		return provider.Result{
			Status: session.StatusError,
			Data:   provider.Data{"error": "payment amount 0.99 is below the minimum of 1.00"},
			Err:    domainErrors.NewValidationError("amount", "below minimum"),
		}
	}

	sess, err := f.svc.Initiate(context.Background(), InitiateSessionRequest{IdempotencyKey: "k", ProviderID: testProvider, Amount: 99})
	require.NoError(t, err)

	assert.Equal(t, session.StatusError, sess.Status)
	require.NotNil(t, sess.LastError)
	assert.Contains(t, *sess.LastError, "below the minimum")
	assert.Empty(t, sess.ExternalID)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.SessionErrors.WithLabelValues("initiate", "validation")))
}

func TestInitiate_TransientFailureIsRetried(t *testing.T) {
	f := setupCheckoutService()
	ctx := context.Background()
	f.provider.InitiateFunc = func(context.Context, provider.InitiateInput) provider.Result {
		return gatewayFailure(domainErrors.ErrTimeout, "payment gateway did not respond in time")
	}
	req := InitiateSessionRequest{IdempotencyKey: "key-retry", ProviderID: testProvider, Amount: 45000}

	sess, err := f.svc.Initiate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, sess.Status)
	require.NotNil(t, sess.LastError)
	assert.Equal(t, "payment gateway did not respond in time", *sess.LastError)

	f.provider.InitiateFunc = nil
	retried, err := f.svc.Initiate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, retried.ID)
	assert.Equal(t, "ext-key-retry", retried.ExternalID)
	assert.Nil(t, retried.LastError)
	assert.Equal(t, []string{"initiate", "initiate"}, f.provider.Calls())
}

func TestInitiate_UnknownProvider(t *testing.T) {
	f := setupCheckoutService()

	_, err := f.svc.Initiate(context.Background(), InitiateSessionRequest{ProviderID: "stripe", Amount: 1000})
	assert.ErrorIs(t, err, domainErrors.ErrProviderNotFound)
	assert.Empty(t, f.provider.Calls())
}

func TestInitiate_InvalidAmount(t *testing.T) {
	f := setupCheckoutService()

	_, err := f.svc.Initiate(context.Background(), InitiateSessionRequest{ProviderID: testProvider, Amount: 0})
	assert.ErrorIs(t, err, domainErrors.ErrValidationFailed)
	assert.Empty(t, f.provider.Calls())
}

// --- Lifecycle Tests ---

func TestAuthorize_UsesProviderStatus(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	f.repo.AddSession(sess)

	var gotData provider.Data
	f.provider.AuthorizeFunc = func(_ context.Context, data provider.Data) provider.Result {
		gotData = data
		return provider.Result{Status: session.StatusAuthorized, Data: provider.Data{"id": data.String("id"), "status": "succeeded", "paid": true}}
	}

	out, err := f.svc.Authorize(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, sess.ExternalID, gotData.String("id"))
	assert.Equal(t, sess.CorrelationID, gotData.String("session_id"))
	assert.Equal(t, session.StatusAuthorized, out.Status)
	assert.Equal(t, true, out.Data["paid"])
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.SessionTransitions.WithLabelValues("pending", "authorized", "authorize")))
}

func TestCapture_Success(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusAuthorized)
	f.repo.AddSession(sess)

	out, err := f.svc.Capture(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCaptured, out.Status)
	assert.NotNil(t, out.CompletedAt)
}

func TestCapture_NotCapturableKeepsStatus(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	f.repo.AddSession(sess)
	f.provider.CaptureFunc = func(_ context.Context, data provider.Data) provider.Result {
		return provider.Result{
			Data: provider.Data{"id": data.String("id"), "status": "pending", "error": "payment in status pending, capture not possible"},
			Err:  domainErrors.NewDomainError("capture_not_possible", "capture not possible", domainErrors.ErrBusinessRule),
		}
	}

	out, err := f.svc.Capture(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, out.Status)
	require.NotNil(t, out.LastError)
	assert.Contains(t, *out.LastError, "capture not possible")
	assert.NotContains(t, out.Data, "error")
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.SessionErrors.WithLabelValues("capture", "business_rule")))
}

func TestCancel_CapturedSessionRejected(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusCaptured)
	f.repo.AddSession(sess)
	f.provider.CancelFunc = func(_ context.Context, data provider.Data) provider.Result {
		return provider.Result{
			Data: provider.Data{"id": data.String("id"), "status": "succeeded", "error": "payment already succeeded, use refund to return the funds"},
			Err:  domainErrors.ErrBusinessRule,
		}
	}

	out, err := f.svc.Cancel(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCaptured, out.Status)
	require.NotNil(t, out.LastError)
	assert.Contains(t, *out.LastError, "use refund")
}

func TestCancel_Success(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	f.repo.AddSession(sess)

	out, err := f.svc.Cancel(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCanceled, out.Status)
	assert.Equal(t, session.StatusCanceled, f.repo.Session(sess.ID).Status)
}

func TestSyncStatus_IgnoresRegression(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusCaptured)
	f.repo.AddSession(sess)
	f.provider.StatusFunc = func(_ context.Context, data provider.Data) provider.Result {
		return provider.Result{Status: session.StatusAuthorized, Data: data.Clone()}
	}

	out, err := f.svc.SyncStatus(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCaptured, out.Status)
}

func TestSyncStatus_KeepsWebhookAppliedDuringGatewayCall(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	f.repo.AddSession(sess)
	ctx := context.Background()

	// The capture webhook lands while the status request is in flight and
	// the gateway answers with the older state.
	f.provider.StatusFunc = func(_ context.Context, data provider.Data) provider.Result {
		require.NoError(t, f.svc.ApplyWebhookAction(ctx, testProvider, provider.WebhookActionResult{
			Action:    provider.ActionCaptured,
			Data:      provider.WebhookData{SessionID: sess.CorrelationID, Amount: 45000},
			Event:     "payment.succeeded",
			PaymentID: sess.ExternalID,
		}))
		return provider.Result{Status: session.StatusAuthorized, Data: provider.Data{"id": data.String("id"), "status": "waiting_for_capture"}}
	}

	out, err := f.svc.SyncStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCaptured, out.Status)

	stored := f.repo.Session(sess.ID)
	assert.Equal(t, session.StatusCaptured, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.NotContains(t, f.repo.EventTypes(sess.ID), "session.status_synced")
}

func TestCapture_CanceledDuringGatewayCallStaysCanceled(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusAuthorized)
	f.repo.AddSession(sess)
	ctx := context.Background()

	f.provider.CaptureFunc = func(_ context.Context, data provider.Data) provider.Result {
		require.NoError(t, f.svc.ApplyWebhookAction(ctx, testProvider, provider.WebhookActionResult{
			Action:    provider.ActionFailed,
			Data:      provider.WebhookData{SessionID: sess.CorrelationID},
			Event:     "payment.canceled",
			PaymentID: sess.ExternalID,
		}))
		return provider.Result{Data: data.Clone()}
	}

	out, err := f.svc.Capture(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, out.Status)
	assert.Equal(t, session.StatusError, f.repo.Session(sess.ID).Status)
}

func TestRetrieve_ReturnsGatewayData(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	f.repo.AddSession(sess)
	f.provider.RetrieveFunc = func(_ context.Context, data provider.Data) provider.Result {
		return provider.Result{Data: provider.Data{"id": data.String("id"), "status": "pending", "description": "Order #1"}}
	}

	data, err := f.svc.Retrieve(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ExternalID, data["id"])
	assert.Equal(t, "Order #1", data["description"])
}

func TestGet_NotFound(t *testing.T) {
	f := setupCheckoutService()

	_, err := f.svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domainErrors.ErrSessionNotFound)
}

// --- Delete Tests ---

func TestDelete(t *testing.T) {
	tests := []struct {
		name    string
		status  session.Status
		wantErr error
	}{
		{"pending session", session.StatusPending, nil},
		{"canceled session", session.StatusCanceled, nil},
		{"captured session", session.StatusCaptured, domainErrors.ErrInvalidStateTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupCheckoutService()
			sess := testutil.NewBoundSession(testProvider, 45000, tt.status)
			f.repo.AddSession(sess)

			err := f.svc.Delete(context.Background(), sess.ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.NotNil(t, f.repo.Session(sess.ID))
				return
			}
			require.NoError(t, err)
			assert.Nil(t, f.repo.Session(sess.ID))
			assert.Equal(t, []string{"delete"}, f.provider.Calls())
		})
	}
}

// --- Update Tests ---

func TestUpdate_ReplacesPayment(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	oldExternal := sess.ExternalID
	f.repo.AddSession(sess)

	var gotIn provider.UpdateInput
	f.provider.UpdateFunc = func(_ context.Context, in provider.UpdateInput) provider.Result {
		gotIn = in
		return provider.Result{ID: "ext-new", Data: provider.Data{"id": "ext-new", "status": "pending", "session_id": "corr-new"}}
	}

	out, err := f.svc.Update(context.Background(), sess.ID, UpdateSessionRequest{Amount: 60000})
	require.NoError(t, err)

	assert.Equal(t, oldExternal, gotIn.Data.String("id"))
	assert.Equal(t, 60000.0, gotIn.Amount)
	assert.Equal(t, "RUB", gotIn.CurrencyCode)
	assert.NotEmpty(t, gotIn.Context.IdempotencyKey)

	assert.Equal(t, "ext-new", out.ExternalID)
	assert.Equal(t, "corr-new", out.CorrelationID)
	assert.Equal(t, int64(60000), out.Amount)
	assert.Equal(t, session.StatusPending, out.Status)
	assert.Contains(t, f.repo.EventTypes(sess.ID), "session.updated")
}

func TestUpdate_StoreFailureCancelsReplacement(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	f.repo.AddSession(sess)
	f.repo.UpdateFunc = func(context.Context, *session.Session) error {
		return errors.New("connection reset")
	}

	var canceled string
	f.provider.UpdateFunc = func(context.Context, provider.UpdateInput) provider.Result {
		return provider.Result{ID: "ext-new", Data: provider.Data{"id": "ext-new", "session_id": "corr-new"}}
	}
	f.provider.CancelFunc = func(_ context.Context, data provider.Data) provider.Result {
		canceled = data.String("id")
		return provider.Result{Data: data.Clone()}
	}

	_, err := f.svc.Update(context.Background(), sess.ID, UpdateSessionRequest{Amount: 60000})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, "ext-new", canceled)
}

func TestUpdate_ProviderFailureIsRecorded(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	f.repo.AddSession(sess)
	f.provider.UpdateFunc = func(context.Context, provider.UpdateInput) provider.Result {
		return gatewayFailure(domainErrors.ErrServerUnavailable, "payment gateway unavailable (503), try again later")
	}

	out, err := f.svc.Update(context.Background(), sess.ID, UpdateSessionRequest{Amount: 60000})
	require.NoError(t, err)
	assert.Equal(t, sess.ExternalID, out.ExternalID)
	assert.Equal(t, int64(45000), out.Amount)
	require.NotNil(t, out.LastError)
	assert.Contains(t, *out.LastError, "unavailable")
}

func TestUpdate_CapturedRejected(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusCaptured)
	f.repo.AddSession(sess)

	_, err := f.svc.Update(context.Background(), sess.ID, UpdateSessionRequest{Amount: 60000})
	assert.ErrorIs(t, err, domainErrors.ErrInvalidStateTransition)
	assert.Empty(t, f.provider.Calls())
}

// --- Refund Tests ---

func TestRefund_Success(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusCaptured)
	f.repo.AddSession(sess)

	var gotAmount float64
	f.provider.RefundFunc = func(_ context.Context, data provider.Data, amount float64) (provider.Data, error) {
		gotAmount = amount
		out := data.Clone()
		out["refund_id"] = "rf-1"
		out["refund_status"] = "succeeded"
		return out, nil
	}

	out, err := f.svc.Refund(context.Background(), sess.ID, RefundSessionRequest{Amount: 10000})
	require.NoError(t, err)

	assert.Equal(t, 10000.0, gotAmount)
	assert.Equal(t, "rf-1", out.Data["refund_id"])
	assert.Equal(t, int64(10000), out.Data["refunded_amount"])
	assert.Equal(t, session.StatusCaptured, out.Status)
	assert.Contains(t, f.repo.EventTypes(sess.ID), "session.refunded")
}

func TestRefund_FullAmountByDefault(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusCaptured)
	f.repo.AddSession(sess)

	var gotAmount float64
	f.provider.RefundFunc = func(_ context.Context, data provider.Data, amount float64) (provider.Data, error) {
		gotAmount = amount
		return data.Clone(), nil
	}

	_, err := f.svc.Refund(context.Background(), sess.ID, RefundSessionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 45000.0, gotAmount)
}

func TestRefund_ConcurrentRefundsAccumulate(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusCaptured)
	f.repo.AddSession(sess)
	ctx := context.Background()

	calls := 0
	f.provider.RefundFunc = func(_ context.Context, data provider.Data, amount float64) (provider.Data, error) {
		calls++
		if calls == 1 {
			// A second refund completes while the first is at the gateway.
			_, err := f.svc.Refund(ctx, sess.ID, RefundSessionRequest{Amount: 5000})
			require.NoError(t, err)
		}
		return data.Clone(), nil
	}

	out, err := f.svc.Refund(ctx, sess.ID, RefundSessionRequest{Amount: 10000})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(15000), out.Data["refunded_amount"])
	assert.Equal(t, int64(15000), f.repo.Session(sess.ID).Data["refunded_amount"])
}

func TestRefund_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		status  session.Status
		amount  int64
		wantErr error
	}{
		{"not captured", session.StatusAuthorized, 1000, domainErrors.ErrInvalidStateTransition},
		{"exceeds amount", session.StatusCaptured, 45001, domainErrors.ErrValidationFailed},
		{"negative amount", session.StatusCaptured, -1, domainErrors.ErrValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupCheckoutService()
			sess := testutil.NewBoundSession(testProvider, 45000, tt.status)
			f.repo.AddSession(sess)

			_, err := f.svc.Refund(context.Background(), sess.ID, RefundSessionRequest{Amount: tt.amount})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.provider.Calls())
		})
	}
}

func TestRefund_ProviderErrorPropagates(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusCaptured)
	f.repo.AddSession(sess)
	f.provider.RefundFunc = func(context.Context, provider.Data, float64) (provider.Data, error) {
		return nil, domainErrors.NewDomainError("not_refundable", "payment ext-1 is not refundable (status: canceled)", domainErrors.ErrBusinessRule)
	}

	_, err := f.svc.Refund(context.Background(), sess.ID, RefundSessionRequest{})
	assert.ErrorIs(t, err, domainErrors.ErrBusinessRule)
	assert.Contains(t, err.Error(), "not refundable")
}

// --- Webhook Application Tests ---

func TestApplyWebhookAction_Captured(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	f.repo.AddSession(sess)

	res := provider.WebhookActionResult{
		Action:    provider.ActionCaptured,
		Event:     "payment.succeeded",
		PaymentID: sess.ExternalID,
		Data:      provider.WebhookData{SessionID: sess.CorrelationID, Amount: 45000},
	}
	require.NoError(t, f.svc.ApplyWebhookAction(context.Background(), testProvider, res))

	stored := f.repo.Session(sess.ID)
	assert.Equal(t, session.StatusCaptured, stored.Status)
	assert.Equal(t, []string{"webhook.captured"}, f.repo.EventTypes(sess.ID))

	// Redelivery is a no-op.
	require.NoError(t, f.svc.ApplyWebhookAction(context.Background(), testProvider, res))
	assert.Equal(t, []string{"webhook.captured"}, f.repo.EventTypes(sess.ID))
}

func TestApplyWebhookAction_Transitions(t *testing.T) {
	tests := []struct {
		name   string
		from   session.Status
		action provider.WebhookAction
		want   session.Status
	}{
		{"pending to authorized", session.StatusPending, provider.ActionAuthorized, session.StatusAuthorized},
		{"authorized to captured", session.StatusAuthorized, provider.ActionCaptured, session.StatusCaptured},
		{"pending failed", session.StatusPending, provider.ActionFailed, session.StatusError},
		{"late authorized after capture", session.StatusCaptured, provider.ActionAuthorized, session.StatusCaptured},
		{"failed after capture", session.StatusCaptured, provider.ActionFailed, session.StatusCaptured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupCheckoutService()
			sess := testutil.NewBoundSession(testProvider, 45000, tt.from)
			f.repo.AddSession(sess)

			err := f.svc.ApplyWebhookAction(context.Background(), testProvider, provider.WebhookActionResult{
				Action:    tt.action,
				PaymentID: sess.ExternalID,
				Data:      provider.WebhookData{SessionID: sess.CorrelationID},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.repo.Session(sess.ID).Status)
		})
	}
}

func TestApplyWebhookAction_Ignored(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.NewBoundSession(testProvider, 45000, session.StatusPending)
	f.repo.AddSession(sess)
	ctx := context.Background()

	// not actionable
	require.NoError(t, f.svc.ApplyWebhookAction(ctx, testProvider, provider.WebhookActionResult{
		Action: provider.ActionNotSupported,
		Data:   provider.WebhookData{SessionID: sess.CorrelationID},
	}))
	// no correlation id
	require.NoError(t, f.svc.ApplyWebhookAction(ctx, testProvider, provider.WebhookActionResult{Action: provider.ActionCaptured}))
	// unknown session
	require.NoError(t, f.svc.ApplyWebhookAction(ctx, testProvider, provider.WebhookActionResult{
		Action: provider.ActionCaptured,
		Data:   provider.WebhookData{SessionID: "unknown"},
	}))
	// payment replaced by an update
	require.NoError(t, f.svc.ApplyWebhookAction(ctx, testProvider, provider.WebhookActionResult{
		Action:    provider.ActionCaptured,
		PaymentID: "ext-old",
		Data:      provider.WebhookData{SessionID: sess.CorrelationID},
	}))

	assert.Equal(t, session.StatusPending, f.repo.Session(sess.ID).Status)
	assert.Empty(t, f.repo.EventTypes(sess.ID))
}

// --- Reconcile Tests ---

func TestReconcile(t *testing.T) {
	f := setupCheckoutService()
	captured := testutil.Aged(testutil.NewBoundSession(testProvider, 45000, session.StatusPending), time.Hour)
	unchanged := testutil.Aged(testutil.NewBoundSession(testProvider, 10000, session.StatusPending), time.Hour)
	broken := testutil.Aged(testutil.NewBoundSession(testProvider, 20000, session.StatusAuthorized), time.Hour)
	fresh := testutil.NewBoundSession(testProvider, 30000, session.StatusPending)
	for _, s := range []*session.Session{captured, unchanged, broken, fresh} {
		f.repo.AddSession(s)
	}

	f.provider.StatusFunc = func(_ context.Context, data provider.Data) provider.Result {
		switch data.String("id") {
		case captured.ExternalID:
			return provider.Result{Status: session.StatusCaptured, Data: provider.Data{"id": captured.ExternalID, "status": "succeeded"}}
		case broken.ExternalID:
			return gatewayFailure(domainErrors.ErrServerUnavailable, "unavailable")
		}
		return provider.Result{Status: session.StatusPending, Data: data.Clone()}
	}

	report, err := f.svc.Reconcile(context.Background(), 15*time.Minute, 10)
	require.NoError(t, err)

	assert.Equal(t, ReconcileReport{Checked: 3, Updated: 1, Unchanged: 1, Failed: 1}, report)
	assert.Equal(t, session.StatusCaptured, f.repo.Session(captured.ID).Status)
	assert.Equal(t, session.StatusPending, f.repo.Session(fresh.ID).Status)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.ReconciledSessions.WithLabelValues("updated")))
}

func TestReconcile_WebhookDuringCheckWins(t *testing.T) {
	f := setupCheckoutService()
	sess := testutil.Aged(testutil.NewBoundSession(testProvider, 45000, session.StatusPending), time.Hour)
	f.repo.AddSession(sess)
	ctx := context.Background()

	f.provider.StatusFunc = func(_ context.Context, data provider.Data) provider.Result {
		require.NoError(t, f.svc.ApplyWebhookAction(ctx, testProvider, provider.WebhookActionResult{
			Action:    provider.ActionCaptured,
			Data:      provider.WebhookData{SessionID: sess.CorrelationID},
			Event:     "payment.succeeded",
			PaymentID: sess.ExternalID,
		}))
		return provider.Result{Status: session.StatusAuthorized, Data: data.Clone()}
	}

	report, err := f.svc.Reconcile(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 1, Unchanged: 1}, report)
	assert.Equal(t, session.StatusCaptured, f.repo.Session(sess.ID).Status)
}
