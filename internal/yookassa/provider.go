package yookassa

import (
	"context"
	"fmt"
	"math"
	"strings"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/cassiomorais/fabricshop/internal/domain/session"
	"github.com/cassiomorais/fabricshop/internal/money"
	"github.com/cassiomorais/fabricshop/internal/provider"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// Identifier is the provider id used in routes and stored sessions.
	Identifier = "yukassa"

	// MinAmount is the smallest payment the gateway accepts, in kopecks.
	MinAmount = 100

	DefaultCurrency          = "RUB"
	DefaultReturnURL         = "http://localhost:3001/checkout/success"
	DefaultDescriptionPrefix = "Order"
)

// Gateway is the subset of the gateway API the provider drives.
type Gateway interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest, idempotencyKey string) (*Payment, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	CapturePayment(ctx context.Context, id string, amount Amount, idempotencyKey string) (*Payment, error)
	CancelPayment(ctx context.Context, id string, idempotencyKey string) (*Payment, error)
	CreateRefund(ctx context.Context, req CreateRefundRequest, idempotencyKey string) (*Refund, error)
}

// Options configures the provider.
type Options struct {
	ReturnURL         string
	DescriptionPrefix string
}

// Provider maps the host's session lifecycle onto gateway payments.
type Provider struct {
	gateway Gateway
	opts    Options
	logger  zerolog.Logger
}

var _ provider.Provider = (*Provider)(nil)

func NewProvider(gateway Gateway, opts Options, logger zerolog.Logger) *Provider {
	if opts.ReturnURL == "" {
		opts.ReturnURL = DefaultReturnURL
	}
	if opts.DescriptionPrefix == "" {
		opts.DescriptionPrefix = DefaultDescriptionPrefix
	}
	return &Provider{
		gateway: gateway,
		opts:    opts,
		logger:  logger.With().Str("provider", Identifier).Logger(),
	}
}

func (p *Provider) Identifier() string { return Identifier }

func (p *Provider) InitiatePayment(ctx context.Context, in provider.InitiateInput) provider.Result {
	if math.IsNaN(in.Amount) || math.IsInf(in.Amount, 0) || in.Amount <= 0 {
		p.logger.Error().Float64("amount", in.Amount).Msg("initiate: invalid amount")
		err := domainErrors.NewValidationError("amount", fmt.Sprintf("invalid payment amount: %v", in.Amount))
		return failure(provider.Data{}, err.Message, err)
	}

	value, err := money.MinorToMajor(in.Amount)
	if err != nil {
		return failure(provider.Data{}, err.Error(), err)
	}
	if in.Amount < MinAmount {
		p.logger.Error().Str("amount", value).Msg("initiate: amount below gateway minimum")
		err := domainErrors.NewValidationError("amount",
			fmt.Sprintf("payment amount %s is below the minimum of 1.00", value))
		return failure(provider.Data{}, err.Message, err)
	}

	currency := strings.ToUpper(in.CurrencyCode)
	if currency == "" {
		currency = DefaultCurrency
	}

	sessionID := in.Context.IdempotencyKey
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	req := CreatePaymentRequest{
		Amount:  Amount{Value: value, Currency: currency},
		Capture: true,
		Confirmation: Confirmation{
			Type:      ConfirmationRedirect,
			ReturnURL: p.opts.ReturnURL,
		},
		Description: p.opts.DescriptionPrefix + " #" + shortID(sessionID),
		Metadata:    map[string]any{"session_id": sessionID},
	}

	payment, err := p.gateway.CreatePayment(ctx, req, sessionID)
	if err == nil && payment.ID == "" {
		err = domainErrors.NewDomainError("missing_payment_id", "gateway returned a payment without id",
			domainErrors.ErrMalformedResponse)
	}
	if err != nil {
		p.logger.Error().Err(err).Str("session_id", sessionID).Msg("initiate payment failed")
		return failure(provider.Data{"session_id": sessionID}, Describe(err), err)
	}

	p.logger.Info().
		Str("payment_id", payment.ID).
		Str("amount", value).
		Str("currency", currency).
		Str("status", string(payment.Status)).
		Msg("payment created")

	return provider.Result{
		ID: payment.ID,
		Data: provider.Data{
			"id":               payment.ID,
			"status":           string(payment.Status),
			"confirmation_url": payment.ConfirmationURL(),
			"session_id":       sessionID,
		},
	}
}

func (p *Provider) AuthorizePayment(ctx context.Context, data provider.Data) provider.Result {
	id := data.String("id")
	if id == "" {
		p.logger.Warn().Msg("authorize: missing external id")
		return missingID(data)
	}

	payment, err := p.gateway.GetPayment(ctx, id)
	if err != nil {
		p.logger.Error().Err(err).Str("payment_id", id).Msg("authorize payment failed")
		return failure(data.Clone(), Describe(err), err)
	}

	status, known := authorizeStatus(payment.Status)
	if !known {
		p.logger.Warn().Str("payment_id", id).Str("status", string(payment.Status)).Msg("authorize: unrecognized gateway status")
	}
	p.logger.Info().Str("payment_id", id).Str("status", string(payment.Status)).Msg("authorize")

	return provider.Result{
		Status: status,
		Data: provider.Data{
			"id":         payment.ID,
			"status":     string(payment.Status),
			"paid":       payment.Paid,
			"session_id": metadataSessionID(payment.Metadata),
		},
	}
}

func (p *Provider) CapturePayment(ctx context.Context, data provider.Data) provider.Result {
	id := data.String("id")
	if id == "" {
		p.logger.Warn().Msg("capture: missing external id")
		return missingIDData(data)
	}

	payment, err := p.gateway.GetPayment(ctx, id)
	if err != nil {
		p.logger.Error().Err(err).Str("payment_id", id).Msg("capture payment failed")
		return provider.Result{Data: withError(data.Clone(), Describe(err)), Err: err}
	}

	switch payment.Status {
	case StatusSucceeded:
		p.logger.Info().Str("payment_id", id).Msg("capture: already succeeded")
		return provider.Result{Data: paymentSummary(payment)}
	case StatusWaitingForCapture:
		captured, err := p.gateway.CapturePayment(ctx, id, payment.Amount, "capture-"+id)
		if err != nil {
			p.logger.Error().Err(err).Str("payment_id", id).Msg("capture payment failed")
			return provider.Result{Data: withError(data.Clone(), Describe(err)), Err: err}
		}
		p.logger.Info().Str("payment_id", id).Str("status", string(captured.Status)).Msg("captured")
		return provider.Result{Data: paymentSummary(captured)}
	}

	p.logger.Warn().Str("payment_id", id).Str("status", string(payment.Status)).Msg("capture not possible")
	msg := fmt.Sprintf("payment in status %s, capture not possible", payment.Status)
	return provider.Result{
		Data: withError(paymentSummary(payment), msg),
		Err:  domainErrors.NewDomainError("capture_not_possible", msg, domainErrors.ErrBusinessRule),
	}
}

func (p *Provider) CancelPayment(ctx context.Context, data provider.Data) provider.Result {
	id := data.String("id")
	if id == "" {
		p.logger.Warn().Msg("cancel: missing external id")
		return missingIDData(data)
	}

	payment, err := p.gateway.GetPayment(ctx, id)
	if err != nil {
		p.logger.Warn().Err(err).Str("payment_id", id).Msg("cancel payment failed")
		return provider.Result{Data: withError(data.Clone(), Describe(err)), Err: err}
	}

	switch payment.Status {
	case StatusSucceeded:
		p.logger.Warn().Str("payment_id", id).Msg("cancel: payment already succeeded, refund required")
		msg := "payment already succeeded, use refund to return the funds"
		return provider.Result{
			Data: provider.Data{"id": payment.ID, "status": string(payment.Status), "error": msg},
			Err:  domainErrors.NewDomainError("cancel_not_possible", msg, domainErrors.ErrBusinessRule),
		}
	case StatusCanceled:
		p.logger.Info().Str("payment_id", id).Msg("cancel: already canceled")
		return provider.Result{Data: provider.Data{"id": payment.ID, "status": string(payment.Status)}}
	}

	canceled, err := p.gateway.CancelPayment(ctx, id, "cancel-"+id)
	if err != nil {
		p.logger.Warn().Err(err).Str("payment_id", id).Msg("cancel payment failed")
		return provider.Result{Data: withError(data.Clone(), Describe(err)), Err: err}
	}
	p.logger.Info().Str("payment_id", id).Msg("payment canceled")

	return provider.Result{Data: provider.Data{"id": canceled.ID, "status": string(canceled.Status)}}
}

// DeletePayment has no gateway counterpart; unpaid gateway payments expire
// on their own.
func (p *Provider) DeletePayment(_ context.Context, data provider.Data) provider.Result {
	return provider.Result{Data: data.Clone()}
}

func (p *Provider) GetPaymentStatus(ctx context.Context, data provider.Data) provider.Result {
	id := data.String("id")
	if id == "" {
		p.logger.Warn().Msg("status: missing external id")
		return missingID(data)
	}

	payment, err := p.gateway.GetPayment(ctx, id)
	if err != nil {
		p.logger.Error().Err(err).Str("payment_id", id).Msg("get payment status failed")
		return failure(data.Clone(), Describe(err), err)
	}

	status, known := queryStatus(payment.Status)
	if !known {
		p.logger.Warn().Str("payment_id", id).Str("status", string(payment.Status)).Msg("status: unrecognized gateway status")
	}

	return provider.Result{
		Status: status,
		Data: provider.Data{
			"id":     payment.ID,
			"status": string(payment.Status),
			"paid":   payment.Paid,
		},
	}
}

// RefundPayment refunds amount minor units of a succeeded payment. Unlike
// the other operations it reports failure as an error.
func (p *Provider) RefundPayment(ctx context.Context, data provider.Data, amount float64) (provider.Data, error) {
	id := data.String("id")
	if id == "" {
		p.logger.Error().Msg("refund: missing external id")
		return nil, domainErrors.NewValidationError("id", "cannot refund without a payment id")
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		p.logger.Error().Float64("amount", amount).Msg("refund: invalid amount")
		return nil, domainErrors.NewValidationError("amount", fmt.Sprintf("invalid refund amount: %v", amount))
	}

	refund, err := p.refund(ctx, id, amount)
	if err != nil {
		p.logger.Error().Err(err).Str("payment_id", id).Msg("refund payment failed")
		return nil, fmt.Errorf("refund failed: %w", err)
	}

	p.logger.Info().
		Str("payment_id", id).
		Str("refund_id", refund.ID).
		Str("amount", refund.Amount.Value).
		Str("status", refund.Status).
		Msg("refund created")

	out := data.Clone()
	out["refund_id"] = refund.ID
	out["refund_status"] = refund.Status
	return out, nil
}

func (p *Provider) refund(ctx context.Context, id string, amount float64) (*Refund, error) {
	payment, err := p.gateway.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !payment.Refundable {
		return nil, domainErrors.NewDomainError("not_refundable",
			fmt.Sprintf("payment %s is not refundable (status: %s)", id, payment.Status),
			domainErrors.ErrBusinessRule)
	}

	value, err := money.MinorToMajor(amount)
	if err != nil {
		return nil, err
	}
	currency := payment.Amount.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	return p.gateway.CreateRefund(ctx, CreateRefundRequest{
		PaymentID: id,
		Amount:    Amount{Value: value, Currency: currency},
	}, uuid.NewString())
}

func (p *Provider) RetrievePayment(ctx context.Context, data provider.Data) provider.Result {
	id := data.String("id")
	if id == "" {
		p.logger.Warn().Msg("retrieve: missing external id")
		return missingIDData(data)
	}

	payment, err := p.gateway.GetPayment(ctx, id)
	if err != nil {
		p.logger.Error().Err(err).Str("payment_id", id).Msg("retrieve payment failed")
		return provider.Result{Data: withError(data.Clone(), Describe(err)), Err: err}
	}

	return provider.Result{
		Data: provider.Data{
			"id":          payment.ID,
			"status":      string(payment.Status),
			"amount":      payment.Amount,
			"paid":        payment.Paid,
			"created_at":  payment.CreatedAt,
			"description": payment.Description,
		},
	}
}

// UpdatePayment replaces the gateway payment: the old one is canceled on a
// best-effort basis and a new one is created for the new amount.
func (p *Provider) UpdatePayment(ctx context.Context, in provider.UpdateInput) provider.Result {
	if id := in.Data.String("id"); id != "" {
		if res := p.CancelPayment(ctx, in.Data); res.Failed() {
			p.logger.Warn().Str("payment_id", id).Str("error", res.Data.String("error")).
				Msg("update: could not cancel previous payment, continuing")
		}
	}

	return p.InitiatePayment(ctx, provider.InitiateInput{
		Amount:       in.Amount,
		CurrencyCode: in.CurrencyCode,
		Context:      in.Context,
	})
}

func failure(data provider.Data, msg string, err error) provider.Result {
	return provider.Result{
		Status: session.StatusError,
		Data:   withError(data, msg),
		Err:    err,
	}
}

func missingID(data provider.Data) provider.Result {
	err := domainErrors.NewValidationError("id", "missing payment id")
	return failure(data.Clone(), err.Message, err)
}

// missingIDData reports a missing id without a status, for operations whose
// contract carries only data.
func missingIDData(data provider.Data) provider.Result {
	res := missingID(data)
	res.Status = ""
	return res
}

func withError(data provider.Data, msg string) provider.Data {
	if data == nil {
		data = provider.Data{}
	}
	data["error"] = msg
	return data
}

func paymentSummary(payment *Payment) provider.Data {
	return provider.Data{
		"id":     payment.ID,
		"status": string(payment.Status),
		"paid":   payment.Paid,
	}
}

func metadataSessionID(meta map[string]any) string {
	s, _ := meta["session_id"].(string)
	return s
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
