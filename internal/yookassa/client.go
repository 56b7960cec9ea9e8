package yookassa

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/cassiomorais/fabricshop/internal/infrastructure/observability"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL       = "https://api.yookassa.ru/v3"
	DefaultTimeout       = 30 * time.Second
	IdempotenceKeyHeader = "Idempotence-Key"
)

// ClientConfig holds gateway credentials and transport settings.
type ClientConfig struct {
	ShopID    string
	SecretKey string
	BaseURL   string
	Timeout   time.Duration
}

// Client talks to the gateway REST API. It never retries on its own.
type Client struct {
	http    *resty.Client
	cfg     ClientConfig
	logger  zerolog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for request logs. The default discards them.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records gateway request counts and latencies in m.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a Client. Empty BaseURL and Timeout take the defaults.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		cfg:    cfg,
		logger: zerolog.Nop(),
		tracer: otel.Tracer("fabricshop/yookassa"),
	}
	for _, o := range opts {
		o(c)
	}

	c.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetBasicAuth(cfg.ShopID, cfg.SecretKey).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{c.logger})

	return c
}

// Configured reports whether both credentials are present.
func (c *Client) Configured() bool {
	return c.cfg.ShopID != "" && c.cfg.SecretKey != ""
}

// CreatePayment creates a payment. An empty idempotencyKey is replaced with a
// fresh one.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest, idempotencyKey string) (*Payment, error) {
	var p Payment
	if err := c.do(ctx, "create payment", http.MethodPost, "/payments", req, idempotencyKey, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPayment fetches the current state of a payment.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	path, err := paymentPath(id, "")
	if err != nil {
		return nil, err
	}
	var p Payment
	if err := c.do(ctx, "get payment", http.MethodGet, path, nil, "", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CapturePayment captures amount of a payment waiting for capture.
func (c *Client) CapturePayment(ctx context.Context, id string, amount Amount, idempotencyKey string) (*Payment, error) {
	path, err := paymentPath(id, "capture")
	if err != nil {
		return nil, err
	}
	var p Payment
	body := CapturePaymentRequest{Amount: amount}
	if err := c.do(ctx, "capture payment", http.MethodPost, path, body, idempotencyKey, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CancelPayment cancels a payment that has not succeeded.
func (c *Client) CancelPayment(ctx context.Context, id string, idempotencyKey string) (*Payment, error) {
	path, err := paymentPath(id, "cancel")
	if err != nil {
		return nil, err
	}
	var p Payment
	if err := c.do(ctx, "cancel payment", http.MethodPost, path, nil, idempotencyKey, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateRefund refunds part or all of a succeeded payment.
func (c *Client) CreateRefund(ctx context.Context, req CreateRefundRequest, idempotencyKey string) (*Refund, error) {
	var r Refund
	if err := c.do(ctx, "create refund", http.MethodPost, "/refunds", req, idempotencyKey, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// paymentPath builds /payments/{id}[/action] with id confined to one path
// segment.
func paymentPath(id, action string) (string, error) {
	if id == "" || id == "." || id == ".." {
		return "", domainErrors.NewValidationError("id", "invalid payment id")
	}
	path := "/payments/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	return path, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, idempotencyKey string, out any) (err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "yookassa "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("yookassa.path", path),
		),
	)
	defer func() {
		c.observe(op, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !c.Configured() {
		return domainErrors.NewGatewayError(op, method, path, domainErrors.ErrNotConfigured)
	}

	req := c.http.R().SetContext(ctx)
	if method == http.MethodPost {
		if idempotencyKey == "" {
			idempotencyKey = uuid.NewString()
		}
		req.SetHeader(IdempotenceKeyHeader, idempotencyKey)
		req.SetHeader("Content-Type", "application/json")
		if body != nil {
			req.SetBody(body)
		}
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		gwErr := domainErrors.NewGatewayError(op, method, path, classifyTransport(err))
		gwErr.Err = err
		c.logger.Error().Err(err).Str("op", op).Str("method", method).Str("path", path).Msg("gateway request failed")
		return gwErr
	}

	status := resp.StatusCode()
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if status < 200 || status >= 300 {
		gwErr := domainErrors.NewGatewayError(op, method, path, classifyStatus(status))
		gwErr.StatusCode = status
		gwErr.Body = string(resp.Body())
		c.logger.Error().
			Str("op", op).
			Str("method", method).
			Str("path", path).
			Int("status", status).
			Str("body", gwErr.Body).
			Msg("gateway returned error status")
		return gwErr
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			gwErr := domainErrors.NewGatewayError(op, method, path, domainErrors.ErrMalformedResponse)
			gwErr.StatusCode = status
			gwErr.Err = err
			return gwErr
		}
	}

	c.logger.Debug().Str("op", op).Str("path", path).Int("status", status).Dur("elapsed", time.Since(start)).Msg("gateway request")
	return nil
}

func (c *Client) observe(op string, err error, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.GatewayRequestsTotal.WithLabelValues(op, Outcome(err)).Inc()
	c.metrics.GatewayRequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return domainErrors.ErrUnauthorized
	case status == http.StatusForbidden:
		return domainErrors.ErrForbidden
	case status == http.StatusTooManyRequests:
		return domainErrors.ErrRateLimited
	case status >= 500:
		return domainErrors.ErrServerUnavailable
	default:
		return domainErrors.ErrGateway
	}
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domainErrors.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domainErrors.ErrTimeout
	}
	return domainErrors.ErrNetwork
}

// Outcome is a low-cardinality label for err.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domainErrors.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, domainErrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, domainErrors.ErrNetwork):
		return "network"
	case errors.Is(err, domainErrors.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domainErrors.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domainErrors.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domainErrors.ErrServerUnavailable):
		return "server_unavailable"
	case errors.Is(err, domainErrors.ErrMalformedResponse):
		return "malformed_response"
	default:
		return "gateway_error"
	}
}

// Describe turns a gateway error into a message fit for a checkout page.
func Describe(err error) string {
	var gwErr *domainErrors.GatewayError
	if !errors.As(err, &gwErr) {
		return err.Error()
	}
	switch {
	case errors.Is(err, domainErrors.ErrNotConfigured):
		return "payment gateway is not configured (shop id / secret key missing)"
	case errors.Is(err, domainErrors.ErrUnauthorized):
		return "payment gateway rejected the credentials (shop id / secret key)"
	case errors.Is(err, domainErrors.ErrForbidden):
		return "payment gateway denied access, check shop permissions"
	case errors.Is(err, domainErrors.ErrRateLimited):
		return "payment gateway request limit exceeded, try again later"
	case errors.Is(err, domainErrors.ErrServerUnavailable):
		return "payment gateway unavailable (" + strconv.Itoa(gwErr.StatusCode) + "), try again later"
	case errors.Is(err, domainErrors.ErrTimeout):
		return "payment gateway did not respond in time"
	case errors.Is(err, domainErrors.ErrNetwork):
		return "network error while contacting the payment gateway"
	default:
		return err.Error()
	}
}

type restyLogger struct {
	l zerolog.Logger
}

func (r restyLogger) Errorf(format string, v ...any) { r.l.Debug().Msgf("resty: "+format, v...) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Debug().Msgf("resty: "+format, v...) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug().Msgf("resty: "+format, v...) }
