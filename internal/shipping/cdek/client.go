// Package cdek is a client for the CDEK delivery API v2: city search, pickup
// points and tariff calculation.
package cdek

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/cassiomorais/fabricshop/internal/infrastructure/observability"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL      = "https://api.edu.cdek.ru/v2"
	DefaultTimeout      = 10 * time.Second
	DefaultFromCityCode = 44 // Moscow

	breakerName = "cdek"
)

type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	FromCityCode int
	Timeout      time.Duration
	// BreakerThreshold consecutive upstream failures open the breaker for
	// BreakerTimeout.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

type Client struct {
	http    *resty.Client
	tokens  *TokenCache
	breaker *gobreaker.CircuitBreaker[[]byte]
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FromCityCode == 0 {
		cfg.FromCityCode = DefaultFromCityCode
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	c := &Client{
		cfg:    cfg,
		logger: zerolog.Nop(),
		tracer: otel.Tracer("fabricshop/cdek"),
	}
	for _, o := range opts {
		o(c)
	}

	c.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	c.tokens = NewTokenCache(c.http, cfg.ClientID, cfg.ClientSecret)

	threshold := uint32(cfg.BreakerThreshold)
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Only upstream outages count against the breaker, not bad input.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domainErrors.ErrShippingUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			if c.metrics != nil {
				c.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	return c
}

// Configured reports whether API credentials are present.
func (c *Client) Configured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

// FromCityCode is the city parcels ship from.
func (c *Client) FromCityCode() int {
	return c.cfg.FromCityCode
}

// SearchCities finds Russian cities whose name matches name.
func (c *Client) SearchCities(ctx context.Context, name string) ([]City, error) {
	var cities []City
	err := c.get(ctx, "search cities", "/location/cities", map[string]string{
		"city":          name,
		"country_codes": "RU",
		"size":          "10",
	}, &cities)
	if err != nil {
		return nil, err
	}
	return cities, nil
}

// DeliveryPoints lists the pickup points in a city.
func (c *Client) DeliveryPoints(ctx context.Context, cityCode int) ([]DeliveryPoint, error) {
	var points []DeliveryPoint
	err := c.get(ctx, "delivery points", "/deliverypoints", map[string]string{
		"city_code":  strconv.Itoa(cityCode),
		"type":       "PVZ",
		"is_handout": "true",
	}, &points)
	if err != nil {
		return nil, err
	}
	return points, nil
}

// CalculateDelivery prices warehouse-to-warehouse delivery to toCityCode.
// The standard parcel tariff is tried first, then the economy one; when
// neither can be priced the result is empty. Missing credentials are
// reported as an error.
func (c *Client) CalculateDelivery(ctx context.Context, toCityCode int, packages []Package) ([]Tariff, error) {
	if !c.Configured() {
		return nil, domainErrors.NewGatewayError("calculate delivery", http.MethodPost, "/calculator/tariff", domainErrors.ErrNotConfigured)
	}
	if len(packages) == 0 {
		packages = []Package{DefaultPackage}
	}

	for _, code := range []int{TariffParcel, TariffEconomyParcel} {
		var out tariffResponse
		err := c.post(ctx, "calculate delivery", "/calculator/tariff", tariffRequest{
			TariffCode:   code,
			FromLocation: locationCode{Code: c.cfg.FromCityCode},
			ToLocation:   locationCode{Code: toCityCode},
			Packages:     packages,
		}, &out)
		if err != nil {
			c.logger.Warn().Err(err).Int("tariff_code", code).Int("to_city_code", toCityCode).Msg("tariff calculation failed")
			continue
		}

		sum := out.DeliverySum
		if out.TotalSum != nil {
			sum = *out.TotalSum
		}
		return []Tariff{{
			TariffCode:   code,
			TariffName:   tariffNames[code],
			DeliveryMode: deliveryModeWarehouse,
			DeliverySum:  sum,
			PeriodMin:    out.PeriodMin,
			PeriodMax:    out.PeriodMax,
		}}, nil
	}
	return []Tariff{}, nil
}

func (c *Client) get(ctx context.Context, op, path string, query map[string]string, out any) error {
	return c.do(ctx, op, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, op, path string, body any, out any) error {
	return c.do(ctx, op, http.MethodPost, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, query map[string]string, body any, out any) (err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "cdek "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("cdek.path", path),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	token, err := c.tokens.ValidToken(ctx)
	if err != nil {
		return err
	}

	raw, err := c.breaker.Execute(func() ([]byte, error) {
		req := c.http.R().SetContext(ctx).SetAuthToken(token)
		if query != nil {
			req.SetQueryParams(query)
		}
		if body != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			gwErr := domainErrors.NewGatewayError(op, method, path, domainErrors.ErrShippingUnavailable)
			gwErr.Err = transportCause(err)
			return nil, gwErr
		}
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode()))

		if resp.IsError() {
			status := resp.StatusCode()
			if status == http.StatusUnauthorized {
				c.tokens.Invalidate()
			}
			gwErr := domainErrors.NewGatewayError(op, method, path, classifyStatus(status))
			gwErr.StatusCode = status
			gwErr.Body = string(resp.Body())
			return nil, gwErr
		}
		return resp.Body(), nil
	})
	c.countBreaker(err)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			gwErr := domainErrors.NewGatewayError(op, method, path, domainErrors.ErrShippingUnavailable)
			gwErr.Err = err
			err = gwErr
		}
		c.logger.Error().Err(err).Str("op", op).Str("path", path).Msg("cdek request failed")
		return err
	}

	if err := json.Unmarshal(raw, out); err != nil {
		gwErr := domainErrors.NewGatewayError(op, method, path, domainErrors.ErrMalformedResponse)
		gwErr.Err = err
		return gwErr
	}

	c.logger.Debug().Str("op", op).Str("path", path).Dur("elapsed", time.Since(start)).Msg("cdek request")
	return nil
}

func (c *Client) countBreaker(err error) {
	if c.metrics == nil {
		return
	}
	result := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "rejected"
	case err != nil:
		result = "failure"
	}
	c.metrics.CircuitBreakerRequests.WithLabelValues(breakerName, result).Inc()
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return domainErrors.ErrUnauthorized
	case status == http.StatusForbidden:
		return domainErrors.ErrForbidden
	case status == http.StatusTooManyRequests, status >= 500:
		return domainErrors.ErrShippingUnavailable
	default:
		return domainErrors.ErrGateway
	}
}

// transportCause tags timeouts so callers can tell them from refused
// connections.
func transportCause(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(domainErrors.ErrTimeout, err)
	}
	return err
}
