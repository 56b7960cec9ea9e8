package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *DomainError
		expected string
	}{
		{
			name: "with wrapped error",
			err: &DomainError{
				Code:    "capture_failed",
				Message: "capture failed",
				Err:     errors.New("gateway timeout"),
			},
			expected: "capture failed: gateway timeout",
		},
		{
			name: "without wrapped error",
			err: &DomainError{
				Code:    "invalid_state",
				Message: "cannot capture session in current state",
				Err:     nil,
			},
			expected: "cannot capture session in current state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	domainErr := &DomainError{
		Code:    "test",
		Message: "test message",
		Err:     originalErr,
	}

	unwrapped := domainErr.Unwrap()
	assert.Equal(t, originalErr, unwrapped)
}

func TestNewDomainError(t *testing.T) {
	originalErr := errors.New("underlying error")
	err := NewDomainError("test_code", "test message", originalErr)

	assert.NotNil(t, err)
	assert.Equal(t, "test_code", err.Code)
	assert.Equal(t, "test message", err.Message)
	assert.Equal(t, originalErr, err.Err)
}

func TestNewDomainError_NilWrappedError(t *testing.T) {
	err := NewDomainError("test_code", "test message", nil)

	assert.NotNil(t, err)
	assert.Equal(t, "test_code", err.Code)
	assert.Equal(t, "test message", err.Message)
	assert.Nil(t, err.Err)
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Field:   "currency_code",
		Message: "must be a 3-letter ISO code",
	}

	expected := "validation failed for field currency_code: must be a 3-letter ISO code"
	assert.Equal(t, expected, err.Error())
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("amount", "must be greater than 0")

	assert.NotNil(t, err)
	assert.Equal(t, "amount", err.Field)
	assert.Equal(t, "must be greater than 0", err.Message)
}

func TestValidationError_IsValidationFailed(t *testing.T) {
	err := fmt.Errorf("initiate: %w", NewValidationError("amount", "must be positive"))

	assert.ErrorIs(t, err, ErrValidationFailed)
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.Equal(t, "amount", ve.Field)
}

func TestGatewayError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *GatewayError
		expected string
	}{
		{
			name: "status with body",
			err: &GatewayError{
				Op: "create payment", Method: "POST", Path: "/payments",
				StatusCode: 400, Body: `{"code":"invalid_request"}`, Kind: ErrGateway,
			},
			expected: `create payment: gateway request failed (POST /payments -> 400: {"code":"invalid_request"})`,
		},
		{
			name: "status without body",
			err: &GatewayError{
				Op: "get payment", Method: "GET", Path: "/payments/p1",
				StatusCode: 401, Kind: ErrUnauthorized,
			},
			expected: "get payment: gateway rejected credentials (GET /payments/p1 -> 401)",
		},
		{
			name: "transport cause",
			err: &GatewayError{
				Op: "cancel payment", Method: "POST", Path: "/payments/p1/cancel",
				Kind: ErrNetwork, Err: errors.New("connection refused"),
			},
			expected: "cancel payment: gateway network error (POST /payments/p1/cancel): connection refused",
		},
		{
			name:     "kind only",
			err:      &GatewayError{Kind: ErrNotConfigured},
			expected: "gateway credentials are not configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestGatewayError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: lookup api.example: no such host")
	err := fmt.Errorf("retrieve: %w", &GatewayError{Kind: ErrNetwork, Err: cause})

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTimeout)

	var gwErr *GatewayError
	assert.True(t, errors.As(err, &gwErr))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"timeout", NewGatewayError("op", "GET", "/p", ErrTimeout), true},
		{"network", NewGatewayError("op", "GET", "/p", ErrNetwork), true},
		{"rate limited", NewGatewayError("op", "GET", "/p", ErrRateLimited), true},
		{"server unavailable", NewGatewayError("op", "GET", "/p", ErrServerUnavailable), true},
		{"shipping unavailable", fmt.Errorf("cities: %w", ErrShippingUnavailable), true},
		{"unauthorized", NewGatewayError("op", "GET", "/p", ErrUnauthorized), false},
		{"forbidden", NewGatewayError("op", "GET", "/p", ErrForbidden), false},
		{"not configured", NewGatewayError("op", "GET", "/p", ErrNotConfigured), false},
		{"other gateway error", NewGatewayError("op", "GET", "/p", ErrGateway), false},
		{"validation", NewValidationError("amount", "bad"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Retryable(tt.err))
		})
	}
}

func TestErrorUnwrapping(t *testing.T) {
	baseErr := ErrTimeout
	wrappedErr := NewDomainError("gateway_error", "gateway call failed", baseErr)

	assert.True(t, errors.Is(wrappedErr, baseErr))
	assert.ErrorIs(t, wrappedErr, ErrTimeout)
}
