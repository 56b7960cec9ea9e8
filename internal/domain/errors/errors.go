package errors

import (
	"errors"
	"fmt"
)

var (
	// Gateway transport errors
	ErrNotConfigured     = errors.New("gateway credentials are not configured")
	ErrTimeout           = errors.New("gateway request timed out")
	ErrNetwork           = errors.New("gateway network error")
	ErrUnauthorized      = errors.New("gateway rejected credentials")
	ErrForbidden         = errors.New("gateway denied access")
	ErrRateLimited       = errors.New("gateway rate limit exceeded")
	ErrServerUnavailable = errors.New("gateway server unavailable")
	ErrGateway           = errors.New("gateway request failed")
	ErrMalformedResponse = errors.New("malformed gateway response")

	// Shipping errors
	ErrShippingUnavailable = errors.New("shipping provider unavailable")

	// Session errors
	ErrSessionNotFound        = errors.New("payment session not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrBusinessRule           = errors.New("business rule violation")

	// Provider errors
	ErrProviderNotFound = errors.New("payment provider not found")

	// Idempotency errors
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")

	// Request errors
	ErrUnauthorizedRequest = errors.New("unauthorized")
	ErrForbiddenRequest    = errors.New("forbidden")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// Is lets callers match any ValidationError with ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// GatewayError is a classified failure of an outbound gateway call. Kind is
// one of the gateway transport sentinels above; Err is the underlying cause
// when there is one.
type GatewayError struct {
	Op         string
	Method     string
	Path       string
	StatusCode int
	Body       string
	Kind       error
	Err        error
}

func (e *GatewayError) Error() string {
	msg := e.Kind.Error()
	switch {
	case e.StatusCode > 0 && e.Body != "":
		msg = fmt.Sprintf("%s (%s %s -> %d: %s)", msg, e.Method, e.Path, e.StatusCode, e.Body)
	case e.StatusCode > 0:
		msg = fmt.Sprintf("%s (%s %s -> %d)", msg, e.Method, e.Path, e.StatusCode)
	case e.Err != nil:
		msg = fmt.Sprintf("%s (%s %s): %v", msg, e.Method, e.Path, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *GatewayError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewGatewayError creates a gateway error of the given kind.
func NewGatewayError(op, method, path string, kind error) *GatewayError {
	return &GatewayError{Op: op, Method: method, Path: path, Kind: kind}
}

// Retryable reports whether err is a transient gateway failure that may
// succeed if the operation is attempted again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrServerUnavailable) ||
		errors.Is(err, ErrShippingUnavailable)
}
