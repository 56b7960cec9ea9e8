package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{domainErrors.ErrSessionNotFound, http.StatusNotFound, "not_found"},
	{domainErrors.ErrProviderNotFound, http.StatusNotFound, "unknown_provider"},
	{domainErrors.ErrDuplicateIdempotencyKey, http.StatusConflict, "duplicate_request"},
	{domainErrors.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{domainErrors.ErrLockAcquisitionFailed, http.StatusConflict, "conflict"},
	{domainErrors.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{domainErrors.ErrBusinessRule, http.StatusUnprocessableEntity, "business_rule"},
	{domainErrors.ErrNotConfigured, http.StatusServiceUnavailable, "not_configured"},
	{domainErrors.ErrShippingUnavailable, http.StatusBadGateway, "shipping_unavailable"},
	{domainErrors.ErrTimeout, http.StatusGatewayTimeout, "gateway_timeout"},
	{domainErrors.ErrNetwork, http.StatusBadGateway, "gateway_unavailable"},
	{domainErrors.ErrServerUnavailable, http.StatusBadGateway, "gateway_unavailable"},
	{domainErrors.ErrRateLimited, http.StatusBadGateway, "gateway_rate_limited"},
	{domainErrors.ErrUnauthorized, http.StatusBadGateway, "gateway_auth_failed"},
	{domainErrors.ErrForbidden, http.StatusBadGateway, "gateway_auth_failed"},
	{domainErrors.ErrMalformedResponse, http.StatusBadGateway, "gateway_error"},
	{domainErrors.ErrGateway, http.StatusBadGateway, "gateway_error"},
	{domainErrors.ErrUnauthorizedRequest, http.StatusUnauthorized, "unauthorized"},
	{domainErrors.ErrForbiddenRequest, http.StatusForbidden, "forbidden"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}

	var validationErr *domainErrors.ValidationError
	if errors.As(err, &validationErr) {
		resp.Code = "validation_error"
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			resp.Code = m.code
			writeJSON(w, m.status, resp)
			return
		}
	}

	var domainErr *domainErrors.DomainError
	if errors.As(err, &domainErr) {
		resp.Code = domainErr.Code
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	log.Error().Err(err).Msg("unhandled error in handler")
	resp.Code = "internal_error"
	resp.Error = "internal server error"
	writeJSON(w, http.StatusInternalServerError, resp)
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("body", err.Error())
	}
	return nil
}

func sessionID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, domainErrors.NewValidationError("id", "must be a UUID")
	}
	return id, nil
}
