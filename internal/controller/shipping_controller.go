package controller

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	domainErrors "github.com/cassiomorais/fabricshop/internal/domain/errors"
	"github.com/cassiomorais/fabricshop/internal/shipping/cdek"
	"github.com/rs/zerolog"
)

// ShippingClient looks up delivery options.
type ShippingClient interface {
	SearchCities(ctx context.Context, name string) ([]cdek.City, error)
	DeliveryPoints(ctx context.Context, cityCode int) ([]cdek.DeliveryPoint, error)
	CalculateDelivery(ctx context.Context, toCityCode int, packages []cdek.Package) ([]cdek.Tariff, error)
}

type messageResponse struct {
	Message string `json:"message"`
}

type ShippingController struct {
	client ShippingClient
	logger zerolog.Logger
}

func NewShippingController(client ShippingClient, logger zerolog.Logger) *ShippingController {
	return &ShippingController{
		client: client,
		logger: logger.With().Str("component", "shipping_controller").Logger(),
	}
}

// Cities handles GET /store/cdek/cities?name=
func (h *ShippingController) Cities(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if utf8.RuneCountInString(name) < 2 {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "name must be at least 2 characters"})
		return
	}

	cities, err := h.client.SearchCities(r.Context(), name)
	if err != nil {
		h.upstreamError(w, "failed to search cities", err)
		return
	}
	if cities == nil {
		cities = []cdek.City{}
	}
	writeJSON(w, http.StatusOK, CitiesResponse{Cities: cities})
}

// PickupPoints handles GET /store/cdek/pvz?city_code=
func (h *ShippingController) PickupPoints(w http.ResponseWriter, r *http.Request) {
	code, ok := cityCode(w, r)
	if !ok {
		return
	}

	points, err := h.client.DeliveryPoints(r.Context(), code)
	if err != nil {
		h.upstreamError(w, "failed to load pickup points", err)
		return
	}
	if points == nil {
		points = []cdek.DeliveryPoint{}
	}
	writeJSON(w, http.StatusOK, DeliveryPointsResponse{Points: points})
}

// Calculate handles GET /store/cdek/calculate?city_code=
func (h *ShippingController) Calculate(w http.ResponseWriter, r *http.Request) {
	code, ok := cityCode(w, r)
	if !ok {
		return
	}

	tariffs, err := h.client.CalculateDelivery(r.Context(), code, nil)
	if err != nil {
		h.upstreamError(w, "failed to calculate delivery", err)
		return
	}
	writeJSON(w, http.StatusOK, TariffsResponse{Tariffs: tariffs})
}

func (h *ShippingController) upstreamError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error().Err(err).Msg(msg)
	status := http.StatusBadGateway
	if errors.Is(err, domainErrors.ErrNotConfigured) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, messageResponse{Message: msg})
}

func cityCode(w http.ResponseWriter, r *http.Request) (int, bool) {
	code, err := strconv.Atoi(r.URL.Query().Get("city_code"))
	if err != nil || code <= 0 {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "city_code must be a positive integer"})
		return 0, false
	}
	return code, true
}
