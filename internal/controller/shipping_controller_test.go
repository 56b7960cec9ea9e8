package controller

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cassiomorais/fabricshop/internal/shipping/cdek"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCDEKServer fakes the CDEK API; api serves everything but the token endpoint.
func newCDEKServer(t *testing.T, api http.HandlerFunc) *cdek.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
			return
		}
		api(w, r)
	}))
	t.Cleanup(srv.Close)
	return cdek.NewClient(cdek.Config{ClientID: "id", ClientSecret: "secret", BaseURL: srv.URL, BreakerThreshold: 100})
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestShippingController_Cities(t *testing.T) {
	client := newCDEKServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Казань", r.URL.Query().Get("city"))
		respondJSON(w, []map[string]any{{"code": 424, "city": "Казань", "region": "Татарстан"}})
	})
	env := newTestEnv(t, client)

	rec := env.do(t, http.MethodGet, "/store/cdek/cities?name=%D0%9A%D0%B0%D0%B7%D0%B0%D0%BD%D1%8C", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp CitiesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Cities, 1)
	assert.Equal(t, 424, resp.Cities[0].Code)
}

func TestShippingController_PickupPoints(t *testing.T) {
	client := newCDEKServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "424", r.URL.Query().Get("city_code"))
		respondJSON(w, []map[string]any{{"code": "KZN3", "name": "На Баумана", "location": map[string]any{"city_code": 424}}})
	})
	env := newTestEnv(t, client)

	rec := env.do(t, http.MethodGet, "/store/cdek/pvz?city_code=424", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp DeliveryPointsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Points, 1)
	assert.Equal(t, "KZN3", resp.Points[0].Code)
}

func TestShippingController_Calculate(t *testing.T) {
	client := newCDEKServer(t, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]any{"delivery_sum": 390, "period_min": 3, "period_max": 5})
	})
	env := newTestEnv(t, client)

	rec := env.do(t, http.MethodGet, "/store/cdek/calculate?city_code=424", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp TariffsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Tariffs, 1)
	assert.Equal(t, cdek.TariffParcel, resp.Tariffs[0].TariffCode)
	assert.Equal(t, 390.0, resp.Tariffs[0].DeliverySum)
}

func TestShippingController_BadInput(t *testing.T) {
	client := newCDEKServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected upstream call to %s", r.URL.Path)
	})
	env := newTestEnv(t, client)

	for _, path := range []string{
		"/store/cdek/cities",
		"/store/cdek/cities?name=%D0%9A",
		"/store/cdek/pvz",
		"/store/cdek/pvz?city_code=abc",
		"/store/cdek/calculate?city_code=-1",
	} {
		rec := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "message", path)
	}
}

func TestShippingController_UpstreamFailure(t *testing.T) {
	client := newCDEKServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	env := newTestEnv(t, client)

	rec := env.do(t, http.MethodGet, "/store/cdek/pvz?city_code=424", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// Tariff failures degrade to an empty list.
	rec = env.do(t, http.MethodGet, "/store/cdek/calculate?city_code=424", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tariffs":[]}`, rec.Body.String())
}

func TestShippingController_NotConfigured(t *testing.T) {
	env := newTestEnv(t, cdek.NewClient(cdek.Config{BaseURL: "http://127.0.0.1:0"}))

	rec := env.do(t, http.MethodGet, "/store/cdek/cities?name=Moscow", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
