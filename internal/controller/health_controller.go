package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type HealthController struct {
	checks []namedCheck
	// integrations lists optional upstreams and whether they have credentials.
	integrations map[string]bool
}

type namedCheck struct {
	name  string
	check Check
}

type readinessResponse struct {
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Integrations map[string]bool `json:"integrations,omitempty"`
}

func NewHealthController(integrations map[string]bool) *HealthController {
	return &HealthController{integrations: integrations}
}

// WithCheck adds a readiness check; checks run in the order added.
func (h *HealthController) WithCheck(name string, check Check) *HealthController {
	h.checks = append(h.checks, namedCheck{name: name, check: check})
	return h
}

// PostgresCheck pings the pool.
func PostgresCheck(pool *pgxpool.Pool) Check {
	return pool.Ping
}

// RedisCheck pings the client.
func RedisCheck(client *redis.Client) Check {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func (h *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthController) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Readiness fails when a dependency is down. Missing gateway credentials
// are reported but do not fail readiness.
func (h *HealthController) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, c := range h.checks {
		if err := c.check(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, readinessResponse{
				Status: "not ready",
				Reason: c.name + " unavailable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, readinessResponse{Status: "ready", Integrations: h.integrations})
}
