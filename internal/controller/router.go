package controller

import (
	"net/http"
	"time"

	"github.com/cassiomorais/fabricshop/internal/infrastructure/config"
	"github.com/cassiomorais/fabricshop/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/fabricshop/internal/middleware"
	"github.com/cassiomorais/fabricshop/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	Health         *HealthController
	Checkout       *service.CheckoutService
	Webhooks       WebhookHandler
	Shipping       ShippingClient
	ReplayStore    customMW.ReplayStore
	IdempotencyTTL time.Duration
	Metrics        *observability.Metrics
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer      prometheus.Gatherer
	CORSConfig    config.CORSConfig
	JWTSecret     string
	ShippingLimit int
	Logger        zerolog.Logger
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", customMW.IdempotencyKeyHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.Metrics(deps.Metrics))

	health := deps.Health
	if health == nil {
		health = NewHealthController(nil)
	}
	sessions := NewSessionController(deps.Checkout)
	webhooks := NewWebhookController(deps.Webhooks, deps.Logger)
	shipping := NewShippingController(deps.Shipping, deps.Logger)

	r.Get("/health", health.Health)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	replay := passThrough
	if deps.ReplayStore != nil {
		replay = customMW.Idempotency(deps.ReplayStore, deps.IdempotencyTTL, deps.Logger)
	}

	r.Route("/store", func(r chi.Router) {
		r.Route("/payment-sessions", func(r chi.Router) {
			// Initiate is idempotent by key in the service itself.
			r.Post("/", sessions.Initiate)
			r.Get("/{id}", sessions.Get)
			r.Get("/{id}/events", sessions.Events)
			r.Post("/{id}/authorize", sessions.Authorize)
			r.Post("/{id}/capture", sessions.Capture)
			r.Post("/{id}/cancel", sessions.Cancel)
			r.Get("/{id}/status", sessions.Status)
			r.Get("/{id}/gateway", sessions.Gateway)
			r.With(replay).Put("/{id}", sessions.Update)
			r.Delete("/{id}", sessions.Delete)
		})

		r.Post("/{provider}/webhook", webhooks.Receive)

		r.Route("/cdek", func(r chi.Router) {
			if deps.ShippingLimit > 0 {
				r.Use(customMW.RateLimit(deps.ShippingLimit, time.Minute))
			}
			r.Get("/cities", shipping.Cities)
			r.Get("/pvz", shipping.PickupPoints)
			r.Get("/calculate", shipping.Calculate)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(customMW.RequireAuth(deps.JWTSecret))
		r.Use(customMW.RequireRole(customMW.RoleAdmin))
		r.With(replay).Post("/payment-sessions/{id}/refund", sessions.Refund)
	})

	return r
}

func passThrough(next http.Handler) http.Handler { return next }
