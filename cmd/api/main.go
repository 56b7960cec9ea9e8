package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cassiomorais/fabricshop/internal/bootstrap"
	"github.com/cassiomorais/fabricshop/internal/controller"
	infraRedis "github.com/cassiomorais/fabricshop/internal/infrastructure/redis"
	"github.com/cassiomorais/fabricshop/internal/repository/postgres"
	"github.com/cassiomorais/fabricshop/internal/service"
	"github.com/cassiomorais/fabricshop/internal/shipping/cdek"
	"github.com/cassiomorais/fabricshop/internal/yookassa"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "fabricshop-api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()
	cfg := app.Config

	// --- Services ---
	webhooks := service.NewWebhookService(
		app.Providers,
		infraRedis.NewWebhookDeduper(app.Redis, cfg.Webhook.DedupTTL),
		infraRedis.NewStreamProducer(app.Redis, cfg.Webhook.Stream),
		app.Checkout,
		app.Metrics,
		app.Logger,
	)

	if !cfg.Shipping.Configured() {
		app.Logger.Warn().Msg("Shipping credentials missing, delivery lookups will fail as not configured")
	}
	shipping := cdek.NewClient(cdek.Config{
		ClientID:         cfg.Shipping.ClientID,
		ClientSecret:     cfg.Shipping.ClientSecret,
		BaseURL:          cfg.Shipping.BaseURL,
		FromCityCode:     cfg.Shipping.FromCityCode,
		Timeout:          cfg.Shipping.Timeout,
		BreakerThreshold: cfg.Shipping.CircuitBreakerThreshold,
		BreakerTimeout:   cfg.Shipping.CircuitBreakerTimeout,
	}, cdek.WithLogger(app.Logger), cdek.WithMetrics(app.Metrics))

	health := controller.NewHealthController(map[string]bool{
		yookassa.Identifier: cfg.Gateway.Configured(),
		"cdek":              cfg.Shipping.Configured(),
	}).
		WithCheck("database", controller.PostgresCheck(app.Pool)).
		WithCheck("redis", controller.RedisCheck(app.Redis))

	// --- Build router ---
	router := controller.NewRouter(controller.RouterDeps{
		Health:        health,
		Checkout:      app.Checkout,
		Webhooks:      webhooks,
		Shipping:      shipping,
		ReplayStore:   postgres.NewReplayRepository(app.Pool),
		Metrics:       app.Metrics,
		CORSConfig:    cfg.Server.CORS,
		JWTSecret:     cfg.Auth.JWTSecret,
		ShippingLimit: cfg.Server.RateLimit,
		Logger:        app.Logger,
	})

	// --- HTTP server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		app.Logger.Info().Str("addr", addr).Strs("providers", app.Providers.Identifiers()).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		app.Logger.Error().Err(err).Msg("HTTP server failed")
	}

	app.Logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	app.Logger.Info().Msg("Server exited")
}
