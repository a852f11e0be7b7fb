package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvallet/voxgate/internal/account"
	"github.com/nvallet/voxgate/internal/auth"
	"github.com/nvallet/voxgate/internal/gateway"
	"github.com/nvallet/voxgate/internal/ledger"
	"github.com/nvallet/voxgate/internal/metrics"
	"github.com/nvallet/voxgate/internal/registry"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Gateway  *gateway.Gateway
	Registry *registry.Registry
	Accounts *account.Store
	Ledger   *ledger.Ledger
	Auth     *auth.Authenticator
	Metrics  *metrics.Metrics
	AdminKey string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware. The websocket route is exempt from the request
	// logger so long-lived streams do not hold a wrapped writer.
	r.Use(chimw.Recoverer)

	// Handlers.
	accounts := newAccountsHandler(deps.Accounts, deps.Ledger, deps.Auth.Invalidate)
	usage := newUsageHandler(deps.Ledger)
	connections := newConnectionsHandler(deps.Registry)

	// Audio streaming entry point.
	r.Get("/ws", deps.Gateway.HandleWS)

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus exposition and the JSON summary.
	r.Get("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/api/v1/metrics/summary", deps.Metrics.Handler())

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(slogRequestLogger)
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKey))

		ar.Get("/accounts/{id}", accounts.GetAccount)
		ar.Get("/accounts/{id}/usage", usage.GetUsageSummary)
		ar.Get("/accounts/{id}/usage/logs", usage.ListUsageLogs)
		ar.Get("/accounts/{id}/transactions", usage.ListTransactions)

		ar.Post("/recharge", accounts.Recharge)
		ar.Post("/payments/notify", accounts.PaymentNotify)

		ar.Get("/connections", connections.ListConnections)
	})

	return r
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
		)
	})
}
