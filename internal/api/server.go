// Package api exposes the HTTP surface: Portainer instance management,
// the merged container view, tracked apps, upgrade intents, batch job
// control, and webhook configuration. Every route except health and
// metrics is session-scoped to one user.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chis/portsmith/internal/batch"
	"github.com/chis/portsmith/internal/cache"
	"github.com/chis/portsmith/internal/intent"
	"github.com/chis/portsmith/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server is the HTTP API server.
type Server struct {
	store       storage.Store
	cache       *cache.Cache
	scheduler   *batch.Scheduler
	upgrader    intent.Upgrader
	httpServer  *http.Server
	rateLimiter *RateLimiter
	log         zerolog.Logger
}

// Config holds the server wiring.
type Config struct {
	Port             int
	Store            storage.Store
	Cache            *cache.Cache
	Scheduler        *batch.Scheduler
	Upgrader         intent.Upgrader
	DisableRateLimit bool
	Log              zerolog.Logger
}

// NewServer builds the server and its route table.
func NewServer(cfg Config) *Server {
	s := &Server{
		store:     cfg.Store,
		cache:     cfg.Cache,
		scheduler: cfg.Scheduler,
		upgrader:  cfg.Upgrader,
		log:       cfg.Log,
	}

	if !cfg.DisableRateLimit {
		s.rateLimiter = NewRateLimiter(DefaultRateLimitConfig())
		// Mutations that fan out to Portainer get a tighter budget.
		s.rateLimiter.SetPathLimit("/api/batch/run", RateLimitConfig{
			RequestsPerMinute: 30,
			BurstSize:         5,
			CleanupInterval:   5 * time.Minute,
		})
	}

	mux := http.NewServeMux()

	// Unauthenticated: orchestrator probes and Prometheus scrapes.
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	protected := http.NewServeMux()
	s.registerRoutes(protected)

	authed := []func(http.Handler) http.Handler{AuthMiddleware(cfg.Store)}
	if s.rateLimiter != nil {
		authed = append(authed, RateLimitMiddleware(s.rateLimiter))
	}
	mux.Handle("/api/", ChainMiddleware(protected, authed...))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      ChainMiddleware(mux, RequestLoggingMiddleware(cfg.Log)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // upgrades can pull large images
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes sets up all session-scoped API routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Portainer instances
	mux.HandleFunc("GET /api/portainer/instances", s.handleInstancesList)
	mux.HandleFunc("POST /api/portainer/instances", s.handleInstanceCreate)
	mux.HandleFunc("PUT /api/portainer/instances/{id}", s.handleInstanceUpdate)
	mux.HandleFunc("DELETE /api/portainer/instances/{id}", s.handleInstanceDelete)
	mux.HandleFunc("POST /api/portainer/instances/{id}/test-connection", s.handleInstanceTestConnection)
	mux.HandleFunc("GET /api/portainer/instances/{id}/unused-images", s.handleInstanceUnusedImages)
	mux.HandleFunc("POST /api/portainer/instances/{id}/prune-images", s.handleInstancePruneImages)

	// Containers (merged cached view)
	mux.HandleFunc("GET /api/containers", s.handleContainersList)
	mux.HandleFunc("POST /api/containers/{containerId}/upgrade", s.handleContainerUpgrade)

	// Deployed images and repository access tokens
	mux.HandleFunc("GET /api/deployed-images", s.handleDeployedImagesList)
	mux.HandleFunc("GET /api/repository-access-tokens", s.handleTokensList)
	mux.HandleFunc("POST /api/repository-access-tokens", s.handleTokenCreate)
	mux.HandleFunc("PUT /api/repository-access-tokens/{id}", s.handleTokenUpdate)
	mux.HandleFunc("DELETE /api/repository-access-tokens/{id}", s.handleTokenDelete)
	mux.HandleFunc("POST /api/repository-access-tokens/{id}/associate-images", s.handleTokenAssociateImages)

	// Tracked apps
	mux.HandleFunc("GET /api/tracked-apps", s.handleTrackedAppsList)
	mux.HandleFunc("POST /api/tracked-apps", s.handleTrackedAppCreate)
	mux.HandleFunc("PUT /api/tracked-apps/{id}", s.handleTrackedAppUpdate)
	mux.HandleFunc("DELETE /api/tracked-apps/{id}", s.handleTrackedAppDelete)
	mux.HandleFunc("GET /api/tracked-app-upgrade-history", s.handleTrackedAppHistory)

	// Intents
	mux.HandleFunc("GET /api/intents", s.handleIntentsList)
	mux.HandleFunc("POST /api/intents", s.handleIntentCreate)
	mux.HandleFunc("GET /api/intents/{id}", s.handleIntentGet)
	mux.HandleFunc("PUT /api/intents/{id}", s.handleIntentUpdate)
	mux.HandleFunc("DELETE /api/intents/{id}", s.handleIntentDelete)
	mux.HandleFunc("POST /api/intents/{id}/toggle", s.handleIntentToggle)
	mux.HandleFunc("POST /api/intents/{id}/test-match", s.handleIntentTestMatch)
	mux.HandleFunc("GET /api/intents/{id}/executions", s.handleIntentExecutions)
	mux.HandleFunc("GET /api/intent-executions/{id}", s.handleExecutionGet)
	mux.HandleFunc("GET /api/intent-executions/{id}/containers", s.handleExecutionContainers)

	// Batch jobs
	mux.HandleFunc("GET /api/batch/config", s.handleBatchConfigList)
	mux.HandleFunc("POST /api/batch/config", s.handleBatchConfigUpsert)
	mux.HandleFunc("POST /api/batch/run", s.handleBatchRun)
	mux.HandleFunc("GET /api/batch/runs", s.handleBatchRunsList)
	mux.HandleFunc("GET /api/batch/runs/{id}", s.handleBatchRunGet)

	// Upgrade history
	mux.HandleFunc("GET /api/upgrade-history", s.handleUpgradeHistory)

	// Webhooks
	mux.HandleFunc("GET /api/webhooks", s.handleWebhooksList)
	mux.HandleFunc("POST /api/webhooks", s.handleWebhookCreate)
	mux.HandleFunc("DELETE /api/webhooks/{id}", s.handleWebhookDelete)
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down API server")
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}
