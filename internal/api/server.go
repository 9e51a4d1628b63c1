package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/dispatch"
	"github.com/mailhop/mailhop/internal/message"
	"github.com/mailhop/mailhop/internal/metrics"
	"github.com/mailhop/mailhop/internal/provider"
	"github.com/mailhop/mailhop/internal/queue"
	"github.com/mailhop/mailhop/internal/webhook"
)

// Deps bundles the services the HTTP layer exposes. Sandbox is nil unless
// the sandbox provider is configured; the sandbox routes are only mounted
// when it is present.
type Deps struct {
	Dispatcher   *dispatch.Dispatcher
	Messages     *message.Store
	Queue        queue.Queue
	Reconciler   *webhook.Reconciler
	Suppressions *dispatch.SuppressionStore
	Templates    *TemplateServer
	Provider     provider.Provider
	Sandbox      *provider.SandboxProvider
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
	allowed    []*net.IPNet
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}
	s.allowed = parseAllowedIPs(cfg.AllowedIPs)
	if len(s.allowed) > 0 {
		logger.Info("API IP filtering enabled", "allowed_networks", len(s.allowed))
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Providers do not hold the API key, so webhook ingestion stays
		// outside the authenticated group.
		r.Post("/webhooks/provider", s.handleWebhook)

		// Health and webhook ingestion stay reachable regardless of the
		// caller allowlist; only the key-holding surface is filtered.
		r.Group(func(r chi.Router) {
			r.Use(s.allowIPs)
			r.Use(s.requireAPIKey)
			r.Use(metrics.HTTPMiddleware)

			r.Post("/send", s.handleSend)
			r.Get("/messages/{id}", s.handleMessage)
			r.Get("/queue", s.handleQueue)

			s.deps.Templates.RegisterRoutes(r)

			r.Route("/suppressions", func(r chi.Router) {
				r.Get("/", s.handleSuppressionList)
				r.Post("/", s.handleSuppressionAdd)
				r.Delete("/{address}", s.handleSuppressionRemove)
			})

			if s.deps.Sandbox != nil {
				r.Route("/sandbox/messages", func(r chi.Router) {
					r.Get("/", s.handleSandboxList)
					r.Get("/{id}", s.handleSandboxGet)
					r.Delete("/", s.handleSandboxClear)
				})
			}
		})
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
