package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/zapflow/internal/config"
	"github.com/foxzi/zapflow/internal/control"
	"github.com/foxzi/zapflow/internal/events"
	"github.com/foxzi/zapflow/internal/ipfilter"
	"github.com/foxzi/zapflow/internal/metrics"
	"github.com/foxzi/zapflow/internal/queue"
	"github.com/foxzi/zapflow/internal/ratelimit"
)

// Deps are the components served over HTTP
type Deps struct {
	Control *control.Service
	Hub     *events.Hub
	// Webhooks receives gateway callbacks
	Webhooks      http.Handler
	WebhookFilter *ipfilter.Filter
	Limiter       *ratelimit.Limiter
	// Queue reports topic depth on /health; optional
	Queue   *queue.BoltStorage
	Version string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	server     config.ServerConfig
	api        *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(server config.ServerConfig, api *config.APIConfig, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		server:    server,
		api:       api,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the router, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	if s.server.TrustProxies {
		s.router.Use(middleware.RealIP)
	}
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	if s.deps.Webhooks != nil {
		s.router.Group(func(r chi.Router) {
			if s.deps.WebhookFilter != nil {
				r.Use(s.deps.WebhookFilter.HTTPMiddleware)
			}
			r.Method(http.MethodPost, "/webhooks/campaigns", s.deps.Webhooks)
		})
	}

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreate)
			r.Get("/", s.handleList)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Delete("/", s.handleDelete)
				r.Get("/status", s.handleStatus)
				r.Get("/recipients", s.handleRecipients)
				r.Get("/logs", s.handleLogs)
				r.Get("/notifications", s.handleNotifications)

				r.Post("/start", s.handleStart)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/stop", s.handleStop)
				r.Post("/duplicate", s.handleDuplicate)
				r.Post("/requeue-failed", s.handleRequeueFailed)

				r.Get("/events", s.handleCampaignEvents)
				r.Get("/ws", s.handleCampaignWS)
			})
		})

		r.Get("/events", s.handleTenantEvents)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.server.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.server.ReadTimeout,
		WriteTimeout: s.server.WriteTimeout,
		IdleTimeout:  s.server.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.server.ListenAddr)
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
