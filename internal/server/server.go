// Package server exposes the engine's HTTP API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/supakiln/engine/internal/config"
	"github.com/supakiln/engine/internal/database"
	"github.com/supakiln/engine/internal/executor"
	"github.com/supakiln/engine/internal/proxy"
	"github.com/supakiln/engine/internal/reliability"
	"github.com/supakiln/engine/internal/sandbox"
	"github.com/supakiln/engine/internal/scheduler"
	"github.com/supakiln/engine/internal/services"
	"github.com/supakiln/engine/internal/store"
	"github.com/supakiln/engine/internal/vault"
	"github.com/supakiln/engine/internal/webhook"
	"github.com/supakiln/engine/internal/webservice"
)

// Deps carries everything the HTTP layer serves.
type Deps struct {
	Config    *config.Config
	Log       zerolog.Logger
	DB        *database.DB
	Sandboxes *sandbox.Manager
	Engine    *executor.Engine
	Scheduler *scheduler.Scheduler
	Webhooks  *webhook.Dispatcher
	Services  *services.Supervisor
	WebRunner *webservice.Runner
	Proxy     *proxy.Proxy
	Vault     *vault.Vault
	Backup    *reliability.Service

	Jobs        *store.ScheduledJobRepo
	WebhookJobs *store.WebhookJobRepo
	ServiceRepo *store.ServiceRepo
	Logs        *store.ExecutionLogRepo
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	deps   Deps
}

// New creates a new HTTP server
func New(deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    deps.Log.With().Str("component", "server").Logger(),
		deps:   deps,
	}

	s.setupMiddleware(deps.Config.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", deps.Config.Port),
		Handler: s.router,
		// Header read is the only server-wide deadline: executions with no
		// timeout, webhook runs, and proxied streams hold responses open for
		// as long as their own deadlines allow.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	origins := s.deps.Config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Post("/execute", s.handleExecute)

	s.router.Route("/containers", func(r chi.Router) {
		r.Get("/", s.handleListContainers)
		r.Post("/", s.handleCreateContainer)
		r.Delete("/", s.handleDeleteAllContainers)
		r.Get("/{id}", s.handleGetContainer)
		r.Delete("/{id}", s.handleDeleteContainer)
	})

	s.router.Route("/debug", func(r chi.Router) {
		r.Get("/containers", s.handleDebugContainers)
		r.Get("/containers/{id}/logs", s.handleDebugContainerLogs)
	})

	s.router.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Post("/", s.handleCreateJob)
		r.Get("/{id}", s.handleGetJob)
		r.Put("/{id}", s.handleUpdateJob)
		r.Delete("/{id}", s.handleDeleteJob)
	})

	s.router.Route("/webhook-jobs", func(r chi.Router) {
		r.Get("/", s.handleListWebhookJobs)
		r.Post("/", s.handleCreateWebhookJob)
		r.Get("/{id}", s.handleGetWebhookJob)
		r.Put("/{id}", s.handleUpdateWebhookJob)
		r.Delete("/{id}", s.handleDeleteWebhookJob)
	})

	// Webhook invocation: any method, any path below /webhook.
	s.router.HandleFunc("/webhook/*", s.handleWebhookInvoke)

	s.router.Route("/services", func(r chi.Router) {
		r.Get("/", s.handleListServices)
		r.Post("/", s.handleCreateService)
		r.Get("/{id}", s.handleGetService)
		r.Put("/{id}", s.handleUpdateService)
		r.Delete("/{id}", s.handleDeleteService)
		r.Post("/{id}/start", s.handleStartService)
		r.Post("/{id}/stop", s.handleStopService)
		r.Post("/{id}/restart", s.handleRestartService)
		r.Get("/{id}/logs", s.handleServiceLogs)
	})

	s.router.Route("/env", func(r chi.Router) {
		r.Get("/", s.handleListEnv)
		r.Post("/", s.handleSetEnv)
		r.Get("/metadata", s.handleListEnvMetadata)
		r.Get("/metadata/{name}", s.handleGetEnvMetadata)
		r.Get("/{name}", s.handleGetEnv)
		r.Delete("/{name}", s.handleDeleteEnv)
	})

	s.router.Route("/logs", func(r chi.Router) {
		r.Get("/", s.handleListLogs)
		r.Get("/{id}", s.handleGetLog)
	})

	s.router.Get("/proxy", s.handleListProxyRoutes)
	s.router.HandleFunc("/proxy/{proxyID}", s.handleProxy)
	s.router.HandleFunc("/proxy/{proxyID}/*", s.handleProxy)

	s.router.Route("/system", func(r chi.Router) {
		r.Get("/status", s.handleSystemStatus)
		r.Post("/backup", s.handleBackup)
	})

	// Framework assets requested outside the proxy prefix.
	s.router.NotFound(s.handleStaticFallback)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.deps.Config.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
