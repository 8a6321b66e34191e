package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/hookrelay/internal/auth"
	"github.com/mattjoyce/hookrelay/internal/debuglog"
	"github.com/mattjoyce/hookrelay/internal/hook"
	"github.com/mattjoyce/hookrelay/internal/metrics"
	"github.com/mattjoyce/hookrelay/internal/webhook"
	"github.com/mattjoyce/hookrelay/internal/worker"
)

// HookRunner starts hook workers.
type HookRunner interface {
	ScriptPath(hook string) (string, error)
	Run(ctx context.Context, inv worker.Invocation, sink worker.Sink) error
}

// DebugLog reads persisted debug entries.
type DebugLog interface {
	Recent(ctx context.Context, hook string, limit int) ([]debuglog.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Tokens guard the debug and metrics endpoints; empty leaves them open.
	Tokens       []auth.TokenConfig
	Session      hook.Config
	MaxBodyBytes int64
	WriteTimeout time.Duration

	// Secrets maps hook names to HMAC secrets checked against SignatureHeader.
	Secrets         map[string]string
	SignatureHeader string
}

// Deps are the collaborators behind the API.
type Deps struct {
	Runner   HookRunner
	Registry hook.Registry
	Methods  hook.Methods
	// Debug, Logs and Hub are optional.
	Debug   *debuglog.Writer
	Logs    DebugLog
	Hub     *debuglog.Hub
	Metrics *metrics.Metrics
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	// registry work still running for sessions whose request already returned
	background sync.WaitGroup
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Minute
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = webhook.DefaultHeader
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		s.drain(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// drain waits for outstanding registry calls, giving up when ctx expires.
func (s *Server) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown before registry calls completed")
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Post("/hooks/{hook}", s.handleRunHook)

	r.Group(func(r chi.Router) {
		r.Use(s.requireScope(auth.ScopeLogsRead))
		r.Get("/hooks/{hook}/logs", s.handleHookLogs)
		r.Get("/logs/stream", s.handleLogStream)
	})
	if s.deps.Metrics != nil {
		r.With(s.requireScope(auth.ScopeMetrics)).Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
