// Package server exposes the tagging API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tagsmithhq/tagsmith/internal/auth"
	"github.com/tagsmithhq/tagsmith/internal/cache"
	"github.com/tagsmithhq/tagsmith/internal/jobs"
	"github.com/tagsmithhq/tagsmith/internal/kv"
	"github.com/tagsmithhq/tagsmith/internal/metrics"
	"github.com/tagsmithhq/tagsmith/internal/observability"
	"github.com/tagsmithhq/tagsmith/internal/ratelimit"
	"github.com/tagsmithhq/tagsmith/internal/tagging"
)

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Store     kv.Store
	Auth      *auth.Service
	Limiter   *ratelimit.Limiter
	Manager   *jobs.Manager
	Annotator tagging.Annotator
	Results   *cache.ResultCache
	Recorder  *metrics.Recorder
	Registry  *prometheus.Registry
	SoftLimit time.Duration
}

// Option customizes a Server.
type Option func(*Server)

// WithTracing enables the per-request tracing middleware.
func WithTracing() Option {
	return func(s *Server) { s.tracing = true }
}

// Server is the HTTP server for the tagging service.
type Server struct {
	deps       Deps
	tracing    bool
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server.
func New(deps Deps, bindAddr string, opts ...Option) *Server {
	if deps.SoftLimit <= 0 {
		deps.SoftLimit = 55 * time.Second
	}
	srv := &Server{deps: deps}
	for _, opt := range opts {
		opt(srv)
	}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:    bindAddr,
		Handler: srv.router,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	if s.tracing {
		r.Use(observability.Middleware("tagsmith-server"))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/signup", s.handleSignup)
		r.Post("/auth/token", s.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.rateLimit)
			r.Post("/tag", s.handleTag)
			r.Post("/tag/batch", s.handleTagBatch)
			r.Get("/tag/batch/{job_id}", s.handleTagBatchStatus)
		})
	})

	if s.deps.Registry != nil {
		r.Method("GET", "/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Close force-closes the listener.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
