// Package api provides HTTP handlers and routing for the pipetrace service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/auth"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	auth     *auth.Middleware
	limiter  *auth.RateLimiter
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuth enables bearer token authentication and scope checks.
func WithAuth(m *auth.Middleware) ServerOption {
	return func(s *Server) { s.auth = m }
}

// WithRateLimiter limits the ingestion endpoints per client.
func WithRateLimiter(rl *auth.RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, opts ...ServerOption) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = auth.NewMiddleware(nil, &auth.MiddlewareConfig{ErrorWriter: WriteAuthError})
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	h := s.handlers

	// Health endpoints
	s.router.HandleFunc("/health", h.Health).Methods("GET")
	s.router.HandleFunc("/healthz", h.Health).Methods("GET")
	s.router.HandleFunc("/ready", h.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Handler)

	ingest := s.auth.Require(auth.ScopeIngest)
	admin := s.auth.Require(auth.ScopeAdmin)

	// Event ingestion
	api.Handle("/events", ingest(s.limit(http.HandlerFunc(h.IngestEvents)))).Methods("POST")

	// Trace lookups used by step processes
	api.HandleFunc("/runs/{id}/trace", h.GetRunTrace).Methods("GET")
	api.HandleFunc("/executions/{id}/nodes/{node}/env", h.GetNodeEnv).Methods("GET")
	api.Handle("/executions/{id}/nodes/{node}/trace", ingest(s.limit(http.HandlerFunc(h.TraceStep)))).Methods("POST")

	// Tracer backend and span cache
	api.HandleFunc("/backend", h.GetBackend).Methods("GET")
	api.Handle("/backend", admin(http.HandlerFunc(h.SwapBackend))).Methods("PUT")
	api.HandleFunc("/cache", h.CacheStats).Methods("GET")
	api.Handle("/cache", admin(http.HandlerFunc(h.FlushCache))).Methods("DELETE")

	// Simulator
	api.Handle("/simulate", ingest(http.HandlerFunc(h.Simulate))).Methods("POST")
	api.HandleFunc("/simulate/{id}", h.GetSimulation).Methods("GET")
	api.HandleFunc("/simulations", h.ListSimulations).Methods("GET")

	// Saved pipelines
	api.HandleFunc("/pipelines", h.ListPipelines).Methods("GET")
	api.HandleFunc("/pipelines/{name}", h.GetPipeline).Methods("GET")
	api.Handle("/pipelines/{name}", ingest(http.HandlerFunc(h.PutPipeline))).Methods("PUT")
	api.Handle("/pipelines/{name}", admin(http.HandlerFunc(h.DeletePipeline))).Methods("DELETE")
	api.Handle("/pipelines/{name}/simulate", ingest(http.HandlerFunc(h.SimulatePipeline))).Methods("POST")

	// Preflight requests for any route; the CORS middleware answers them
	s.router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Apply middleware
	s.router.Use(h.CORSMiddleware)
	s.router.Use(h.LoggingMiddleware)
	s.router.Use(h.RecoveryMiddleware)
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return s.limiter.Handler(next)
}
