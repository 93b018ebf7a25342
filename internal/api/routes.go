// Package api serves the worker over HTTP.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "videogen-worker")
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Synchronous invocation: blocks until the job finishes
	s.router.HandleFunc("/run", s.handlers.RunSync).Methods("POST")
	s.router.HandleFunc("/runsync", s.handlers.RunSync).Methods("POST")

	// Asynchronous jobs
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", s.handlers.CreateJob).Methods("POST")
	api.HandleFunc("/jobs", s.handlers.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handlers.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Apply middleware
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
