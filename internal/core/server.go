// Package core provides the API chassis for the rastermill query service:
// a chi router with the cross-cutting middleware chain (panic recovery,
// request IDs, structured request logging, metrics) and the shared JSON
// response envelope with AppError status mapping.
package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"rastermill/internal/observability"
)

// Server encapsulates the router and the cross-cutting dependencies handlers
// share, allowing injection during testing.
type Server struct {
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Validator *Validator

	router *chi.Mux
}

// NewServer initializes the chassis and registers the global middleware
// chain. Metrics may be nil; the metrics middleware is skipped then.
func NewServer(logger *slog.Logger, metrics *observability.Metrics) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Logger:    logger,
		Metrics:   metrics,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}

	// Strict order: Recoverer outermost so every panic is caught, then
	// request IDs so logging and metrics can correlate.
	s.router.Use(s.Recoverer)
	s.router.Use(RequestID)
	s.router.Use(RequestLogger(logger))
	if metrics != nil {
		s.router.Use(MetricsMiddleware(metrics))
	}
	return s, nil
}

// Handler returns the router as an http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}
