package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/idsync/pkg/httputil"
	"github.com/platinummonkey/idsync/pkg/observability"
)

const maxRequestBytes = 1 << 20

// Config wires the server's collaborators.
type Config struct {
	Accounts *AccountHandlers
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *observability.Logger
}

// Server represents the admin API server
type Server struct {
	router  *mux.Router
	handler http.Handler
	logger  *observability.Logger
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
	}
	s.setupRoutes(cfg)

	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(maxRequestBytes),
	)(s.router)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(cfg Config) {
	if cfg.Health != nil {
		s.router.HandleFunc("/healthz", cfg.Health.Liveness).Methods(http.MethodGet)
		s.router.HandleFunc("/readyz", cfg.Health.Readiness).Methods(http.MethodGet)
	}
	if cfg.Gatherer != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(cfg.Gatherer)).Methods(http.MethodGet)
	}
	if cfg.Accounts != nil {
		cfg.Accounts.RegisterRoutes(s.router)
	}
	if cfg.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(cfg.Metrics, routeTemplate))
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// routeTemplate labels requests by their route pattern to bound metric cardinality.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
