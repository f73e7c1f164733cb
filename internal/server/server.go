// Package server provides the HTTP server of a replica: the API, probes and
// the metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/kalanet/kalasync/internal/config"
	apperrors "github.com/kalanet/kalasync/internal/errors"
	"github.com/kalanet/kalasync/internal/handler"
	"github.com/kalanet/kalasync/internal/health"
	"github.com/kalanet/kalasync/internal/metrics"
	"github.com/kalanet/kalasync/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	healthCheck  *health.HealthChecker
	errorHandler *handler.ErrorHandler
	gatherer     prometheus.Gatherer
	metrics      *metrics.Metrics
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates the HTTP server and its routes. gatherer serves the
// metrics endpoint.
func NewServer(
	cfg *config.Config,
	handlers *handler.Handlers,
	errorHandler *handler.ErrorHandler,
	healthCheck *health.HealthChecker,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort)),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		handlers:     handlers,
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		gatherer:     gatherer,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, s.metrics),
		middleware.Timeout(s.cfg.Server.RequestTimeout),
	}
	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.Burst,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	// Probes and metrics bypass the API middleware so rate limiting never
	// fails a liveness check.
	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := s.router.NewRoute().Subrouter()
	api.Use(middleware.Chain(middlewareChain...))
	s.handlers.Register(api)

	s.router.NotFoundHandler = middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.HandleError(w, r, apperrors.NotFound("endpoint", r.URL.Path))
	}))
	s.router.MethodNotAllowedHandler = middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apperrors.ErrCodeInvalidArgument.String(),
			"method not allowed", middleware.GetRequestID(r.Context()))
	}))
}

// Handler returns the root handler, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
