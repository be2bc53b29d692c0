// Package http exposes the inference service over HTTP.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"retailforecast/monitoring"
	"retailforecast/service"
)

// Server runs the forecast API on a net/http server.
type Server struct {
	server *http.Server
	config ServerConfig
	logger *zap.Logger
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// DefaultServerConfig listens on :8000 and allows every origin.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8000,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		AllowedOrigins: []string{"*"},
	}
}

// Dependencies are the collaborators the server routes to. Metrics and Hub
// are optional.
type Dependencies struct {
	Inference *service.InferenceService
	Metrics   *monitoring.Metrics
	Hub       *monitoring.Hub
	Logger    *zap.Logger
}

// NewHandler builds the routed and wrapped handler tree.
func NewHandler(config ServerConfig, deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	RegisterHandlers(mux, deps.Inference, logger)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics/prometheus", deps.Metrics.Handler())
	}
	if deps.Hub != nil {
		mux.Handle("GET /ws/predictions", deps.Hub)
	}

	middlewares := []Middleware{
		RequestTracker(deps.Inference, logger), // outermost: every response carries the headers
		RecoveryMiddleware(logger),
		CORSMiddleware(config.AllowedOrigins),
	}
	if deps.Metrics != nil {
		middlewares = append(middlewares, MetricsMiddleware(deps.Metrics))
	}
	return Chain(middlewares...)(mux)
}

// NewServer builds a server that is not yet listening.
func NewServer(config ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      NewHandler(config, deps),
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  120 * time.Second,
		},
		config: config,
		logger: logger,
	}
}

// Start listens until Stop is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down, waiting up to five seconds for in-flight requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
