package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bibliostore/srs/internal/api/middleware"
)

type (
	// HealthChecker reports whether the storage backend is reachable.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Server is the operations HTTP server. It serves no record data.
	Server struct {
		httpServer *http.Server
		handler    http.Handler
		logger     *slog.Logger
		config     *ServerConfig
		store      HealthChecker
		name       string
		version    string
		startTime  time.Time
	}
)

// NewServer creates the operations server for a service identified by name and version.
func NewServer(cfg *ServerConfig, store HealthChecker, logger *slog.Logger, name, version string) *Server {
	mux := http.NewServeMux()

	server := &Server{
		logger:  logger,
		config:  cfg,
		store:   store,
		name:    name,
		version: version,
	}

	server.setupRoutes(mux)

	// Middleware executes in the order listed (top-to-bottom):
	//   1. RequestID - tag every response
	//   2. Recovery - catch panics in all downstream middleware
	//   3. RequestLogger - log everything except scrapes and probes
	server.handler = middleware.Apply(mux,
		middleware.WithRequestID(),
		middleware.WithRecovery(logger),
		middleware.WithRequestLogger(logger, "/metrics", "/ping", "/ready"),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      server.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Handler returns the server's HTTP handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx ends, then shuts down gracefully within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting operations server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
