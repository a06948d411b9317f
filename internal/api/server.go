// Package api provides HTTP API server implementation for the prediction service.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maliev/predictionservice/internal/api/middleware"
	"github.com/maliev/predictionservice/internal/artifactstore"
	"github.com/maliev/predictionservice/internal/drift"
	"github.com/maliev/predictionservice/internal/lifecycle"
	"github.com/maliev/predictionservice/internal/orchestrator"
	"github.com/maliev/predictionservice/internal/registry"
	"github.com/maliev/predictionservice/internal/storage"
	"github.com/maliev/predictionservice/internal/training"
)

// Server represents the HTTP API server.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	apiKeyStore storage.APIKeyStore
	rateLimiter middleware.RateLimiter

	orchestrator *orchestrator.Orchestrator
	registry     registry.Registry
	lifecycle    *lifecycle.Manager
	training     *training.Orchestrator
	drift        *drift.Monitor
	artifacts    artifactstore.Store
	audit        *storage.AuditStore
	population   *storage.PopulationStore
	batches      *batchStore
}

// Dependencies bundles every collaborator NewServer wires into the route
// handlers, kept separate from ServerConfig the same way the teacher split
// transport configuration from injected dependencies.
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     registry.Registry
	Lifecycle    *lifecycle.Manager
	Training     *training.Orchestrator
	Drift        *drift.Monitor
	Artifacts    artifactstore.Store
	Audit        *storage.AuditStore
	Population   *storage.PopulationStore
	APIKeyStore  storage.APIKeyStore
	RateLimiter  middleware.RateLimiter
}

// NewServer creates a new HTTP server instance with structured logging and
// middleware stack.
//
// Dependencies are injected explicitly rather than being part of
// ServerConfig. This follows the dependency injection pattern where
// configuration (what) is separated from dependencies (how).
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if deps.Orchestrator == nil || deps.Registry == nil {
		logger.Error("orchestrator and registry are required - cannot start server without core functionality")
		panic("predictionservice: orchestrator/registry cannot be nil - this indicates a configuration error")
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:       logger,
		config:       cfg,
		apiKeyStore:  deps.APIKeyStore,
		rateLimiter:  deps.RateLimiter,
		orchestrator: deps.Orchestrator,
		registry:     deps.Registry,
		lifecycle:    deps.Lifecycle,
		training:     deps.Training,
		drift:        deps.Drift,
		artifacts:    deps.Artifacts,
		audit:        deps.Audit,
		population:   deps.Population,
		batches:      newBatchStore(),
	}

	server.setupRoutes(mux)

	if deps.APIKeyStore != nil { // pragma: allowlist secret
		logger.Info("service-account authentication middleware enabled")
	} else {
		logger.Warn("APIKeyStore not configured - authentication middleware disabled")
	}

	if deps.RateLimiter != nil {
		logger.Info("rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. Metrics - record request count/latency for every request, including rejections
	//   4. Auth - identify the principal and set PluginContext (optional)
	//   5. RateLimit - block requests before expensive operations (optional)
	//   6. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   7. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithMetrics(),
		middleware.WithAuthPlugin(deps.APIKeyStore, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until shutdown. It handles
// graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting prediction API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("initiating server shutdown", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed", slog.String("error", err.Error()))

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.closeDependency("API key store", s.apiKeyStore)
	s.closeDependency("rate limiter", s.rateLimiter)

	s.logger.Info("server shutdown completed successfully")

	return nil
}

// closeDependency attempts to close a server dependency that implements
// io.Closer. Logs the operation and its result. Errors are logged but
// don't stop shutdown (best-effort).
func (s *Server) closeDependency(name string, dep interface{}) {
	if dep == nil {
		return
	}

	closer, ok := dep.(io.Closer)
	if !ok {
		return
	}

	s.logger.Info("closing " + name)

	if err := closer.Close(); err != nil {
		s.logger.Error("failed to close "+name, slog.String("error", err.Error()))

		return
	}

	s.logger.Info(name + " closed successfully")
}
