package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aescanero/dago-kernel/internal/application/executors"
	"github.com/aescanero/dago-kernel/internal/application/governor"
	"github.com/aescanero/dago-kernel/internal/application/orchestrator"
	"github.com/aescanero/dago-kernel/internal/application/recovery"
	"github.com/aescanero/dago-kernel/pkg/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EventReplayer returns the persisted events of a run.
type EventReplayer interface {
	Replay(ctx context.Context, runID string) ([]domain.Event, error)
}

// StreamHandler serves a live event stream for one run.
type StreamHandler interface {
	HandleRunStream(c *gin.Context)
}

// Server represents the HTTP API server
type Server struct {
	router   *gin.Engine
	server   *http.Server
	manager  *orchestrator.Manager
	governor *governor.Governor
	monitor  *governor.Monitor
	registry *executors.Registry
	policy   *recovery.Policy
	replayer EventReplayer
	logger   *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port     int
	Manager  *orchestrator.Manager
	Governor *governor.Governor
	// Monitor, Registry, Policy and Replayer are optional.
	Monitor  *governor.Monitor
	Registry *executors.Registry
	Policy   *recovery.Policy
	Replayer EventReplayer
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:   router,
		manager:  cfg.Manager,
		governor: cfg.Governor,
		monitor:  cfg.Monitor,
		registry: cfg.Registry,
		policy:   cfg.Policy,
		replayer: cfg.Replayer,
		logger:   cfg.Logger,
	}

	s.setupRoutes(cfg.Gatherer)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	metrics := promhttp.Handler()
	if gatherer != nil {
		metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	s.router.GET("/metrics", gin.WrapH(metrics))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// Decision intake
		v1.POST("/decisions", s.handleSubmitDecision)
		v1.POST("/validate", s.handleValidate)

		// Accepted graphs
		v1.GET("/graphs/:id", s.handleGetGraph)

		// Runs
		v1.GET("/runs/:id", s.handleGetRun)
		v1.POST("/runs/:id/cancel", s.handleCancelRun)
		v1.GET("/runs/:id/events", s.handleRunEvents)

		// Introspection
		v1.GET("/governor", s.handleGovernor)
		v1.GET("/validator/stats", s.handleValidatorStats)
		v1.GET("/capabilities", s.handleCapabilities)
		v1.GET("/recovery", s.handleRecovery)
	}
}

// SetupWebSocket adds the live event stream to the server
func (s *Server) SetupWebSocket(handler StreamHandler) {
	s.router.GET("/api/v1/runs/:id/ws", handler.HandleRunStream)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
