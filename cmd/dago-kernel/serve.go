package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aescanero/dago-kernel/pkg/api/grpc"
	"github.com/aescanero/dago-kernel/pkg/api/http"
	"github.com/aescanero/dago-kernel/pkg/api/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP, WebSocket and gRPC servers",
	Long: `Start the kernel with its HTTP API, live WebSocket event streams and
the gRPC health service. The process drains active runs on SIGINT or
SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting workflow kernel",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("storage", cfg.Storage))

	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	a.monitor.Start()

	// Initialize API servers
	httpCfg := &http.Config{
		Port:     cfg.HTTPPort,
		Manager:  a.manager,
		Governor: a.governor,
		Monitor:  a.monitor,
		Registry: a.registry,
		Policy:   a.policy,
		Gatherer: a.gatherer,
		Logger:   logger,
	}
	if a.sink != nil {
		httpCfg.Replayer = a.sink
	}
	httpServer := http.NewServer(httpCfg)
	httpServer.SetupWebSocket(websocket.NewHandler(a.channel, logger))

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Source: a.manager,
		Logger: logger,
	})
	if err != nil {
		a.close()
		return err
	}

	// Start servers
	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("workflow kernel started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("max_concurrent", cfg.Governor.MaxConcurrent))

	// Wait for interrupt signal or a server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	a.shutdown(shutdownCtx)
	grpcServer.Refresh()
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	logger.Info("workflow kernel shut down complete")
	return err
}
