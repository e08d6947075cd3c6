package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syntrixbase/backupindex/internal/api/rest"
	"github.com/syntrixbase/backupindex/internal/config"
	"github.com/syntrixbase/backupindex/internal/engine"
	"github.com/syntrixbase/backupindex/internal/logging"
	"github.com/syntrixbase/backupindex/internal/server"
)

func main() {
	configDir := flag.String("config", "config", "Directory holding config.yml and config.local.yml")
	flag.Parse()

	if err := run(*configDir); err != nil {
		fmt.Fprintf(os.Stderr, "backupindex: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir string) error {
	// 1. Load configuration and logging
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return err
	}
	logger, err := logging.Initialize(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	// 2. Open backends and the engine
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	deps, err := openDeps(initCtx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	svc, err := engine.New(initCtx, cfg.EngineConfig(), deps)
	if err != nil {
		closeDeps(initCtx, deps)
		return fmt.Errorf("failed to create engine: %w", err)
	}

	// 3. Start the checkpoint loop and the HTTP server
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)
	srv := server.New(cfg.Server, logger.Logger)
	srv.RegisterHTTPHandler("/", rest.NewHandler(svc, logger.Logger).Routes())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	// 4. Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		slog.Info("Shutting down", "signal", sig.String())
	case serveErr = <-errCh:
		slog.Error("HTTP server stopped", "error", serveErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("Failed to stop HTTP server", "error", err)
	}
	cancel()
	if err := svc.Close(shutdownCtx); err != nil {
		slog.Error("Failed to close engine", "error", err)
	}
	slog.Info("Index server stopped")
	return serveErr
}
