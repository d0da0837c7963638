package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vitamin33/agent-poi/internal/app"
	"github.com/vitamin33/agent-poi/internal/config"
	"github.com/vitamin33/agent-poi/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/registry.yaml", "path to registry config")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadRegistry(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Service)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.BuildRegistry(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build registry", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("registry listening", slog.String("addr", application.Server.Addr))
		errCh <- application.Server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("registry stopped")
}
