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
	configPath := flag.String("config", "configs/agent.yaml", "path to agent config")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Service)

	application, err := app.BuildAgent(cfg, logger)
	if err != nil {
		logger.Error("failed to build agent", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("agent listening", slog.String("addr", application.Server.Addr))
		serverErr <- application.Server.ListenAndServe()
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- application.Service.Run(ctx, application.Intervals)
	}()

	exitCode := 0
	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			exitCode = 1
		}
		cancel()
	case err := <-runErr:
		if err != nil {
			logger.Error("agent loops failed", slog.String("error", err.Error()))
			exitCode = 1
		}
		cancel()
	case <-ctx.Done():
		// Shutdown signal; the loops force-flush pending audit entries.
		if err := <-runErr; err != nil {
			logger.Error("agent loops failed", slog.String("error", err.Error()))
			exitCode = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()
	if err := application.Server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		exitCode = 1
	}
	logger.Info("agent stopped")
	os.Exit(exitCode)
}
