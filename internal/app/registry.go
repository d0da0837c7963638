package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vitamin33/agent-poi/internal/api"
	"github.com/vitamin33/agent-poi/internal/config"
	poicrypto "github.com/vitamin33/agent-poi/internal/crypto"
	"github.com/vitamin33/agent-poi/internal/logging"
	"github.com/vitamin33/agent-poi/internal/registry"
	"github.com/vitamin33/agent-poi/internal/storage/registrypg"
)

type RegistryApplication struct {
	Server *http.Server
	Store  *registrypg.Store
}

func BuildRegistry(ctx context.Context, cfg *config.RegistryConfig, logger *slog.Logger) (*RegistryApplication, error) {
	signer, err := poicrypto.LoadSigner(cfg.Keys.AckPrivateKeyPath, cfg.Keys.AckPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load ack signing keys: %w", err)
	}

	store, err := registrypg.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
	if err != nil {
		return nil, fmt.Errorf("open registry store: %w", err)
	}

	svc, err := registry.New(registry.Params{
		Store:      store,
		Signer:     signer,
		WriteToken: cfg.Security.WriteToken,
		Service:    cfg.Logging.Service,
		Version:    cfg.Logging.Version,
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build registry service: %w", err)
	}

	handler := api.NewRegistryHandler(svc)
	root := logging.Middleware(logger, handler.Router())

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return &RegistryApplication{Server: server, Store: store}, nil
}

func (a *RegistryApplication) Shutdown(ctx context.Context) error {
	defer a.Store.Close()
	return a.Server.Shutdown(ctx)
}
