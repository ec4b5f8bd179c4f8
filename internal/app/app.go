// Package app is the main orchestrator that ties the dashboard server's
// components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openbrain/openbrain/internal/api"
	"github.com/openbrain/openbrain/internal/auth"
	"github.com/openbrain/openbrain/internal/config"
	"github.com/openbrain/openbrain/internal/gateway"
	"github.com/openbrain/openbrain/internal/kmutex"
	"github.com/openbrain/openbrain/internal/reconcile"
	"github.com/openbrain/openbrain/internal/store"
)

// App is the dashboard server process.
type App struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	pool         *gateway.Pool
	reconciler   *reconcile.Reconciler
	api          *api.Server
	logger       *slog.Logger
}

// New creates an app from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	if err := seedWorkspaces(context.Background(), db, cfg.Workspaces, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed workspaces: %w", err)
	}

	pool := gateway.NewPool(gateway.PoolOptions{
		ConnectWait:   cfg.Gateway.ConnectWait.Duration,
		SweepInterval: cfg.Gateway.SweepInterval.Duration,
		IdleTimeout:   cfg.Gateway.IdleTimeout.Duration,
	}, logger)

	reconciler := reconcile.New(db, kmutex.New(), logger)
	apiSrv := api.NewServer(db, authProvider, reconciler, pool, cfg, logger)

	a := &App{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		pool:         pool,
		reconciler:   reconciler,
		api:          apiSrv,
		logger:       logger.With("component", "app"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' - restrict to specific origins in production")
			break
		}
	}

	return a, nil
}

// seedWorkspaces upserts the configured workspaces so a fresh deployment is
// usable without calling the admin API first.
func seedWorkspaces(ctx context.Context, db store.Store, seeds []config.WorkspaceConfig, logger *slog.Logger) error {
	for _, seed := range seeds {
		ws := &store.Workspace{
			ID:           seed.ID,
			Name:         seed.Name,
			GatewayURL:   seed.GatewayURL,
			GatewayToken: seed.GatewayToken,
			SyncSecret:   seed.SyncSecret,
		}
		existing, err := db.GetWorkspace(ctx, seed.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			ws.CreatedAt = existing.CreatedAt
			if err := db.UpdateWorkspace(ctx, ws); err != nil {
				return err
			}
			continue
		}
		logger.Info("seeding workspace", "workspace", seed.ID)
		if err := db.CreateWorkspace(ctx, ws); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	a.pool.Start()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		a.pool.Destroy()
		_ = a.authProvider.Close()
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		a.pool.Destroy()
		_ = a.authProvider.Close()
		_ = a.store.Close()
		return err
	}
}
