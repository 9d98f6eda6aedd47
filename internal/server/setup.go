// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the remote gateway: PostgreSQL storage, JWT auth
// and the HTTP handler the sync clients talk to.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/config"
	"github.com/haseeb-ahad/cloth-flow-boss-sub000/internal/auth"
	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote/httpremote"
	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote/pgremote"
)

// Components holds the initialized gateway components
type Components struct {
	Pool    *pgxpool.Pool
	JWTAuth *auth.JWTAuth
	Handler http.Handler
	Logger  *slog.Logger
}

// Setup connects to PostgreSQL, applies migrations and builds the handler.
func Setup(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := pgremote.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}

	jwtAuth := auth.NewJWTAuth(cfg.JWTSecret, logger)
	backend := pgremote.New(pool, config.RemoteTables(), logger)

	return &Components{
		Pool:    pool,
		JWTAuth: jwtAuth,
		Handler: NewHandler(backend, jwtAuth, config.RemoteTables(), logger),
		Logger:  logger,
	}, nil
}

// Close releases the database pool
func (c *Components) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// NewHandler routes /health and the authenticated /remote/ API to backend.
func NewHandler(backend remote.Remote, jwtAuth *auth.JWTAuth, tables []string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HandleHealth)
	mux.Handle("/remote/", jwtAuth.Middleware(httpremote.NewHandler(backend, tables, logger)))
	return LoggingMiddleware(mux, logger)
}

// Serve runs handler until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, cfg config.ServerConfig, handler http.Handler, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting remote gateway", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down remote gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// HandleHealth provides a simple health check endpoint
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status": "healthy", "service": "retail-sync-gateway"}`))
}
