// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/config"
	"github.com/haseeb-ahad/cloth-flow-boss-sub000/offline"
	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote/httpremote"
	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote/memremote"
	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote/mongoremote"
	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote/pgremote"
)

// session is an opened local database with an engine on top of it.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB
	engine  *offline.Engine
	closers []func()
}

func loadConfig(cmd *cobra.Command, opts *RootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, config.NewLogger(cfg.Log, cmd.ErrOrStderr()), nil
}

func openSession(ctx context.Context, cmd *cobra.Command, opts *RootOptions) (*session, error) {
	cfg, logger, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	s := &session{cfg: cfg, logger: logger}
	s.db, err = sql.Open("sqlite3", cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	s.closers = append(s.closers, func() { _ = s.db.Close() })

	var rem remote.Remote = memremote.New()
	if !opts.Offline {
		var closeRemote func()
		rem, closeRemote, err = buildRemote(ctx, cfg.Remote, logger)
		if err != nil {
			s.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect remote", err)
		}
		s.closers = append(s.closers, closeRemote)
	}

	s.engine, err = offline.NewEngine(ctx, s.db, rem, cfg.Offline())
	if err != nil {
		s.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open sync engine", err)
	}
	s.engine.SetLogger(logger)
	s.engine.SetOnline(!opts.Offline)
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (s *session) Close() {
	if s.engine != nil {
		_ = s.engine.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildRemote(ctx context.Context, cfg config.RemoteConfig, logger *slog.Logger) (remote.Remote, func(), error) {
	switch cfg.Kind {
	case config.RemoteHTTP:
		var token httpremote.TokenSource
		if cfg.Token != "" {
			token = httpremote.StaticToken(cfg.Token)
		}
		client := httpremote.NewClient(cfg.URL, &http.Client{Timeout: cfg.Timeout}, token)
		return client, func() {}, nil
	case config.RemotePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pgremote.New(pool, config.RemoteTables(), logger), pool.Close, nil
	case config.RemoteMongo:
		client, err := mongoremote.Connect(ctx, cfg.MongoURI, logger)
		if err != nil {
			return nil, nil, err
		}
		provider := mongoremote.NewDatabaseProvider(client, cfg.MongoDatabase)
		return mongoremote.New(provider, logger), func() { _ = client.Disconnect(context.Background()) }, nil
	case config.RemoteMemory:
		return memremote.New(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
}
