// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the remote gateway backed by PostgreSQL",
		Long: `Run the HTTP gateway that sync clients configured with the http remote
talk to. Requires server.database_dsn and server.jwt_secret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *RootOptions) error {
	cfg, logger, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return WrapExitError(ExitCommandError, "invalid server config", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := server.Setup(ctx, cfg.Server, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up gateway", err)
	}
	defer components.Close()

	if err := server.Serve(ctx, cfg.Server, components.Handler, logger); err != nil {
		return WrapExitError(ExitFailure, "gateway stopped", err)
	}
	logger.Info("Gateway exited")
	return nil
}
