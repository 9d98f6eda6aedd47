// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/internal/auth"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Owner  string
	Device string
	TTL    time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a gateway token for an owner and device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner id (required)")
	_ = cmd.MarkFlagRequired("owner")
	cmd.Flags().StringVar(&opts.Device, "device", "", "device id (required)")
	_ = cmd.MarkFlagRequired("device")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (defaults to server.token_ttl)")
	return cmd
}

func runToken(cmd *cobra.Command, opts *TokenOptions) error {
	cfg, logger, err := loadConfig(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	if len(cfg.Server.JWTSecret) < 32 {
		return NewExitError(ExitCommandError, "server.jwt_secret must be at least 32 characters")
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = cfg.Server.TokenTTL
	}

	token, err := auth.NewJWTAuth(cfg.Server.JWTSecret, logger).GenerateToken(opts.Owner, opts.Device, ttl)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to sign token", err)
	}
	data := map[string]string{"token": token, "owner": opts.Owner, "device": opts.Device}
	return emit(cmd, opts.RootOptions, data, func(w io.Writer) {
		fmt.Fprintln(w, token)
	})
}
