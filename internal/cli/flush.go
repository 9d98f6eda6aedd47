// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/offline"
)

// FlushOptions holds flags for the flush command.
type FlushOptions struct {
	*RootOptions
	Timeout time.Duration
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FlushOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Push queued mutations to the remote",
		Long: `Run one sync pass: deduplicate the queue, push every eligible entry
and finish soft deletes left without a queue entry.

Exits with status 1 when some entries failed and remain queued.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlush(cmd, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "stop starting new entries after this long")
	return cmd
}

func runFlush(cmd *cobra.Command, opts *FlushOptions) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	summary, err := s.engine.Flush(ctx)
	if errors.Is(err, offline.ErrOffline) {
		return WrapExitError(ExitCommandError, "cannot flush in offline mode", err)
	}
	if summary == nil {
		return WrapExitError(ExitFailure, "flush failed", err)
	}
	if outErr := emit(cmd, opts.RootOptions, summary, func(w io.Writer) {
		fmt.Fprintf(w, "processed %d of %d: %d synced, %d failed, %d conflicts, %d cancelled, %d swept deletes\n",
			summary.Processed, summary.Total, summary.Synced, summary.Failed,
			summary.Conflicts, summary.Cancelled, summary.SweptDeletes)
		for _, c := range summary.ConflictDetails {
			fmt.Fprintf(w, "  conflict %s/%s: remote %s won over local %s\n",
				c.EntityType, c.EntityID,
				c.RemoteUpdatedAt.Format(time.RFC3339), c.LocalUpdatedAt.Format(time.RFC3339))
		}
	}); outErr != nil {
		return outErr
	}
	if err != nil {
		return WrapExitError(ExitFailure, "flush interrupted", err)
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d entries failed", summary.Failed))
	}
	return nil
}
