// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/offline"
)

// QueueEntry is one mutation queue entry as printed by queue list.
type QueueEntry struct {
	ID          string     `json:"id"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Action      string     `json:"action"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// QueueListOptions holds flags for queue list.
type QueueListOptions struct {
	*RootOptions
	Status string
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the mutation queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueDiscardCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueListOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "only entries with this status (pending|syncing|failed)")
	return cmd
}

func runQueueList(cmd *cobra.Command, opts *QueueListOptions) error {
	ctx := context.Background()
	s, err := openSession(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.engine.Queue().List(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list queue", err)
	}
	offline.SortEntries(entries)

	out := make([]QueueEntry, 0, len(entries))
	for _, en := range entries {
		if opts.Status != "" && string(en.Status) != opts.Status {
			continue
		}
		out = append(out, QueueEntry{
			ID:          en.ID,
			EntityType:  en.EntityType,
			EntityID:    en.EntityID,
			Action:      string(en.Action),
			Status:      string(en.Status),
			RetryCount:  en.RetryCount,
			MaxRetries:  en.MaxRetries,
			NextRetryAt: en.NextRetryAt,
			LastError:   en.LastError,
			CreatedAt:   en.CreatedAt,
		})
	}

	return emit(cmd, opts.RootOptions, out, func(w io.Writer) {
		if len(out) == 0 {
			fmt.Fprintln(w, "queue is empty")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tENTITY\tRECORD\tACTION\tSTATUS\tRETRIES\tLAST ERROR")
		for _, e := range out {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				e.ID, e.EntityType, e.EntityID, e.Action, e.Status, e.RetryCount, e.MaxRetries, e.LastError)
		}
		_ = tw.Flush()
	})
}

func newQueueRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Make exhausted entries eligible for sync again",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			s, err := openSession(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.engine.RetryFailed(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to reset entries", err)
			}
			return emit(cmd, rootOpts, map[string]int{"reset": n}, func(w io.Writer) {
				fmt.Fprintf(w, "reset %d entries\n", n)
			})
		},
	}
}

func newQueueDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <entry-id>",
		Short: "Drop a queue entry and mark its record as errored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			s, err := openSession(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.engine.Discard(ctx, args[0]); err != nil {
				if errors.Is(err, offline.ErrNotFound) {
					return WrapExitError(ExitFailure, "no such queue entry", err)
				}
				return WrapExitError(ExitCommandError, "failed to discard entry", err)
			}
			return emit(cmd, rootOpts, map[string]string{"discarded": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "discarded %s\n", args[0])
			})
		},
	}
}
