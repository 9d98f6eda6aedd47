// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/offline"
)

// EntityStatus counts the records of one entity type per sync status.
type EntityStatus struct {
	Entity  string `json:"entity"`
	Synced  int    `json:"synced"`
	Pending int    `json:"pending"`
	Error   int    `json:"error"`
}

// StatusReport is the output of the status command.
type StatusReport struct {
	Entities []EntityStatus     `json:"entities"`
	Queue    offline.QueueStats `json:"queue"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show record and queue counts of the local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
	}
}

func runStatus(cmd *cobra.Command, opts *RootOptions) error {
	ctx := context.Background()
	s, err := openSession(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	var report StatusReport
	for _, ent := range s.engine.Config().Entities {
		counts, err := s.engine.Store().Counts(ctx, ent.Name)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to count records", err)
		}
		report.Entities = append(report.Entities, EntityStatus{
			Entity:  ent.Name,
			Synced:  counts[offline.StatusSynced],
			Pending: counts[offline.StatusPending],
			Error:   counts[offline.StatusError],
		})
	}
	report.Queue, err = s.engine.Queue().Stats(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}

	return emit(cmd, opts, report, func(w io.Writer) {
		fmt.Fprintf(w, "%-16s %8s %8s %8s\n", "ENTITY", "SYNCED", "PENDING", "ERROR")
		for _, e := range report.Entities {
			fmt.Fprintf(w, "%-16s %8d %8d %8d\n", e.Entity, e.Synced, e.Pending, e.Error)
		}
		q := report.Queue
		fmt.Fprintf(w, "\nqueue: %d total, %d pending, %d failed (%d exhausted), %d syncing\n",
			q.Total, q.Pending, q.Failed, q.Exhausted, q.Syncing)
	})
}
