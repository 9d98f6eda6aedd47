// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/offline"
)

// DeleteReport is the output of the delete command.
type DeleteReport struct {
	Entity          string   `json:"entity"`
	ID              string   `json:"id"`
	Deleted         int      `json:"deleted"`
	RemoteConfirmed bool     `json:"remote_confirmed"`
	Orphans         []string `json:"orphans,omitempty"`
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity> <id>",
		Short: "Soft-delete a record and its dependents",
		Long: `Soft-delete a record together with every dependent record, e.g. a sale
and its sale items. With --offline the deletes stay queued for the next flush.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, rootOpts, args[0], args[1])
		},
	}
}

func runDelete(cmd *cobra.Command, opts *RootOptions, entity, id string) error {
	ctx := context.Background()
	s, err := openSession(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.engine.SoftDeleteRecord(ctx, entity, id)
	switch {
	case errors.Is(err, offline.ErrNotFound), errors.Is(err, offline.ErrUnknownEntity):
		return WrapExitError(ExitFailure, "nothing to delete", err)
	case err != nil:
		return WrapExitError(ExitCommandError, "delete failed", err)
	}

	report := DeleteReport{
		Entity:          res.EntityType,
		ID:              res.ID,
		Deleted:         res.Deleted,
		RemoteConfirmed: res.RemoteConfirmed,
	}
	orphans, err := s.engine.VerifyNoOrphans(ctx, entity, res.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "orphan check failed", err)
	}
	for _, o := range orphans {
		report.Orphans = append(report.Orphans, o.ChildType+"/"+o.ChildID)
	}

	return emit(cmd, opts, report, func(w io.Writer) {
		state := "queued"
		if report.RemoteConfirmed {
			state = "confirmed by remote"
		}
		fmt.Fprintf(w, "deleted %s/%s with %d dependents (%s)\n",
			report.Entity, report.ID, report.Deleted-1, state)
		for _, o := range report.Orphans {
			fmt.Fprintf(w, "  warning: %s still references the deleted record\n", o)
		}
	})
}
