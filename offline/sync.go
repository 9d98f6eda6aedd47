// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
)

// FlushSummary reports what one flush did.
type FlushSummary struct {
	Total        int `json:"total"` // entries eligible after deduplication
	Processed    int `json:"processed"`
	Synced       int `json:"synced"`
	Failed       int `json:"failed"`
	Conflicts    int `json:"conflicts"`
	Cancelled    int `json:"cancelled"`
	SweptDeletes int `json:"swept_deletes"`

	ConflictDetails []Conflict `json:"conflict_details,omitempty"`
}

func (s *FlushSummary) clone() *FlushSummary {
	out := *s
	out.ConflictDetails = append([]Conflict(nil), s.ConflictDetails...)
	return &out
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeConflict
	outcomeCancelled
	outcomeFailed
)

// Flush drains the mutation queue once. Concurrent callers share the flush
// already in progress. Entries are dispatched one at a time; cancelling ctx
// stops the flush between entries and returns ctx.Err() with the partial summary.
func (e *Engine) Flush(ctx context.Context) (*FlushSummary, error) {
	if atomic.LoadInt32(&e.closed) == 1 {
		return nil, ErrClosed
	}
	if !e.Online() {
		return nil, ErrOffline
	}
	v, err, _ := e.flight.Do("flush", func() (any, error) {
		return e.flush(ctx)
	})
	if v == nil {
		return nil, err
	}
	return v.(*FlushSummary).clone(), err
}

func (e *Engine) flush(ctx context.Context) (*FlushSummary, error) {
	summary := &FlushSummary{}
	totalStart := e.stageStart()

	dedupStart := e.stageStart()
	dedup, err := e.queue.Deduplicate(ctx)
	e.observeStage(ctx, MetricsOpFlush, MetricsStageDedup, dedupStart, len(dedup.Cancelled)+dedup.Superseded, err != nil)
	if err != nil {
		return nil, fmt.Errorf("deduplicate queue: %w", err)
	}
	for _, k := range dedup.Cancelled {
		// Never remotely visible: drop the local tombstone too.
		if err := e.purgeIfDeleted(ctx, k.EntityType, k.EntityID); err != nil {
			e.logger.Warn("Failed to purge cancelled record", "entity", k.String(), "error", err)
		}
		summary.Cancelled++
	}
	if dedup.Superseded > 0 || len(dedup.Cancelled) > 0 {
		e.logger.Debug("Deduplicated mutation queue",
			"superseded", dedup.Superseded, "cancelled", len(dedup.Cancelled))
	}

	loadStart := e.stageStart()
	entries, err := e.queue.PendingOrRetryable(ctx, e.now())
	e.observeStage(ctx, MetricsOpFlush, MetricsStageLoad, loadStart, len(entries), err != nil)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	SortEntries(entries)
	summary.Total = len(entries)

	dispatchStart := e.stageStart()
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			e.observeStage(ctx, MetricsOpFlush, MetricsStageDispatch, dispatchStart, summary.Processed, true)
			return summary, err
		}
		if !e.Online() {
			e.observeStage(ctx, MetricsOpFlush, MetricsStageDispatch, dispatchStart, summary.Processed, true)
			return summary, ErrOffline
		}
		summary.Processed++
		switch e.process(ctx, entry, summary) {
		case outcomeSynced:
			summary.Synced++
		case outcomeConflict:
			summary.Conflicts++
		case outcomeCancelled:
			summary.Cancelled++
		case outcomeFailed:
			summary.Failed++
		}
	}
	e.observeStage(ctx, MetricsOpFlush, MetricsStageDispatch, dispatchStart, summary.Processed, summary.Failed > 0)

	sweepStart := e.stageStart()
	swept, err := e.ProcessPendingDeletes(ctx)
	e.observeStage(ctx, MetricsOpFlush, MetricsStagePendingDelete, sweepStart, swept, err != nil)
	if err != nil {
		e.logger.Warn("Pending delete sweep failed", "error", err)
	}
	summary.SweptDeletes = swept

	e.observeStage(ctx, MetricsOpFlush, MetricsStageTotal, totalStart, summary.Processed, summary.Failed > 0)
	return summary, nil
}

// process runs one entry through pending → syncing → synced|failed.
func (e *Engine) process(ctx context.Context, entry *Entry, summary *FlushSummary) outcome {
	// Remote calls in flight are not interrupted by flush cancellation.
	callCtx := context.WithoutCancel(ctx)

	if err := e.queue.MarkStatus(callCtx, entry.ID, EntrySyncing, nil, ""); err != nil {
		e.logger.Error("Failed to mark entry syncing", "entry", entry.ID, "error", err)
		return outcomeFailed
	}

	var (
		res      outcome
		serverID string
		err      error
	)
	switch entry.Action {
	case ActionCreate:
		serverID, err = e.dispatchCreate(callCtx, entry)
		res = outcomeSynced
	case ActionUpdate:
		res, err = e.dispatchUpdate(callCtx, entry, summary)
	case ActionDelete:
		res, err = e.dispatchDelete(callCtx, entry)
	default:
		err = fmt.Errorf("unknown action %q", entry.Action)
	}

	if err != nil {
		e.fail(callCtx, entry, err)
		return outcomeFailed
	}
	if serverID != "" {
		if err := e.queue.MarkStatus(callCtx, entry.ID, EntrySynced, nil, serverID); err != nil {
			e.logger.Error("Failed to mark entry synced", "entry", entry.ID, "server_id", serverID, "error", err)
		}
	}
	if err := e.queue.Remove(callCtx, entry.ID); err != nil {
		e.logger.Error("Failed to remove settled entry", "entry", entry.ID, "error", err)
	}
	return res
}

func (e *Engine) fail(ctx context.Context, entry *Entry, cause error) {
	e.logger.Warn("Sync entry failed",
		"entry", entry.ID,
		"entity", entry.EntityType,
		"id", entry.EntityID,
		"action", entry.Action,
		"retry", entry.RetryCount+1,
		"error", cause)
	if err := e.queue.MarkStatus(ctx, entry.ID, EntryFailed, cause, ""); err != nil {
		e.logger.Error("Failed to mark entry failed", "entry", entry.ID, "error", err)
		return
	}
	if entry.RetryCount+1 >= entry.MaxRetries {
		id := e.localID(ctx, entry.EntityType, entry.EntityID)
		if err := e.store.UpdateSyncStatus(ctx, entry.EntityType, id, StatusError); err != nil {
			e.logger.Error("Failed to mark record errored", "entity", entry.EntityType, "id", id, "error", err)
		}
	}
}

func (e *Engine) payloadOf(ctx context.Context, entry *Entry) (*Record, error) {
	if entry.Payload != nil {
		rec := entry.Payload.Clone()
		if rec.ID == "" {
			rec.ID = entry.EntityID
		}
		return rec, nil
	}
	return e.store.Get(ctx, entry.EntityType, e.localID(ctx, entry.EntityType, entry.EntityID))
}

func errUnresolved(fields []string) error {
	sort.Strings(fields)
	return fmt.Errorf("unresolved temporary references in %s", strings.Join(fields, ", "))
}

// dispatchCreate inserts the record remotely and reconciles its identifier.
func (e *Engine) dispatchCreate(ctx context.Context, entry *Entry) (string, error) {
	rec, err := e.payloadOf(ctx, entry)
	if err != nil {
		return "", err
	}
	return e.createRemote(ctx, entry.EntityType, rec)
}

func (e *Engine) createRemote(ctx context.Context, entityName string, rec *Record) (string, error) {
	ent, err := e.entity(entityName)
	if err != nil {
		return "", err
	}
	localID := rec.ID
	row := rec.ToRow()
	delete(row, FieldIsDeleted)
	delete(row, FieldDeletedAt)

	resolvedID, alreadyResolved := "", false
	if IsTemporary(localID) {
		resolvedID, alreadyResolved = e.ids.Resolve(localID)
		if !alreadyResolved {
			delete(row, FieldID)
		}
	}
	if unresolved := e.ids.cleanRow(row); len(unresolved) > 0 {
		return "", errUnresolved(unresolved)
	}

	serverID, err := e.Remote.Insert(ctx, ent.remoteTable(), row)
	switch {
	case errors.Is(err, remote.ErrUniqueViolation):
		e.logger.Debug("Create already applied remotely", "entity", entityName, "id", localID)
		serverID = ""
		if alreadyResolved {
			serverID = resolvedID
		} else if !IsTemporary(localID) {
			serverID = localID
		}
	case err != nil:
		return "", err
	}

	if IsTemporary(localID) && serverID != "" {
		if err := e.reconcile(ctx, entityName, localID, serverID); err != nil {
			return "", err
		}
	}

	finalID := localID
	if serverID != "" {
		finalID = serverID
	}
	if err := e.settle(ctx, entityName, finalID); err != nil {
		return "", err
	}
	return serverID, nil
}

// reconcile registers tempID → serverID and moves the record, its queue
// entries and every child reference over to serverID.
func (e *Engine) reconcile(ctx context.Context, entity, tempID, serverID string) error {
	if err := e.ids.Register(ctx, tempID, serverID); err != nil {
		return err
	}
	if err := e.store.Rekey(ctx, entity, tempID, serverID); err != nil {
		return err
	}
	if err := e.queue.RekeyEntity(ctx, entity, tempID, serverID); err != nil {
		return err
	}
	for _, rel := range e.config.Cascade[entity] {
		n, err := e.store.RewriteForeignKey(ctx, rel.Child, rel.ForeignKey, tempID, serverID)
		if err != nil {
			return err
		}
		if n > 0 {
			e.logger.Debug("Rewrote child references",
				"parent", entity, "child", rel.Child, "field", rel.ForeignKey, "count", n)
		}
	}
	e.rekeyUndo(tempID, serverID)
	return nil
}

// settle marks a record synced unless more local changes are still queued.
func (e *Engine) settle(ctx context.Context, entity, id string) error {
	rest, err := e.queue.ForEntity(ctx, entity, id)
	if err != nil {
		return err
	}
	for _, en := range rest {
		if en.Status != EntrySyncing {
			return nil
		}
	}
	rec, err := e.store.Get(ctx, entity, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.IsDeleted {
		return nil
	}
	return e.store.UpdateSyncStatus(ctx, entity, id, StatusSynced)
}

// dispatchUpdate applies last-write-wins against the remote row.
func (e *Engine) dispatchUpdate(ctx context.Context, entry *Entry, summary *FlushSummary) (outcome, error) {
	ent, err := e.entity(entry.EntityType)
	if err != nil {
		return outcomeFailed, err
	}
	rec, err := e.payloadOf(ctx, entry)
	if err != nil {
		return outcomeFailed, err
	}
	id := e.ids.ResolveID(rec.ID)
	if IsTemporary(id) {
		// Never created remotely.
		_, err := e.createRemote(ctx, entry.EntityType, rec)
		return outcomeSynced, err
	}
	rec.ID = id

	server, err := e.fetchForUpdate(ctx, ent.remoteTable(), id)
	if errors.Is(err, remote.ErrNotFound) {
		e.logger.Info("Remote record missing on update, creating it", "entity", entry.EntityType, "id", id)
		_, err := e.createRemote(ctx, entry.EntityType, rec)
		return outcomeSynced, err
	}
	if err != nil {
		return outcomeFailed, err
	}

	if e.config.Resolver.Resolve(entry.EntityType, rec, server) == KeepRemote {
		return outcomeConflict, e.adoptRemote(ctx, entry.EntityType, rec, server, summary)
	}

	row := rec.ToRow()
	delete(row, FieldCreatedAt)
	if unresolved := e.ids.cleanRow(row); len(unresolved) > 0 {
		return outcomeFailed, errUnresolved(unresolved)
	}
	err = e.Remote.Update(ctx, ent.remoteTable(), id, row)
	if errors.Is(err, remote.ErrNotFound) {
		_, err := e.createRemote(ctx, entry.EntityType, rec)
		return outcomeSynced, err
	}
	if err != nil {
		return outcomeFailed, err
	}
	return outcomeSynced, e.settle(ctx, entry.EntityType, id)
}

// fetchForUpdate fetches the remote row and, when it is reported missing,
// checks once more after NotFoundRecheckDelay so a briefly invisible row is
// not created twice.
func (e *Engine) fetchForUpdate(ctx context.Context, table, id string) (remote.Row, error) {
	row, err := e.Remote.Fetch(ctx, table, id)
	if !errors.Is(err, remote.ErrNotFound) {
		return row, err
	}
	if err := sleepWithContext(ctx, e.config.NotFoundRecheckDelay); err != nil {
		return nil, err
	}
	return e.Remote.Fetch(ctx, table, id)
}

func (e *Engine) adoptRemote(ctx context.Context, entity string, local *Record, server remote.Row, summary *FlushSummary) error {
	summary.ConflictDetails = append(summary.ConflictDetails, Conflict{
		EntityType:      entity,
		EntityID:        local.ID,
		LocalUpdatedAt:  local.EffectiveUpdatedAt(),
		RemoteUpdatedAt: server.UpdatedAt(),
	})
	e.logger.Info("Update conflict, remote is newer",
		"entity", entity,
		"id", local.ID,
		"local_updated_at", local.EffectiveUpdatedAt(),
		"remote_updated_at", server.UpdatedAt())

	pulled := RecordFromRow(server)
	if pulled.ID == "" {
		pulled.ID = local.ID
	}
	if pulled.IsDeleted {
		return e.store.HardDelete(ctx, entity, pulled.ID)
	}
	pulled.SyncStatus = StatusSynced
	return e.store.Apply(ctx, entity, pulled)
}

// dispatchDelete soft-deletes the record remotely and purges it locally.
func (e *Engine) dispatchDelete(ctx context.Context, entry *Entry) (outcome, error) {
	var deletedAt = e.now()
	if entry.Payload != nil && entry.Payload.DeletedAt != nil {
		deletedAt = *entry.Payload.DeletedAt
	}
	return e.deleteRemote(ctx, entry.EntityType, entry.EntityID, deletedAt)
}

func (e *Engine) purgeIfDeleted(ctx context.Context, entity, id string) error {
	rec, err := e.store.Get(ctx, entity, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.IsDeleted {
		return nil
	}
	return e.store.HardDelete(ctx, entity, id)
}
