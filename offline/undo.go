// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UndoEntry is the snapshot kept for restoring a soft-deleted record and the
// dependents deleted with it.
type UndoEntry struct {
	ID           string
	EntityType   string
	OriginalData *Record
	DeletedAt    time.Time
	// Status is EntryPending while the remote delete is outstanding and
	// EntrySynced once confirmed, or when there was nothing to send.
	Status   EntryStatus
	Children []*UndoEntry
	// CanUndo is computed when the entry is read.
	CanUndo bool
	// Temporary marks a record whose create was cancelled by the delete.
	Temporary bool
}

func (u *UndoEntry) canUndo(now time.Time, window time.Duration) bool {
	return now.Sub(u.DeletedAt) < window
}

func (u *UndoEntry) remoteConfirmed() bool {
	return u.Status == EntrySynced && !u.Temporary
}

// walk visits u and its descendants parent-first.
func (u *UndoEntry) walk(fn func(*UndoEntry)) {
	stack := []*UndoEntry{u}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(n)
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
}

func (u *UndoEntry) snapshot(now time.Time, window time.Duration) *UndoEntry {
	out := *u
	out.OriginalData = u.OriginalData.Clone()
	out.CanUndo = u.canUndo(now, window)
	out.Children = make([]*UndoEntry, 0, len(u.Children))
	for _, c := range u.Children {
		out.Children = append(out.Children, c.snapshot(now, window))
	}
	return &out
}

func (e *Engine) cacheUndo(root *UndoEntry) {
	e.undoMu.Lock()
	defer e.undoMu.Unlock()
	e.pruneUndoLocked()
	e.roots[root.ID] = root
	root.walk(func(n *UndoEntry) { e.undo[n.ID] = n })
}

// pruneUndoLocked drops trees whose retention elapsed.
func (e *Engine) pruneUndoLocked() {
	now := e.now()
	for id, root := range e.roots {
		if now.Sub(root.DeletedAt) <= e.config.UndoWindow+e.config.UndoRetention {
			continue
		}
		delete(e.roots, id)
		root.walk(func(n *UndoEntry) {
			if e.undo[n.ID] == n {
				delete(e.undo, n.ID)
			}
		})
	}
}

func (e *Engine) markUndoConfirmed(id string) {
	e.undoMu.Lock()
	defer e.undoMu.Unlock()
	if n, ok := e.undo[id]; ok {
		n.Status = EntrySynced
	}
}

func (e *Engine) rekeyUndo(oldID, newID string) {
	e.undoMu.Lock()
	defer e.undoMu.Unlock()
	n, ok := e.undo[oldID]
	if !ok {
		return
	}
	delete(e.undo, oldID)
	n.ID = newID
	if n.OriginalData != nil {
		n.OriginalData.ID = newID
	}
	e.undo[newID] = n
	if root, ok := e.roots[oldID]; ok {
		delete(e.roots, oldID)
		e.roots[newID] = root
	}
}

// UndoEntry returns a copy of the cached undo entry for id, or nil.
func (e *Engine) UndoEntry(id string) *UndoEntry {
	e.undoMu.Lock()
	defer e.undoMu.Unlock()
	e.pruneUndoLocked()
	n, ok := e.undo[id]
	if !ok {
		return nil
	}
	return n.snapshot(e.now(), e.config.UndoWindow)
}

// UndoEntries returns copies of every cached delete tree.
func (e *Engine) UndoEntries() []*UndoEntry {
	e.undoMu.Lock()
	defer e.undoMu.Unlock()
	e.pruneUndoLocked()
	now := e.now()
	out := make([]*UndoEntry, 0, len(e.roots))
	for _, root := range e.roots {
		out = append(out, root.snapshot(now, e.config.UndoWindow))
	}
	return out
}

// CanUndo reports whether UndoDelete(id) would be accepted now.
func (e *Engine) CanUndo(id string) bool {
	u := e.UndoEntry(id)
	return u != nil && u.CanUndo
}

// detachUndo removes the tree rooted at id from the cache so only one caller
// can restore it.
func (e *Engine) detachUndo(id string) (*UndoEntry, error) {
	e.undoMu.Lock()
	defer e.undoMu.Unlock()
	e.pruneUndoLocked()
	n, ok := e.undo[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUndoUnavailable, id)
	}
	if !n.canUndo(e.now(), e.config.UndoWindow) {
		return nil, fmt.Errorf("%w: %s deleted at %s", ErrUndoExpired, id, n.DeletedAt.Format(time.RFC3339))
	}
	n.walk(func(c *UndoEntry) { delete(e.undo, c.ID) })
	delete(e.roots, id)
	return n, nil
}

func (e *Engine) reattachUndo(n *UndoEntry, wasRoot bool) {
	e.undoMu.Lock()
	defer e.undoMu.Unlock()
	n.walk(func(c *UndoEntry) { e.undo[c.ID] = c })
	if wasRoot {
		e.roots[n.ID] = n
	}
}

// UndoDelete restores a soft-deleted record and the dependents deleted with
// it, within the undo window. Queued deletes are cancelled; deletes the remote
// already confirmed are reverted with a best-effort remote restore, and
// anything not confirmed by the remote is queued so it converges on the next
// flush. It returns the number of restored records.
func (e *Engine) UndoDelete(ctx context.Context, id string) (int, error) {
	e.undoMu.Lock()
	_, wasRoot := e.roots[id]
	e.undoMu.Unlock()

	start := e.stageStart()
	tree, err := e.detachUndo(id)
	if err != nil {
		return 0, err
	}

	var nodes []*UndoEntry
	tree.walk(func(n *UndoEntry) { nodes = append(nodes, n) })

	now := e.now()
	var confirmed []*UndoEntry
	err = withTx(ctx, e.DB, func(tx *sql.Tx) error {
		for _, n := range nodes {
			rec := n.OriginalData.Clone()
			rec.ID = n.ID
			rec.IsDeleted = false
			rec.DeletedAt = nil
			rec.SyncStatus = StatusPending
			rec.UpdatedAt = now
			restored, err := e.store.put(ctx, tx, n.EntityType, rec)
			if err != nil {
				return err
			}
			if _, err := e.queue.cancelForEntity(ctx, tx, n.EntityType, n.ID, ActionDelete); err != nil {
				return err
			}
			switch {
			case n.Temporary:
				_, err = e.queue.enqueue(ctx, tx, n.EntityType, n.ID, ActionCreate, restored)
			case n.remoteConfirmed():
				confirmed = append(confirmed, n)
			default:
				_, err = e.queue.enqueue(ctx, tx, n.EntityType, n.ID, ActionUpdate, restored)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.reattachUndo(tree, wasRoot)
		e.observeStage(ctx, MetricsOpUndo, MetricsStageApply, start, len(nodes), true)
		return 0, err
	}

	for _, n := range confirmed {
		e.restoreRemote(ctx, n)
	}

	e.observeStage(ctx, MetricsOpUndo, MetricsStageTotal, start, len(nodes), false)
	e.logger.Info("Undid delete", "entity", tree.EntityType, "id", id, "restored", len(nodes))
	return len(nodes), nil
}

// restoreRemote reverts a confirmed remote delete. On any failure the record
// is queued as an update, which carries is_deleted=false.
func (e *Engine) restoreRemote(ctx context.Context, n *UndoEntry) {
	if e.Online() {
		ent, err := e.entity(n.EntityType)
		if err == nil {
			err = e.Remote.Restore(context.WithoutCancel(ctx), ent.remoteTable(), n.ID)
		}
		if err == nil {
			if err := e.store.UpdateSyncStatus(ctx, n.EntityType, n.ID, StatusSynced); err != nil {
				e.logger.Warn("Failed to mark restored record synced", "entity", n.EntityType, "id", n.ID, "error", err)
			}
			return
		}
		e.logger.Info("Remote restore failed, queued update", "entity", n.EntityType, "id", n.ID, "error", err)
	}
	rec, err := e.store.Get(ctx, n.EntityType, n.ID)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err == nil {
		_, err = e.queue.Enqueue(ctx, n.EntityType, n.ID, ActionUpdate, rec)
	}
	if err != nil {
		e.logger.Error("Failed to queue restore", "entity", n.EntityType, "id", n.ID, "error", err)
	}
}
