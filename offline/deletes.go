// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
)

// DeleteResult describes a completed SoftDeleteRecord call.
type DeleteResult struct {
	EntityType string
	ID         string
	// Deleted counts the record and every dependent soft-deleted with it.
	Deleted int
	// RemoteConfirmed is true when the remote already acknowledged the
	// deletion of the whole cascade.
	RemoteConfirmed bool
	Undo            *UndoEntry
}

// Orphan is a live child that still references a deleted parent.
type Orphan struct {
	ParentType string
	ParentID   string
	ChildType  string
	ChildID    string
	ForeignKey string
}

type deleteNode struct {
	entity    string
	rec       *Record
	children  []*deleteNode
	temporary bool
	undo      *UndoEntry
}

// planCascade walks the cascade graph from root with an explicit stack and
// returns the nodes children-first. Reaching a record that is already on the
// current path is reported as ErrCascadeCycle.
func (e *Engine) planCascade(ctx context.Context, entity string, root *Record) (*deleteNode, []*deleteNode, error) {
	type frame struct {
		node     *deleteNode
		expanded bool
	}
	key := func(entity, id string) string { return entity + "/" + id }

	rootNode := &deleteNode{entity: entity, rec: root}
	onPath := make(map[string]bool)
	done := make(map[string]bool)
	var order []*deleteNode

	stack := []frame{{node: rootNode}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		k := key(top.node.entity, top.node.rec.ID)

		if top.expanded {
			delete(onPath, k)
			done[k] = true
			order = append(order, top.node)
			continue
		}
		if done[k] {
			continue
		}

		onPath[k] = true
		stack = append(stack, frame{node: top.node, expanded: true})
		for _, rel := range e.config.Cascade[top.node.entity] {
			children, err := e.store.ListByIndex(ctx, rel.Child, rel.ForeignKey, top.node.rec.ID)
			if err != nil {
				return nil, nil, err
			}
			for _, child := range children {
				ck := key(rel.Child, child.ID)
				if onPath[ck] {
					return nil, nil, fmt.Errorf("%w: %s references %s", ErrCascadeCycle, ck, k)
				}
				if done[ck] {
					continue
				}
				cn := &deleteNode{entity: rel.Child, rec: child}
				top.node.children = append(top.node.children, cn)
				stack = append(stack, frame{node: cn})
			}
		}
	}
	return rootNode, order, nil
}

// SoftDeleteRecord soft-deletes a record and all of its dependents. Records
// that never reached the remote have their queued create cancelled; the rest
// get a queued delete, attempted immediately when online. Nothing is modified
// if the delete guard rejects any record of the cascade.
func (e *Engine) SoftDeleteRecord(ctx context.Context, entity, id string) (*DeleteResult, error) {
	if _, err := e.entity(entity); err != nil {
		return nil, err
	}
	id = e.localID(ctx, entity, id)
	root, err := e.store.Get(ctx, entity, id)
	if err != nil {
		return nil, err
	}
	if root.IsDeleted {
		return nil, fmt.Errorf("%w: %s/%s is already deleted", ErrNotFound, entity, id)
	}

	planStart := e.stageStart()
	rootNode, nodes, err := e.planCascade(ctx, entity, root)
	e.observeStage(ctx, MetricsOpDelete, MetricsStagePlan, planStart, len(nodes), err != nil)
	if err != nil {
		return nil, err
	}

	if guard := e.config.DeleteGuard; guard != nil {
		for _, n := range nodes {
			if err := guard(ctx, n.entity, n.rec); err != nil {
				return nil, fmt.Errorf("delete of %s/%s rejected: %w", n.entity, n.rec.ID, err)
			}
		}
	}

	deletedAt := e.now()
	applyStart := e.stageStart()
	err = withTx(ctx, e.DB, func(tx *sql.Tx) error {
		for _, n := range nodes {
			_, resolved := e.ids.Resolve(n.rec.ID)
			n.temporary = IsTemporary(n.rec.ID) && !resolved
			n.undo = &UndoEntry{
				ID:           n.rec.ID,
				EntityType:   n.entity,
				OriginalData: n.rec.Clone(),
				DeletedAt:    deletedAt,
				Status:       EntryPending,
				Temporary:    n.temporary,
			}
			for _, c := range n.children {
				if c.undo != nil {
					n.undo.Children = append(n.undo.Children, c.undo)
				}
			}

			if err := e.store.softDelete(ctx, tx, n.entity, n.rec.ID, deletedAt); err != nil {
				return err
			}
			if n.temporary {
				if _, err := e.queue.cancelForEntity(ctx, tx, n.entity, n.rec.ID, ActionCreate, ActionUpdate); err != nil {
					return err
				}
				n.undo.Status = EntrySynced
				continue
			}
			deleted, err := e.store.get(ctx, tx, n.entity, n.rec.ID)
			if err != nil {
				return err
			}
			if _, err := e.queue.enqueue(ctx, tx, n.entity, n.rec.ID, ActionDelete, deleted); err != nil {
				return err
			}
		}
		return nil
	})
	e.observeStage(ctx, MetricsOpDelete, MetricsStageApply, applyStart, len(nodes), err != nil)
	if err != nil {
		return nil, err
	}

	e.cacheUndo(rootNode.undo)
	e.logger.Info("Soft-deleted record",
		"entity", entity, "id", id, "cascade", len(nodes)-1, "temporary", rootNode.temporary)

	result := &DeleteResult{EntityType: entity, ID: id, Deleted: len(nodes)}
	if e.Online() {
		result.RemoteConfirmed = e.deleteNow(ctx, nodes)
	}
	result.Undo = e.UndoEntry(id)
	return result, nil
}

// deleteNow pushes the queued deletes of a cascade, children first. It stops
// at the first failure and leaves the remaining entries for the next flush.
func (e *Engine) deleteNow(ctx context.Context, nodes []*deleteNode) bool {
	remoteStart := e.stageStart()
	attempted := 0
	ok := true
	for _, n := range nodes {
		if n.temporary {
			continue
		}
		attempted++
		entries, err := e.queue.ForEntity(ctx, n.entity, n.rec.ID)
		if err != nil {
			ok = false
			break
		}
		res, err := e.deleteRemote(ctx, n.entity, n.rec.ID, n.undo.DeletedAt)
		if err != nil {
			e.logger.Info("Immediate remote delete failed, left queued",
				"entity", n.entity, "id", n.rec.ID, "error", err)
			ok = false
			break
		}
		if res == outcomeSynced || res == outcomeCancelled {
			for _, en := range entries {
				if en.Action == ActionDelete {
					if err := e.queue.Remove(ctx, en.ID); err != nil {
						e.logger.Error("Failed to remove settled delete", "entry", en.ID, "error", err)
					}
				}
			}
		}
	}
	e.observeStage(ctx, MetricsOpDelete, MetricsStageRemote, remoteStart, attempted, !ok)
	return ok
}

// deleteRemote soft-deletes id remotely and purges the local tombstone.
// A temporary id that never resolved is cancelled without a remote call.
func (e *Engine) deleteRemote(ctx context.Context, entity, entityID string, deletedAt time.Time) (outcome, error) {
	ent, err := e.entity(entity)
	if err != nil {
		return outcomeFailed, err
	}
	id := e.ids.ResolveID(entityID)
	if IsTemporary(id) {
		e.logger.Debug("Delete of never-synced record cancelled", "entity", entity, "id", entityID)
		if err := e.store.HardDelete(ctx, entity, entityID); err != nil {
			return outcomeFailed, err
		}
		return outcomeCancelled, nil
	}

	err = e.Remote.SoftDelete(ctx, ent.remoteTable(), id, deletedAt)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return outcomeFailed, err
	}
	if err := e.store.HardDelete(ctx, entity, id); err != nil {
		return outcomeFailed, err
	}
	if id != entityID {
		if err := e.store.HardDelete(ctx, entity, entityID); err != nil {
			return outcomeFailed, err
		}
	}
	e.markUndoConfirmed(id)
	return outcomeSynced, nil
}

// ProcessPendingDeletes sweeps soft-deleted records that have no queue entry
// left, e.g. because the entry was lost, and finishes their deletion. It
// returns how many records were purged.
func (e *Engine) ProcessPendingDeletes(ctx context.Context) (int, error) {
	swept := 0
	for _, ent := range e.config.Entities {
		recs, err := e.store.ListPendingDeletes(ctx, ent.Name)
		if err != nil {
			return swept, err
		}
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return swept, err
			}
			entries, err := e.queue.ForEntity(ctx, ent.Name, rec.ID)
			if err != nil {
				return swept, err
			}
			if len(entries) > 0 {
				continue
			}
			if _, resolved := e.ids.Resolve(rec.ID); IsTemporary(rec.ID) && !resolved {
				if err := e.store.HardDelete(ctx, ent.Name, rec.ID); err != nil {
					return swept, err
				}
				swept++
				continue
			}
			if !e.Online() {
				continue
			}
			deletedAt := e.now()
			if rec.DeletedAt != nil {
				deletedAt = *rec.DeletedAt
			}
			if _, err := e.deleteRemote(context.WithoutCancel(ctx), ent.Name, rec.ID, deletedAt); err != nil {
				e.logger.Warn("Pending delete sweep failed for record",
					"entity", ent.Name, "id", rec.ID, "error", err)
				continue
			}
			swept++
		}
	}
	return swept, nil
}

// VerifyNoOrphans reports live records that still reference entity/id, or any
// of its deleted descendants, through the cascade table. A live parent has
// no orphans by definition.
func (e *Engine) VerifyNoOrphans(ctx context.Context, entity, id string) ([]Orphan, error) {
	if _, err := e.entity(entity); err != nil {
		return nil, err
	}
	id = e.localID(ctx, entity, id)
	parent, err := e.store.Get(ctx, entity, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if parent != nil && !parent.IsDeleted {
		return nil, nil
	}

	type item struct{ entity, id string }
	visited := map[item]bool{{entity, id}: true}
	work := []item{{entity, id}}
	var orphans []Orphan
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]
		for _, rel := range e.config.Cascade[cur.entity] {
			children, err := e.store.ListByIndexIncludingDeleted(ctx, rel.Child, rel.ForeignKey, cur.id)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				if !child.IsDeleted {
					orphans = append(orphans, Orphan{
						ParentType: cur.entity,
						ParentID:   cur.id,
						ChildType:  rel.Child,
						ChildID:    child.ID,
						ForeignKey: rel.ForeignKey,
					})
					continue
				}
				next := item{rel.Child, child.ID}
				if !visited[next] {
					visited[next] = true
					work = append(work, next)
				}
			}
		}
	}
	return orphans, nil
}
