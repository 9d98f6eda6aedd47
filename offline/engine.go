// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offline implements the offline-first sync engine: a SQLite record
// store, a durable mutation queue with retry and backoff, temporary id
// reconciliation, cascading soft deletes with undo, and the driver that
// drains the queue against a remote.Remote.
package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
)

// Engine owns the local store, the mutation queue and the id map, and drives
// synchronization with the remote.
type Engine struct {
	DB     *sql.DB
	Remote remote.Remote

	store  *Store
	queue  *Queue
	ids    *IDMap
	config *Config
	logger *slog.Logger

	entities map[string]EntityType

	online int32
	closed int32
	flight singleflight.Group
	kick   chan struct{}

	undoMu sync.Mutex
	undo   map[string]*UndoEntry // every node of every cached tree, by record id
	roots  map[string]*UndoEntry
}

// NewEngine prepares db (schema, crash recovery, id map) and returns an
// engine that starts online.
func NewEngine(ctx context.Context, db *sql.DB, rem remote.Remote, config *Config) (*Engine, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if rem == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := initializeDatabase(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	e := &Engine{
		DB:       db,
		Remote:   rem,
		store:    NewStore(db, cfg.Entities, cfg.Now),
		queue:    NewQueue(db, cfg),
		ids:      NewIDMap(db, cfg.Now),
		config:   cfg,
		logger:   slog.Default(),
		entities: make(map[string]EntityType, len(cfg.Entities)),
		online:   1,
		kick:     make(chan struct{}, 1),
		undo:     make(map[string]*UndoEntry),
		roots:    make(map[string]*UndoEntry),
	}
	for _, ent := range cfg.Entities {
		e.entities[ent.Name] = ent
	}

	if err := e.ids.Load(ctx); err != nil {
		return nil, err
	}
	reset, err := e.queue.ResetInFlight(ctx)
	if err != nil {
		return nil, err
	}
	if reset > 0 {
		e.logger.Warn("Reset queue entries interrupted mid-sync", "count", reset)
	}
	return e, nil
}

// SetLogger replaces the engine logger.
func (e *Engine) SetLogger(l *slog.Logger) {
	if l != nil {
		e.logger = l
	}
}

func (e *Engine) Store() *Store   { return e.store }
func (e *Engine) Queue() *Queue   { return e.queue }
func (e *Engine) IDs() *IDMap     { return e.ids }
func (e *Engine) Config() *Config { return e.config }

func (e *Engine) now() time.Time { return e.config.Now().UTC() }

// Online reports the last connectivity state given to SetOnline.
func (e *Engine) Online() bool { return atomic.LoadInt32(&e.online) == 1 }

// SetOnline records a connectivity change. Going online wakes the loop
// started by Start so it flushes right away.
func (e *Engine) SetOnline(online bool) {
	var v int32
	if online {
		v = 1
	}
	prev := atomic.SwapInt32(&e.online, v)
	if online && prev == 0 {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

// Start runs the background flush loop until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	go e.loop(ctx)
}

func (e *Engine) loop(ctx context.Context) {
	var tick <-chan time.Time
	if e.config.SyncInterval > 0 {
		ticker := time.NewTicker(e.config.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-e.kick:
		}
		if !e.Online() || atomic.LoadInt32(&e.closed) == 1 {
			continue
		}
		summary, err := e.Flush(ctx)
		if err != nil {
			if !errors.Is(err, ErrOffline) && !errors.Is(err, context.Canceled) {
				e.logger.Error("Background flush failed", "error", err)
			}
			continue
		}
		if summary.Total > 0 {
			e.logger.Info("Background flush finished",
				"total", summary.Total,
				"synced", summary.Synced,
				"failed", summary.Failed,
				"conflicts", summary.Conflicts)
		}
	}
}

// Close stops accepting flushes. The database handle is owned by the caller.
func (e *Engine) Close() error {
	atomic.StoreInt32(&e.closed, 1)
	return nil
}

func (e *Engine) entity(name string) (EntityType, error) {
	ent, ok := e.entities[name]
	if !ok {
		return EntityType{}, fmt.Errorf("%w: %q", ErrUnknownEntity, name)
	}
	return ent, nil
}

// Create stores a new record and queues its creation. Records without an id
// get a temporary one.
func (e *Engine) Create(ctx context.Context, entity string, rec *Record) (*Record, error) {
	if _, err := e.entity(entity); err != nil {
		return nil, err
	}
	in := rec.Clone()
	if in.ID == "" {
		in.ID = NewTempID()
	}
	if in.OwnerID == "" {
		in.OwnerID = e.config.OwnerID
	}
	if in.CreatedBy == "" {
		in.CreatedBy = e.config.ActorID
	}
	now := e.now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = now
	}
	in.SyncStatus = StatusPending
	in.IsDeleted = false
	in.DeletedAt = nil

	var out *Record
	err := withTx(ctx, e.DB, func(tx *sql.Tx) error {
		var err error
		if out, err = e.store.put(ctx, tx, entity, in); err != nil {
			return err
		}
		_, err = e.queue.enqueue(ctx, tx, entity, out.ID, ActionCreate, out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update stores a changed record and queues the update. The record must exist
// and not be soft-deleted. A temporary id that was already reconciled
// addresses the record under its remote id.
func (e *Engine) Update(ctx context.Context, entity string, rec *Record) (*Record, error) {
	if _, err := e.entity(entity); err != nil {
		return nil, err
	}
	id := e.localID(ctx, entity, rec.ID)
	var out *Record
	err := withTx(ctx, e.DB, func(tx *sql.Tx) error {
		existing, err := e.store.get(ctx, tx, entity, id)
		if err != nil {
			return err
		}
		if existing.IsDeleted {
			return fmt.Errorf("%w: %s/%s is deleted", ErrNotFound, entity, id)
		}
		in := rec.Clone()
		in.ID = id
		in.UpdatedAt = e.now()
		in.SyncStatus = StatusPending
		in.IsDeleted = false
		in.DeletedAt = nil
		if in.OwnerID == "" {
			in.OwnerID = existing.OwnerID
		}
		if out, err = e.store.put(ctx, tx, entity, in); err != nil {
			return err
		}
		// A record whose create is still queued only needs that create refreshed.
		action := ActionUpdate
		if pending, err := e.queue.query(ctx, tx, `entity_type = ? AND entity_id = ? AND action = ? AND status = ?`,
			entity, out.ID, string(ActionCreate), string(EntryPending)); err != nil {
			return err
		} else if len(pending) > 0 {
			action = ActionCreate
		}
		_, err = e.queue.enqueue(ctx, tx, entity, out.ID, action, out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a record from the local store.
func (e *Engine) Get(ctx context.Context, entity, id string) (*Record, error) {
	return e.store.Get(ctx, entity, e.localID(ctx, entity, id))
}

// localID maps a temporary id to its remote id once the record was rekeyed.
func (e *Engine) localID(ctx context.Context, entity, id string) string {
	if !IsTemporary(id) {
		return id
	}
	resolved, ok := e.ids.Resolve(id)
	if !ok {
		return id
	}
	if _, err := e.store.Get(ctx, entity, id); err == nil {
		return id
	}
	return resolved
}

// RetryFailed makes exhausted queue entries eligible again and flips their
// records back to pending.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	entries, err := e.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	for _, en := range entries {
		if err := e.store.UpdateSyncStatus(ctx, en.EntityType, en.EntityID, StatusPending); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// Discard drops a queue entry the user gave up on. The local record keeps
// its current content and is marked with an error status.
func (e *Engine) Discard(ctx context.Context, entryID string) error {
	en, err := e.queue.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if err := e.queue.Remove(ctx, entryID); err != nil {
		return err
	}
	return e.store.UpdateSyncStatus(ctx, en.EntityType, en.EntityID, StatusError)
}
