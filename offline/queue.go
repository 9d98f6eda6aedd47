// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the kind of change a queue entry carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// priority orders creates before updates before deletes.
func (a Action) priority() int {
	switch a {
	case ActionCreate:
		return 1
	case ActionUpdate:
		return 2
	case ActionDelete:
		return 3
	default:
		return 4
	}
}

// EntryStatus is the lifecycle state of a queue entry.
type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntrySyncing EntryStatus = "syncing"
	EntrySynced  EntryStatus = "synced"
	EntryFailed  EntryStatus = "failed"
)

// Entry is one pending change in the mutation queue.
type Entry struct {
	ID          string
	EntityType  string
	EntityID    string
	Action      Action
	Payload     *Record
	Status      EntryStatus
	RetryCount  int
	MaxRetries  int
	NextRetryAt *time.Time
	LastError   string
	ServerID    string
	// PayloadUpdatedAt changes only when a new payload is enqueued. Status
	// transitions move UpdatedAt but never this.
	PayloadUpdatedAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time

	seq int64
}

// Exhausted reports whether the entry failed max_retries times and now waits
// for a manual retry.
func (e *Entry) Exhausted() bool {
	return e.Status == EntryFailed && e.RetryCount >= e.MaxRetries
}

// EntityKey identifies one record across entity types.
type EntityKey struct {
	EntityType string
	EntityID   string
}

func (k EntityKey) String() string { return k.EntityType + "/" + k.EntityID }

// QueueStats summarises the queue by status.
type QueueStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

// DedupResult describes what Deduplicate removed.
type DedupResult struct {
	// Cancelled lists entities whose create and delete both happened before
	// the remote ever saw them. All their entries were removed.
	Cancelled []EntityKey
	// Superseded counts older entries dropped in favour of the latest one.
	Superseded int
}

// Queue is the durable mutation log stored in mutation_queue.
type Queue struct {
	db          *sql.DB
	now         func() time.Time
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
}

func NewQueue(db *sql.DB, cfg *Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		db:          db,
		now:         cfg.Now,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
	}
}

// Backoff returns the delay applied after the n-th consecutive failure:
// min(2^n * base, max).
func (q *Queue) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := q.backoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= q.backoffMax || d <= 0 {
			return q.backoffMax
		}
	}
	if d > q.backoffMax {
		return q.backoffMax
	}
	return d
}

const entryColumns = `seq, id, entity_type, entity_id, action, payload, status, retry_count, max_retries,
	next_retry_at, last_error, server_id, payload_updated_at, created_at, updated_at`

func scanEntry(sc interface{ Scan(...any) error }) (*Entry, error) {
	var (
		e         Entry
		payload   string
		nextRetry sql.NullInt64
		lastErr   sql.NullString
		serverID  sql.NullString
		payloadAt int64
		created   int64
		updated   int64
	)
	if err := sc.Scan(&e.seq, &e.ID, &e.EntityType, &e.EntityID, &e.Action, &payload, &e.Status,
		&e.RetryCount, &e.MaxRetries, &nextRetry, &lastErr, &serverID, &payloadAt, &created, &updated); err != nil {
		return nil, err
	}
	if payload != "" && payload != "null" {
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode payload of entry %s: %w", e.ID, err)
		}
		e.Payload = rec
	}
	if nextRetry.Valid {
		t := fromNanos(nextRetry.Int64)
		e.NextRetryAt = &t
	}
	e.LastError = lastErr.String
	e.ServerID = serverID.String
	e.PayloadUpdatedAt = fromNanos(payloadAt)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return &e, nil
}

func (q *Queue) query(ctx context.Context, db dbtx, where string, args ...any) ([]*Entry, error) {
	rows, err := db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM mutation_queue WHERE %s ORDER BY seq`, entryColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutation queue: %w", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Enqueue records a change. A pending entry for the same entity and action
// absorbs the new payload instead of adding a second entry.
func (q *Queue) Enqueue(ctx context.Context, entity, id string, action Action, payload *Record) (*Entry, error) {
	var out *Entry
	err := withTx(ctx, q.db, func(tx *sql.Tx) error {
		var err error
		out, err = q.enqueue(ctx, tx, entity, id, action, payload)
		return err
	})
	return out, err
}

func (q *Queue) enqueue(ctx context.Context, db dbtx, entity, id string, action Action, payload *Record) (*Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	now := q.now().UTC()

	existing, err := q.query(ctx, db, `entity_type = ? AND entity_id = ? AND action = ? AND status = ?`,
		entity, id, string(action), string(EntryPending))
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		e := existing[len(existing)-1]
		if _, err := db.ExecContext(ctx, `UPDATE mutation_queue SET payload = ?, payload_updated_at = ?, updated_at = ? WHERE id = ?`,
			string(data), toNanos(now), toNanos(now), e.ID); err != nil {
			return nil, fmt.Errorf("failed to update entry %s: %w", e.ID, err)
		}
		e.Payload = payload.Clone()
		e.PayloadUpdatedAt = now
		e.UpdatedAt = now
		return e, nil
	}

	e := &Entry{
		ID:         uuid.NewString(),
		EntityType: entity,
		EntityID:   id,
		Action:     action,
		Payload:    payload.Clone(),
		Status:     EntryPending,
		MaxRetries: q.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,

		PayloadUpdatedAt: now,
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO mutation_queue (id, entity_type, entity_id, action, payload, status, retry_count, max_retries,
			payload_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		e.ID, entity, id, string(action), string(data), string(EntryPending), e.MaxRetries,
		toNanos(now), toNanos(now), toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s %s/%s: %w", action, entity, id, err)
	}
	e.seq, _ = res.LastInsertId()
	return e, nil
}

// PendingOrRetryable returns entries that may be dispatched at now.
func (q *Queue) PendingOrRetryable(ctx context.Context, now time.Time) ([]*Entry, error) {
	return q.query(ctx, q.db, `status = ? OR (status = ? AND retry_count < max_retries AND (next_retry_at IS NULL OR next_retry_at <= ?))`,
		string(EntryPending), string(EntryFailed), toNanos(now))
}

// Get returns one entry or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	row := q.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM mutation_queue WHERE id = ?`, entryColumns), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: queue entry %s", ErrNotFound, id)
	}
	return e, err
}

// MarkStatus moves an entry to status. Moving to EntryFailed increments
// retry_count and schedules next_retry_at with exponential backoff.
// Unknown ids are ignored.
func (q *Queue) MarkStatus(ctx context.Context, id string, status EntryStatus, cause error, serverID string) error {
	now := q.now().UTC()
	var lastErr any
	if cause != nil {
		lastErr = cause.Error()
	}
	var srv any
	if serverID != "" {
		srv = serverID
	}

	if status != EntryFailed {
		_, err := q.db.ExecContext(ctx, `
			UPDATE mutation_queue
			SET status = ?, last_error = COALESCE(?, last_error), server_id = COALESCE(?, server_id), updated_at = ?
			WHERE id = ?`, string(status), lastErr, srv, toNanos(now), id)
		if err != nil {
			return fmt.Errorf("failed to mark entry %s %s: %w", id, status, err)
		}
		return nil
	}

	return withTx(ctx, q.db, func(tx *sql.Tx) error {
		var retries int
		err := tx.QueryRowContext(ctx, `SELECT retry_count FROM mutation_queue WHERE id = ?`, id).Scan(&retries)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read entry %s: %w", id, err)
		}
		retries++
		next := now.Add(q.Backoff(retries))
		_, err = tx.ExecContext(ctx, `
			UPDATE mutation_queue
			SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?, server_id = COALESCE(?, server_id), updated_at = ?
			WHERE id = ?`, string(EntryFailed), retries, toNanos(next), lastErr, srv, toNanos(now), id)
		if err != nil {
			return fmt.Errorf("failed to mark entry %s failed: %w", id, err)
		}
		return nil
	})
}

// Remove deletes an entry. Unknown ids are ignored.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove entry %s: %w", id, err)
	}
	return nil
}

// ForEntity returns every entry for one record.
func (q *Queue) ForEntity(ctx context.Context, entity, id string) ([]*Entry, error) {
	return q.query(ctx, q.db, `entity_type = ? AND entity_id = ?`, entity, id)
}

// CancelForEntity removes the record's pending or failed entries with one of
// the given actions and returns how many were removed.
func (q *Queue) CancelForEntity(ctx context.Context, entity, id string, actions ...Action) (int64, error) {
	return q.cancelForEntity(ctx, q.db, entity, id, actions...)
}

func (q *Queue) cancelForEntity(ctx context.Context, db dbtx, entity, id string, actions ...Action) (int64, error) {
	if len(actions) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(actions)), ",")
	args := []any{entity, id, string(EntryPending), string(EntryFailed)}
	for _, a := range actions {
		args = append(args, string(a))
	}
	res, err := db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM mutation_queue
		WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?) AND action IN (%s)`, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel entries for %s/%s: %w", entity, id, err)
	}
	return res.RowsAffected()
}

// RekeyEntity points entries of a record at its new id after a create resolved.
func (q *Queue) RekeyEntity(ctx context.Context, entity, oldID, newID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE mutation_queue SET entity_id = ?, payload = json_set(payload, '$.id', ?)
		WHERE entity_type = ? AND entity_id = ?`, newID, newID, entity, oldID)
	if err != nil {
		return fmt.Errorf("failed to rekey entries for %s/%s: %w", entity, oldID, err)
	}
	return nil
}

// List returns all entries in insertion order.
func (q *Queue) List(ctx context.Context) ([]*Entry, error) {
	return q.query(ctx, q.db, `1 = 1`)
}

func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	entries, err := q.List(ctx)
	if err != nil {
		return st, err
	}
	for _, e := range entries {
		st.Total++
		switch e.Status {
		case EntryPending:
			st.Pending++
		case EntrySyncing:
			st.Syncing++
		case EntryFailed:
			st.Failed++
			if e.Exhausted() {
				st.Exhausted++
			}
		}
	}
	return st, nil
}

// RetryFailed makes exhausted entries eligible again and returns them.
func (q *Queue) RetryFailed(ctx context.Context) ([]*Entry, error) {
	var out []*Entry
	err := withTx(ctx, q.db, func(tx *sql.Tx) error {
		var err error
		out, err = q.query(ctx, tx, `status = ? AND retry_count >= max_retries`, string(EntryFailed))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE mutation_queue SET status = ?, retry_count = 0, next_retry_at = NULL, updated_at = ?
			WHERE status = ? AND retry_count >= max_retries`,
			string(EntryPending), toNanos(q.now().UTC()), string(EntryFailed))
		if err != nil {
			return fmt.Errorf("failed to reset failed entries: %w", err)
		}
		return nil
	})
	return out, err
}

// ResetInFlight returns entries left in syncing by an interrupted flush to pending.
func (q *Queue) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE mutation_queue SET status = ? WHERE status = ?`,
		string(EntryPending), string(EntrySyncing))
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight entries: %w", err)
	}
	return res.RowsAffected()
}

// Deduplicate collapses the queue to at most one entry per record. A record
// with both a create and a delete queued never reached the remote, so all of
// its entries are dropped. Otherwise the entry carrying the newest payload
// stays, whatever its status. A surviving update of a record never created
// remotely is dispatched as a create.
func (q *Queue) Deduplicate(ctx context.Context) (DedupResult, error) {
	var res DedupResult
	err := withTx(ctx, q.db, func(tx *sql.Tx) error {
		entries, err := q.query(ctx, tx, `status != ?`, string(EntrySyncing))
		if err != nil {
			return err
		}

		groups := make(map[EntityKey][]*Entry)
		var order []EntityKey
		for _, e := range entries {
			k := EntityKey{e.EntityType, e.EntityID}
			if _, ok := groups[k]; !ok {
				order = append(order, k)
			}
			groups[k] = append(groups[k], e)
		}

		var drop []string
		for _, k := range order {
			group := groups[k]
			if len(group) < 2 {
				continue
			}
			var hasCreate, hasDelete bool
			for _, e := range group {
				hasCreate = hasCreate || e.Action == ActionCreate
				hasDelete = hasDelete || e.Action == ActionDelete
			}
			if hasCreate && hasDelete {
				for _, e := range group {
					drop = append(drop, e.ID)
				}
				res.Cancelled = append(res.Cancelled, k)
				continue
			}
			latest := newestPayload(group)
			for _, e := range group {
				if e != latest {
					drop = append(drop, e.ID)
					res.Superseded++
				}
			}
		}

		for _, id := range drop {
			if _, err := tx.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to drop entry %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return DedupResult{}, err
	}
	return res, nil
}

// newestPayload picks the entry enqueued last. Ties go to the later insert.
func newestPayload(group []*Entry) *Entry {
	latest := group[0]
	for _, e := range group[1:] {
		if e.PayloadUpdatedAt.After(latest.PayloadUpdatedAt) ||
			(e.PayloadUpdatedAt.Equal(latest.PayloadUpdatedAt) && e.seq > latest.seq) {
			latest = e
		}
	}
	return latest
}

// SortEntries orders entries by action priority, then by creation time.
func SortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if pa, pb := a.Action.priority(), b.Action.priority(); pa != pb {
			return pa < pb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.seq < b.seq
	})
}
