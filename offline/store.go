// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store is the local record store: one SQLite table per entity type.
// Each row keeps the full record as JSON in data, with sync_status,
// is_deleted and local_updated_at mirrored into columns for indexing.
type Store struct {
	db       *sql.DB
	entities map[string]EntityType
	now      func() time.Time
}

// NewStore wraps db. The schema must already exist (see NewEngine).
func NewStore(db *sql.DB, entities []EntityType, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	m := make(map[string]EntityType, len(entities))
	for _, e := range entities {
		m[e.Name] = e
	}
	return &Store{db: db, entities: m, now: now}
}

func (s *Store) table(entity string) (string, error) {
	if _, ok := s.entities[entity]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	return quoteIdent(entity), nil
}

// Put upserts rec. It stamps local_updated_at, keeps the stored
// created_at/created_by when present and mints a temporary id when rec has none.
func (s *Store) Put(ctx context.Context, entity string, rec *Record) (*Record, error) {
	var out *Record
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		out, err = s.put(ctx, tx, entity, rec)
		return err
	})
	return out, err
}

func (s *Store) put(ctx context.Context, q dbtx, entity string, rec *Record) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	out := rec.Clone()
	if out.ID == "" {
		out.ID = NewTempID()
	}
	existing, err := s.get(ctx, q, entity, out.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := s.now().UTC()
	if existing != nil {
		if !existing.CreatedAt.IsZero() {
			out.CreatedAt = existing.CreatedAt
		}
		if existing.CreatedBy != "" {
			out.CreatedBy = existing.CreatedBy
		}
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	if out.SyncStatus == "" {
		out.SyncStatus = StatusPending
	}
	out.LocalUpdatedAt = now
	if err := s.write(ctx, q, entity, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Apply stores rec exactly as given, used for records pulled from the remote.
func (s *Store) Apply(ctx context.Context, entity string, rec *Record) error {
	out := rec.Clone()
	if out.LocalUpdatedAt.IsZero() {
		out.LocalUpdatedAt = s.now().UTC()
	}
	if out.SyncStatus == "" {
		out.SyncStatus = StatusSynced
	}
	return s.write(ctx, s.db, entity, out)
}

func (s *Store) write(ctx context.Context, q dbtx, entity string, rec *Record) error {
	t, err := s.table(entity)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", entity, rec.ID, err)
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, sync_status, is_deleted, local_updated_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sync_status = excluded.sync_status,
			is_deleted = excluded.is_deleted,
			local_updated_at = excluded.local_updated_at,
			data = excluded.data`, t),
		rec.ID, string(rec.SyncStatus), rec.IsDeleted, toNanos(rec.LocalUpdatedAt), string(data))
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", entity, rec.ID, err)
	}
	return nil
}

// Get returns the record or ErrNotFound. Soft-deleted records are returned.
func (s *Store) Get(ctx context.Context, entity, id string) (*Record, error) {
	return s.get(ctx, s.db, entity, id)
}

func (s *Store) get(ctx context.Context, q dbtx, entity, id string) (*Record, error) {
	t, err := s.table(entity)
	if err != nil {
		return nil, err
	}
	var data string
	err = q.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, t), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, entity, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", entity, id, err)
	}
	return decodeRecord(data)
}

// ListAll returns live records ordered by id.
func (s *Store) ListAll(ctx context.Context, entity string) ([]*Record, error) {
	return s.list(ctx, entity, `is_deleted = 0`)
}

// ListAllIncludingDeleted returns every record, soft-deleted ones included.
func (s *Store) ListAllIncludingDeleted(ctx context.Context, entity string) ([]*Record, error) {
	return s.list(ctx, entity, `1 = 1`)
}

// ListByIndex returns live records whose field equals value.
func (s *Store) ListByIndex(ctx context.Context, entity, field string, value any) ([]*Record, error) {
	if !validIdent(field) {
		return nil, fmt.Errorf("invalid index field %q", field)
	}
	return s.list(ctx, entity, fmt.Sprintf(`is_deleted = 0 AND json_extract(data, '$.%s') = ?`, field), value)
}

// ListByIndexIncludingDeleted is ListByIndex without the soft-delete filter.
func (s *Store) ListByIndexIncludingDeleted(ctx context.Context, entity, field string, value any) ([]*Record, error) {
	if !validIdent(field) {
		return nil, fmt.Errorf("invalid index field %q", field)
	}
	return s.list(ctx, entity, fmt.Sprintf(`json_extract(data, '$.%s') = ?`, field), value)
}

// ListPendingDeletes returns soft-deleted records whose deletion is not yet confirmed.
func (s *Store) ListPendingDeletes(ctx context.Context, entity string) ([]*Record, error) {
	return s.list(ctx, entity, `is_deleted = 1 AND sync_status = ?`, string(StatusPending))
}

// ListByStatus returns records, deleted or not, in the given sync status.
func (s *Store) ListByStatus(ctx context.Context, entity string, status SyncStatus) ([]*Record, error) {
	return s.list(ctx, entity, `sync_status = ?`, string(status))
}

func (s *Store) list(ctx context.Context, entity, where string, args ...any) ([]*Record, error) {
	t, err := s.table(entity)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE %s ORDER BY id`, t, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entity, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", entity, err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SoftDelete flags the record deleted and pending. Missing ids are a no-op.
func (s *Store) SoftDelete(ctx context.Context, entity, id string) error {
	return s.softDelete(ctx, s.db, entity, id, s.now().UTC())
}

func (s *Store) softDelete(ctx context.Context, q dbtx, entity, id string, at time.Time) error {
	rec, err := s.get(ctx, q, entity, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rec.IsDeleted = true
	rec.DeletedAt = &at
	rec.SyncStatus = StatusPending
	rec.LocalUpdatedAt = s.now().UTC()
	return s.write(ctx, q, entity, rec)
}

// HardDelete purges the record. Missing ids are a no-op.
func (s *Store) HardDelete(ctx context.Context, entity, id string) error {
	return s.hardDelete(ctx, s.db, entity, id)
}

func (s *Store) hardDelete(ctx context.Context, q dbtx, entity, id string) error {
	t, err := s.table(entity)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t), id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", entity, id, err)
	}
	return nil
}

// UpdateSyncStatus sets the record's sync status. Missing ids are a no-op.
func (s *Store) UpdateSyncStatus(ctx context.Context, entity, id string, status SyncStatus) error {
	t, err := s.table(entity)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET sync_status = ?, data = json_set(data, '$.sync_status', ?)
		WHERE id = ?`, t), string(status), string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update sync status of %s/%s: %w", entity, id, err)
	}
	return nil
}

// Rekey moves a record from oldID to newID in one transaction.
// A missing oldID is a no-op.
func (s *Store) Rekey(ctx context.Context, entity, oldID, newID string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		rec, err := s.get(ctx, tx, entity, oldID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.hardDelete(ctx, tx, entity, oldID); err != nil {
			return err
		}
		rec.ID = newID
		return s.write(ctx, tx, entity, rec)
	})
}

// RewriteForeignKey replaces field=oldValue with newValue across entity and
// returns how many records changed.
func (s *Store) RewriteForeignKey(ctx context.Context, entity, field, oldValue, newValue string) (int64, error) {
	t, err := s.table(entity)
	if err != nil {
		return 0, err
	}
	if !validIdent(field) {
		return 0, fmt.Errorf("invalid foreign key %q", field)
	}
	path := "$." + field
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET data = json_set(data, ?, ?)
		WHERE json_extract(data, '%s') = ?`, t, path), path, newValue, oldValue)
	if err != nil {
		return 0, fmt.Errorf("failed to rewrite %s.%s: %w", entity, field, err)
	}
	return res.RowsAffected()
}

// Counts returns the number of records per sync status, deleted rows included.
func (s *Store) Counts(ctx context.Context, entity string) (map[SyncStatus]int, error) {
	t, err := s.table(entity)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT sync_status, COUNT(*) FROM %s GROUP BY sync_status`, t))
	if err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", entity, err)
	}
	defer rows.Close()
	out := make(map[SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[SyncStatus(status)] = n
	}
	return out, rows.Err()
}

func decodeRecord(data string) (*Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
