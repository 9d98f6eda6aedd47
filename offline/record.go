// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
)

// SyncStatus is the per-record synchronization state kept in the local store.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusError   SyncStatus = "error"
)

// TempIDPrefix marks identifiers minted locally before the remote assigned one.
const TempIDPrefix = "temp_"

// Reserved record keys. Everything else lives in Record.Fields.
const (
	FieldID             = "id"
	FieldSyncStatus     = "sync_status"
	FieldCreatedAt      = "created_at"
	FieldUpdatedAt      = "updated_at"
	FieldLocalUpdatedAt = "local_updated_at"
	FieldIsDeleted      = "is_deleted"
	FieldDeletedAt      = "deleted_at"
	FieldOwnerID        = "owner_id"
	FieldCreatedBy      = "created_by"
)

var reservedFields = map[string]bool{
	FieldID:             true,
	FieldSyncStatus:     true,
	FieldCreatedAt:      true,
	FieldUpdatedAt:      true,
	FieldLocalUpdatedAt: true,
	FieldIsDeleted:      true,
	FieldDeletedAt:      true,
	FieldOwnerID:        true,
	FieldCreatedBy:      true,
}

// IsReservedField reports whether name is one of the record's own columns.
func IsReservedField(name string) bool { return reservedFields[name] }

// NewTempID mints a fresh temporary identifier.
func NewTempID() string { return TempIDPrefix + uuid.NewString() }

// IsTemporary reports whether id was minted locally and not yet reconciled.
func IsTemporary(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }

// Record is one entity instance in the local store.
type Record struct {
	ID             string
	SyncStatus     SyncStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LocalUpdatedAt time.Time
	IsDeleted      bool
	DeletedAt      *time.Time
	OwnerID        string
	CreatedBy      string
	// Fields holds entity-specific data, including foreign keys such as "sale_id".
	Fields map[string]any
}

// Clone returns a deep-enough copy: Fields is copied one level.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.DeletedAt != nil {
		d := *r.DeletedAt
		out.DeletedAt = &d
	}
	out.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return &out
}

// Set assigns an entity field.
func (r *Record) Set(key string, value any) *Record {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[key] = value
	return r
}

// Str returns a string field, or "" and false when missing or not a string.
func (r *Record) Str(key string) (string, bool) {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float64 returns a numeric field. Numeric strings are accepted.
func (r *Record) Float64(key string) (float64, bool) {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscan(t, &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Int64 returns an integer field. Floats are truncated.
func (r *Record) Int64(key string) (int64, bool) {
	f, ok := r.Float64(key)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Bool returns a boolean field. Accepts bools, 0/1 and "true"/"false".
func (r *Record) Bool(key string) (bool, bool) {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(t) {
		case "true", "1":
			return true, true
		case "false", "0":
			return false, true
		}
		return false, false
	}
	if f, ok := r.Float64(key); ok {
		return f != 0, true
	}
	return false, false
}

// Validate rejects records that carry reserved keys inside Fields.
func (r *Record) Validate() error {
	for k := range r.Fields {
		if reservedFields[k] {
			return fmt.Errorf("%w: %q", ErrReservedField, k)
		}
	}
	return nil
}

// MarshalJSON writes the record as one flat object.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+9)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[FieldID] = r.ID
	out[FieldSyncStatus] = r.SyncStatus
	out[FieldIsDeleted] = r.IsDeleted
	putTime(out, FieldCreatedAt, r.CreatedAt)
	putTime(out, FieldUpdatedAt, r.UpdatedAt)
	putTime(out, FieldLocalUpdatedAt, r.LocalUpdatedAt)
	if r.DeletedAt != nil {
		putTime(out, FieldDeletedAt, *r.DeletedAt)
	}
	if r.OwnerID != "" {
		out[FieldOwnerID] = r.OwnerID
	}
	if r.CreatedBy != "" {
		out[FieldCreatedBy] = r.CreatedBy
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the flat object form written by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse record: %w", err)
	}
	*r = *recordFromMap(m)
	return nil
}

// RecordFromRow converts a remote row into a local record. The sync status is
// left empty for the caller to decide.
func RecordFromRow(row remote.Row) *Record {
	return recordFromMap(row)
}

func recordFromMap(m map[string]any) *Record {
	rec := &Record{Fields: make(map[string]any)}
	for k, v := range m {
		switch k {
		case FieldID:
			rec.ID = remote.Row{"id": v}.ID()
		case FieldSyncStatus:
			if s, ok := v.(string); ok {
				rec.SyncStatus = SyncStatus(s)
			}
		case FieldCreatedAt:
			rec.CreatedAt = remote.ParseTime(v)
		case FieldUpdatedAt:
			rec.UpdatedAt = remote.ParseTime(v)
		case FieldLocalUpdatedAt:
			rec.LocalUpdatedAt = remote.ParseTime(v)
		case FieldIsDeleted:
			switch b := v.(type) {
			case bool:
				rec.IsDeleted = b
			case float64:
				rec.IsDeleted = b != 0
			}
		case FieldDeletedAt:
			if t := remote.ParseTime(v); !t.IsZero() {
				rec.DeletedAt = &t
			}
		case FieldOwnerID:
			if s, ok := v.(string); ok {
				rec.OwnerID = s
			}
		case FieldCreatedBy:
			if s, ok := v.(string); ok {
				rec.CreatedBy = s
			}
		default:
			rec.Fields[k] = v
		}
	}
	return rec
}

// ToRow returns the record in the shape sent to the remote. Local-only
// columns (sync_status, local_updated_at) are omitted.
func (r *Record) ToRow() remote.Row {
	row := make(remote.Row, len(r.Fields)+7)
	for k, v := range r.Fields {
		row[k] = v
	}
	if r.ID != "" {
		row[FieldID] = r.ID
	}
	if !r.CreatedAt.IsZero() {
		row[FieldCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !r.UpdatedAt.IsZero() {
		row[FieldUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	row[FieldIsDeleted] = r.IsDeleted
	if r.DeletedAt != nil {
		row[FieldDeletedAt] = r.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.OwnerID != "" {
		row[FieldOwnerID] = r.OwnerID
	}
	if r.CreatedBy != "" {
		row[FieldCreatedBy] = r.CreatedBy
	}
	return row
}

// EffectiveUpdatedAt is the timestamp used for last-write-wins: updated_at
// when set, otherwise local_updated_at.
func (r *Record) EffectiveUpdatedAt() time.Time {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.LocalUpdatedAt
}

func putTime(m map[string]any, key string, t time.Time) {
	if t.IsZero() {
		return
	}
	m[key] = t.UTC().Format(time.RFC3339Nano)
}
