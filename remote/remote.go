// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remote defines the contract between the offline engine and the
// hosted backend that owns the authoritative copy of every record.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the addressed row does not exist remotely.
	ErrNotFound = errors.New("remote: not found")
	// ErrUniqueViolation is returned when an insert collides with an existing row.
	ErrUniqueViolation = errors.New("remote: unique violation")
	// ErrTransient marks failures worth retrying (network, timeouts, lock contention).
	ErrTransient = errors.New("remote: transient failure")
)

// Row is a record as seen by the remote system. Rows always carry "id" and,
// once stored, "updated_at".
type Row map[string]any

// Remote is the minimal surface the sync driver needs from a backend.
type Remote interface {
	// Insert stores row in table and returns the identifier the remote assigned.
	Insert(ctx context.Context, table string, row Row) (string, error)
	// Fetch returns the row with id or ErrNotFound.
	Fetch(ctx context.Context, table, id string) (Row, error)
	// Update overwrites the mutable fields of the row with id.
	Update(ctx context.Context, table, id string, row Row) error
	// SoftDelete flags the row as deleted. Deleting an already deleted row succeeds.
	SoftDelete(ctx context.Context, table, id string, deletedAt time.Time) error
	// Restore clears a prior soft delete.
	Restore(ctx context.Context, table, id string) error
}

// ID returns the row identifier as a string.
func (r Row) ID() string {
	if r == nil {
		return ""
	}
	switch v := r["id"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// UpdatedAt returns the row's updated_at timestamp. Missing or unparsable
// values yield the zero time.
func (r Row) UpdatedAt() time.Time {
	return ParseTime(r["updated_at"])
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ParseTime accepts time.Time, RFC3339 strings and unix milliseconds.
func ParseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t == nil {
			return time.Time{}
		}
		return *t
	case string:
		if t == "" {
			return time.Time{}
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	case int64:
		return time.UnixMilli(t)
	case float64:
		return time.UnixMilli(int64(t))
	}
	return time.Time{}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
