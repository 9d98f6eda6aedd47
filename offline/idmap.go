// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
)

// IDMap records which remote identifier each temporary identifier resolved to.
// The in-memory map is the source of truth once Load has run; every Register
// is written through to id_reconciliation_map first.
type IDMap struct {
	db  *sql.DB
	now func() time.Time

	mu sync.RWMutex
	m  map[string]string
}

func NewIDMap(db *sql.DB, now func() time.Time) *IDMap {
	if now == nil {
		now = time.Now
	}
	return &IDMap{db: db, now: now, m: make(map[string]string)}
}

// Load replaces the in-memory map with the persisted mappings.
func (m *IDMap) Load(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `SELECT temp_id, remote_id FROM id_reconciliation_map`)
	if err != nil {
		return fmt.Errorf("failed to load id map: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]string)
	for rows.Next() {
		var tempID, remoteID string
		if err := rows.Scan(&tempID, &remoteID); err != nil {
			return fmt.Errorf("failed to scan id map: %w", err)
		}
		loaded[tempID] = remoteID
	}
	if err := rows.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.m = loaded
	m.mu.Unlock()
	return nil
}

// Register stores tempID → remoteID. Mappings are append-only: registering an
// already known tempID keeps the first remote id.
func (m *IDMap) Register(ctx context.Context, tempID, remoteID string) error {
	if tempID == "" || remoteID == "" {
		return fmt.Errorf("temp and remote ids are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.m[tempID]; ok {
		return nil
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO id_reconciliation_map (temp_id, remote_id, created_at) VALUES (?, ?, ?)`,
		tempID, remoteID, toNanos(m.now()))
	if err != nil {
		return fmt.Errorf("failed to persist id mapping %s: %w", tempID, err)
	}
	m.m[tempID] = remoteID
	return nil
}

// Resolve returns the remote id registered for tempID.
func (m *IDMap) Resolve(tempID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.m[tempID]
	return id, ok
}

// ResolveID maps temporary ids to their remote id and returns every other id unchanged.
func (m *IDMap) ResolveID(id string) string {
	if !IsTemporary(id) {
		return id
	}
	if resolved, ok := m.Resolve(id); ok {
		return resolved
	}
	return id
}

func (m *IDMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// isReferenceField reports whether a payload key holds an identifier.
func isReferenceField(key string) bool {
	return key == FieldID || strings.HasSuffix(key, "_id")
}

// cleanRow rewrites temporary identifiers in reference fields to their remote
// ids. It returns the reference fields that still point at unresolved ids.
func (m *IDMap) cleanRow(row map[string]any) []string {
	var unresolved []string
	for k, v := range row {
		if !isReferenceField(k) {
			continue
		}
		s, ok := v.(string)
		if !ok || !IsTemporary(s) {
			continue
		}
		if resolved, ok := m.Resolve(s); ok {
			row[k] = resolved
			continue
		}
		unresolved = append(unresolved, k)
	}
	return unresolved
}
