// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package memremote is an in-memory remote.Remote used by tests and local demos.
package memremote

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
)

const (
	OpInsert     = "insert"
	OpFetch      = "fetch"
	OpUpdate     = "update"
	OpSoftDelete = "soft_delete"
	OpRestore    = "restore"
)

// FaultFunc may return an error to fail a call before it touches state.
type FaultFunc func(op, table, id string) error

// Remote keeps rows per table in memory.
type Remote struct {
	mu     sync.Mutex
	tables map[string]map[string]remote.Row
	// unique lists extra columns per table that must be unique across live rows.
	unique map[string][]string
	calls  map[string]int
	fault  FaultFunc
	now    func() time.Time
	newID  func() string
}

// New creates an empty in-memory remote.
func New() *Remote {
	return &Remote{
		tables: make(map[string]map[string]remote.Row),
		unique: make(map[string][]string),
		calls:  make(map[string]int),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// SetFault installs a fault hook. Pass nil to clear.
func (m *Remote) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// SetClock overrides the clock used for server-side timestamps.
func (m *Remote) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetIDGenerator overrides remote id assignment.
func (m *Remote) SetIDGenerator(gen func() string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newID = gen
}

// SetUnique declares columns of table that must be unique.
func (m *Remote) SetUnique(table string, columns ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unique[table] = columns
}

// Calls returns how many times op was invoked.
func (m *Remote) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Seed stores row directly, bypassing faults and counters.
func (m *Remote) Seed(table string, row remote.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(table)[row.ID()] = row.Clone()
}

// Row returns a copy of the stored row, or nil.
func (m *Remote) Row(table, id string) remote.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	if !ok {
		return nil
	}
	return row.Clone()
}

// Rows returns copies of all rows in table.
func (m *Remote) Rows(table string) []remote.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]remote.Row, 0, len(m.tables[table]))
	for _, row := range m.tables[table] {
		out = append(out, row.Clone())
	}
	return out
}

// Drop removes a row entirely, simulating a remote that never had it.
func (m *Remote) Drop(table, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables[table], id)
}

func (m *Remote) table(name string) map[string]remote.Row {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string]remote.Row)
		m.tables[name] = t
	}
	return t
}

func (m *Remote) enter(ctx context.Context, op, table, id string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fault != nil {
		return m.fault(op, table, id)
	}
	return nil
}

func (m *Remote) Insert(ctx context.Context, table string, row remote.Row) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpInsert, table, row.ID()); err != nil {
		return "", err
	}

	t := m.table(table)
	id := row.ID()
	if id != "" {
		if _, exists := t[id]; exists {
			return "", remote.ErrUniqueViolation
		}
	}
	for _, col := range m.unique[table] {
		val, ok := row[col]
		if !ok || val == nil {
			continue
		}
		for _, existing := range t {
			if existing[col] == val {
				return "", remote.ErrUniqueViolation
			}
		}
	}
	if id == "" {
		id = m.newID()
	}

	stored := row.Clone()
	stored["id"] = id
	now := m.now().UTC()
	if _, ok := stored["created_at"]; !ok {
		stored["created_at"] = now.Format(time.RFC3339Nano)
	}
	if remote.ParseTime(stored["updated_at"]).IsZero() {
		stored["updated_at"] = now.Format(time.RFC3339Nano)
	}
	t[id] = stored
	return id, nil
}

func (m *Remote) Fetch(ctx context.Context, table, id string) (remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpFetch, table, id); err != nil {
		return nil, err
	}
	row, ok := m.tables[table][id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return row.Clone(), nil
}

func (m *Remote) Update(ctx context.Context, table, id string, row remote.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpUpdate, table, id); err != nil {
		return err
	}
	existing, ok := m.tables[table][id]
	if !ok {
		return remote.ErrNotFound
	}
	for k, v := range row {
		if k == "id" || k == "created_at" {
			continue
		}
		existing[k] = v
	}
	if remote.ParseTime(row["updated_at"]).IsZero() {
		existing["updated_at"] = m.now().UTC().Format(time.RFC3339Nano)
	}
	return nil
}

func (m *Remote) SoftDelete(ctx context.Context, table, id string, deletedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpSoftDelete, table, id); err != nil {
		return err
	}
	existing, ok := m.tables[table][id]
	if !ok {
		return remote.ErrNotFound
	}
	existing["is_deleted"] = true
	existing["deleted_at"] = deletedAt.UTC().Format(time.RFC3339Nano)
	return nil
}

func (m *Remote) Restore(ctx context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpRestore, table, id); err != nil {
		return err
	}
	existing, ok := m.tables[table][id]
	if !ok {
		return remote.ErrNotFound
	}
	existing["is_deleted"] = false
	existing["deleted_at"] = nil
	existing["updated_at"] = m.now().UTC().Format(time.RFC3339Nano)
	return nil
}

var _ remote.Remote = (*Remote)(nil)
