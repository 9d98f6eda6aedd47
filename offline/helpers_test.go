// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote/memremote"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func retailEntities() []EntityType {
	return []EntityType{
		{Name: "products"},
		{Name: "sales"},
		{Name: "sale_items"},
		{Name: "credits"},
		{Name: "credit_payments"},
	}
}

func retailCascade() CascadeTable {
	return CascadeTable{
		"sales":   {{Child: "sale_items", ForeignKey: "sale_id"}},
		"credits": {{Child: "credit_payments", ForeignKey: "credit_id"}},
	}
}

type testEnv struct {
	ctx    context.Context
	engine *Engine
	remote *memremote.Remote
	clock  *fakeClock
	db     *sql.DB
}

func openTestDB(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// sequentialIDs hands out srv-1, srv-2, ...
func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("srv-%d", n)
	}
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWithDB(t, openTestDB(t, ":memory:"), memremote.New(), opts...)
}

func newTestEnvWithDB(t *testing.T, db *sql.DB, rem *memremote.Remote, opts ...func(*Config)) *testEnv {
	t.Helper()
	clock := newFakeClock()
	rem.SetClock(clock.Now)
	rem.SetIDGenerator(sequentialIDs())

	cfg := DefaultConfig(retailEntities(), retailCascade())
	cfg.Now = clock.Now
	cfg.NotFoundRecheckDelay = 0
	cfg.SyncInterval = 0
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()
	e, err := NewEngine(ctx, db, rem, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return &testEnv{ctx: ctx, engine: e, remote: rem, clock: clock, db: db}
}

func (env *testEnv) create(t *testing.T, entity string, fields map[string]any) *Record {
	t.Helper()
	rec, err := env.engine.Create(env.ctx, entity, &Record{Fields: fields})
	require.NoError(t, err)
	return rec
}

func (env *testEnv) flush(t *testing.T) *FlushSummary {
	t.Helper()
	summary, err := env.engine.Flush(env.ctx)
	require.NoError(t, err)
	return summary
}

func (env *testEnv) queueLen(t *testing.T) int {
	t.Helper()
	entries, err := env.engine.Queue().List(env.ctx)
	require.NoError(t, err)
	return len(entries)
}
