// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutPreservesCreationFields(t *testing.T) {
	env := newTestEnv(t)
	s := env.engine.Store()

	first, err := s.Put(env.ctx, "products", &Record{
		ID:        "p1",
		CreatedBy: "alice",
		Fields:    map[string]any{"name": "Shirt"},
	})
	require.NoError(t, err)
	require.Equal(t, env.clock.Now(), first.CreatedAt)
	require.Equal(t, env.clock.Now(), first.LocalUpdatedAt)
	require.Equal(t, StatusPending, first.SyncStatus)

	env.clock.Advance(time.Minute)
	second, err := s.Put(env.ctx, "products", &Record{
		ID:        "p1",
		CreatedBy: "bob",
		CreatedAt: env.clock.Now(),
		Fields:    map[string]any{"name": "Shirt XL"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "alice", second.CreatedBy)
	assert.Equal(t, env.clock.Now(), second.LocalUpdatedAt)

	got, err := s.Get(env.ctx, "products", "p1")
	require.NoError(t, err)
	name, _ := got.Str("name")
	assert.Equal(t, "Shirt XL", name)
	assert.Equal(t, "alice", got.CreatedBy)
}

func TestStore_PutMintsTemporaryID(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.engine.Store().Put(env.ctx, "products", &Record{Fields: map[string]any{"name": "Cap"}})
	require.NoError(t, err)
	require.True(t, IsTemporary(rec.ID))
}

func TestStore_RejectsReservedFieldsAndUnknownEntities(t *testing.T) {
	env := newTestEnv(t)
	s := env.engine.Store()

	_, err := s.Put(env.ctx, "products", &Record{ID: "p1", Fields: map[string]any{"is_deleted": true}})
	require.ErrorIs(t, err, ErrReservedField)

	_, err = s.Put(env.ctx, "invoices", &Record{ID: "i1"})
	require.ErrorIs(t, err, ErrUnknownEntity)
}

func TestStore_MissingIDs(t *testing.T) {
	env := newTestEnv(t)
	s := env.engine.Store()

	_, err := s.Get(env.ctx, "products", "nope")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SoftDelete(env.ctx, "products", "nope"))
	require.NoError(t, s.HardDelete(env.ctx, "products", "nope"))
	require.NoError(t, s.UpdateSyncStatus(env.ctx, "products", "nope", StatusSynced))
	require.NoError(t, s.Rekey(env.ctx, "products", "nope", "other"))
}

func TestStore_SoftDeleteFiltering(t *testing.T) {
	env := newTestEnv(t)
	s := env.engine.Store()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Put(env.ctx, "products", &Record{ID: id, SyncStatus: StatusSynced})
		require.NoError(t, err)
	}
	require.NoError(t, s.SoftDelete(env.ctx, "products", "b"))

	live, err := s.ListAll(env.ctx, "products")
	require.NoError(t, err)
	require.Len(t, live, 2)

	all, err := s.ListAllIncludingDeleted(env.ctx, "products")
	require.NoError(t, err)
	require.Len(t, all, 3)

	deleted, err := s.Get(env.ctx, "products", "b")
	require.NoError(t, err)
	require.True(t, deleted.IsDeleted)
	require.NotNil(t, deleted.DeletedAt)
	require.Equal(t, StatusPending, deleted.SyncStatus)

	pending, err := s.ListPendingDeletes(env.ctx, "products")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "b", pending[0].ID)
}

func TestStore_ListByIndexAndRewrite(t *testing.T) {
	env := newTestEnv(t)
	s := env.engine.Store()

	for i, saleID := range []string{"temp_s1", "temp_s1", "s2"} {
		_, err := s.Put(env.ctx, "sale_items", &Record{
			ID:     string(rune('a' + i)),
			Fields: map[string]any{"sale_id": saleID, "quantity": 1},
		})
		require.NoError(t, err)
	}

	items, err := s.ListByIndex(env.ctx, "sale_items", "sale_id", "temp_s1")
	require.NoError(t, err)
	require.Len(t, items, 2)

	n, err := s.RewriteForeignKey(env.ctx, "sale_items", "sale_id", "temp_s1", "srv-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	items, err = s.ListByIndex(env.ctx, "sale_items", "sale_id", "srv-1")
	require.NoError(t, err)
	require.Len(t, items, 2)

	_, err = s.ListByIndex(env.ctx, "sale_items", "sale_id'; DROP TABLE x; --", "x")
	require.Error(t, err)
}

func TestStore_Rekey(t *testing.T) {
	env := newTestEnv(t)
	s := env.engine.Store()

	_, err := s.Put(env.ctx, "sales", &Record{ID: "temp_1", Fields: map[string]any{"total": 42.5}})
	require.NoError(t, err)
	require.NoError(t, s.Rekey(env.ctx, "sales", "temp_1", "srv-42"))

	_, err = s.Get(env.ctx, "sales", "temp_1")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := s.Get(env.ctx, "sales", "srv-42")
	require.NoError(t, err)
	total, ok := got.Float64("total")
	require.True(t, ok)
	require.Equal(t, 42.5, total)
}

func TestStore_Counts(t *testing.T) {
	env := newTestEnv(t)
	s := env.engine.Store()

	_, err := s.Put(env.ctx, "products", &Record{ID: "a", SyncStatus: StatusSynced})
	require.NoError(t, err)
	_, err = s.Put(env.ctx, "products", &Record{ID: "b"})
	require.NoError(t, err)

	counts, err := s.Counts(env.ctx, "products")
	require.NoError(t, err)
	require.Equal(t, 1, counts[StatusSynced])
	require.Equal(t, 1, counts[StatusPending])
}

func TestRecord_FieldAccessors(t *testing.T) {
	rec := &Record{Fields: map[string]any{
		"name":     "Shirt",
		"price":    "12.5",
		"quantity": float64(3),
		"active":   "true",
		"nothing":  nil,
	}}

	name, ok := rec.Str("name")
	require.True(t, ok)
	require.Equal(t, "Shirt", name)

	price, ok := rec.Float64("price")
	require.True(t, ok)
	require.Equal(t, 12.5, price)

	qty, ok := rec.Int64("quantity")
	require.True(t, ok)
	require.EqualValues(t, 3, qty)

	active, ok := rec.Bool("active")
	require.True(t, ok)
	require.True(t, active)

	_, ok = rec.Str("nothing")
	require.False(t, ok)
	_, ok = rec.Float64("missing")
	require.False(t, ok)
}
