// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueCollapsesSameAction(t *testing.T) {
	env := newTestEnv(t)
	q := env.engine.Queue()

	first, err := q.Enqueue(env.ctx, "products", "p1", ActionUpdate, &Record{ID: "p1", Fields: map[string]any{"price": 1}})
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	second, err := q.Enqueue(env.ctx, "products", "p1", ActionUpdate, &Record{ID: "p1", Fields: map[string]any{"price": 2}})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	entries, err := q.ForEntity(env.ctx, "products", "p1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	price, _ := entries[0].Payload.Float64("price")
	require.Equal(t, float64(2), price)
	require.True(t, entries[0].UpdatedAt.Equal(env.clock.Now()))
	require.Equal(t, EntryPending, entries[0].Status)
	require.Equal(t, 0, entries[0].RetryCount)
	require.Equal(t, 5, entries[0].MaxRetries)
}

func TestQueue_CreateThenDeleteIsCancelled(t *testing.T) {
	env := newTestEnv(t)
	q := env.engine.Queue()

	_, err := q.Enqueue(env.ctx, "sales", "temp_1", ActionCreate, &Record{ID: "temp_1"})
	require.NoError(t, err)
	_, err = q.Enqueue(env.ctx, "sales", "temp_1", ActionDelete, &Record{ID: "temp_1", IsDeleted: true})
	require.NoError(t, err)
	_, err = q.Enqueue(env.ctx, "sales", "other", ActionUpdate, &Record{ID: "other"})
	require.NoError(t, err)

	res, err := q.Deduplicate(env.ctx)
	require.NoError(t, err)
	require.Equal(t, []EntityKey{{"sales", "temp_1"}}, res.Cancelled)

	entries, err := q.ForEntity(env.ctx, "sales", "temp_1")
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Equal(t, 1, env.queueLen(t))
}

func TestQueue_CreateThenDeleteMakesNoRemoteCall(t *testing.T) {
	env := newTestEnv(t)
	q := env.engine.Queue()

	_, err := env.engine.Store().Put(env.ctx, "sales", &Record{ID: "temp_1"})
	require.NoError(t, err)
	_, err = q.Enqueue(env.ctx, "sales", "temp_1", ActionCreate, &Record{ID: "temp_1"})
	require.NoError(t, err)
	require.NoError(t, env.engine.Store().SoftDelete(env.ctx, "sales", "temp_1"))
	_, err = q.Enqueue(env.ctx, "sales", "temp_1", ActionDelete, &Record{ID: "temp_1", IsDeleted: true})
	require.NoError(t, err)

	summary := env.flush(t)
	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, 1, summary.Cancelled)
	assert.Zero(t, env.remote.Calls("insert"))
	assert.Zero(t, env.remote.Calls("soft_delete"))
	assert.Zero(t, env.queueLen(t))

	_, err = env.engine.Store().Get(env.ctx, "sales", "temp_1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_DeduplicateKeepsLatest(t *testing.T) {
	env := newTestEnv(t)
	q := env.engine.Queue()

	_, err := q.Enqueue(env.ctx, "products", "p1", ActionCreate, &Record{ID: "p1"})
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	latest, err := q.Enqueue(env.ctx, "products", "p1", ActionUpdate, &Record{ID: "p1", Fields: map[string]any{"v": 2}})
	require.NoError(t, err)

	res, err := q.Deduplicate(env.ctx)
	require.NoError(t, err)
	require.Empty(t, res.Cancelled)
	require.Equal(t, 1, res.Superseded)

	entries, err := q.ForEntity(env.ctx, "products", "p1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, latest.ID, entries[0].ID)
}

func TestQueue_DeduplicateRanksByPayloadNotStatus(t *testing.T) {
	tests := []struct {
		name string
		// prepare enqueues the entries of products/p1 and returns the id of
		// the one expected to survive.
		prepare func(t *testing.T, env *testEnv, q *Queue) string
	}{
		{
			name: "newer pending edit beats older entry that failed later",
			prepare: func(t *testing.T, env *testEnv, q *Queue) string {
				old, err := q.Enqueue(env.ctx, "products", "p1", ActionUpdate, &Record{ID: "p1", Fields: map[string]any{"v": 1}})
				require.NoError(t, err)
				require.NoError(t, q.MarkStatus(env.ctx, old.ID, EntrySyncing, nil, ""))

				env.clock.Advance(time.Second)
				edit, err := q.Enqueue(env.ctx, "products", "p1", ActionUpdate, &Record{ID: "p1", Fields: map[string]any{"v": 2}})
				require.NoError(t, err)
				require.NotEqual(t, old.ID, edit.ID)

				env.clock.Advance(5 * time.Second)
				require.NoError(t, q.MarkStatus(env.ctx, old.ID, EntryFailed, errors.New("timeout"), ""))
				return edit.ID
			},
		},
		{
			name: "newer pending edit beats create retried by hand",
			prepare: func(t *testing.T, env *testEnv, q *Queue) string {
				create, err := q.Enqueue(env.ctx, "products", "p1", ActionCreate, &Record{ID: "p1"})
				require.NoError(t, err)
				require.NoError(t, q.MarkStatus(env.ctx, create.ID, EntrySyncing, nil, ""))

				env.clock.Advance(time.Second)
				edit, err := q.Enqueue(env.ctx, "products", "p1", ActionUpdate, &Record{ID: "p1", Fields: map[string]any{"v": 2}})
				require.NoError(t, err)

				for i := 0; i < 5; i++ {
					require.NoError(t, q.MarkStatus(env.ctx, create.ID, EntryFailed, errors.New("timeout"), ""))
				}
				env.clock.Advance(time.Minute)
				retried, err := q.RetryFailed(env.ctx)
				require.NoError(t, err)
				require.Len(t, retried, 1)
				return edit.ID
			},
		},
		{
			name: "same enqueue time goes to the later insert",
			prepare: func(t *testing.T, env *testEnv, q *Queue) string {
				first, err := q.Enqueue(env.ctx, "products", "p1", ActionUpdate, &Record{ID: "p1", Fields: map[string]any{"v": 1}})
				require.NoError(t, err)
				require.NoError(t, q.MarkStatus(env.ctx, first.ID, EntrySyncing, nil, ""))
				second, err := q.Enqueue(env.ctx, "products", "p1", ActionUpdate, &Record{ID: "p1", Fields: map[string]any{"v": 2}})
				require.NoError(t, err)
				require.NoError(t, q.MarkStatus(env.ctx, first.ID, EntryFailed, errors.New("timeout"), ""))
				return second.ID
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			q := env.engine.Queue()
			want := tt.prepare(t, env, q)

			res, err := q.Deduplicate(env.ctx)
			require.NoError(t, err)
			require.Equal(t, 1, res.Superseded)

			entries, err := q.ForEntity(env.ctx, "products", "p1")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, want, entries[0].ID)
			assert.EqualValues(t, 2, entries[0].Payload.Fields["v"])
		})
	}
}

func TestQueue_SortEntries(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []*Entry{
		{ID: "d1", Action: ActionDelete, CreatedAt: base},
		{ID: "u2", Action: ActionUpdate, CreatedAt: base.Add(2 * time.Second)},
		{ID: "c2", Action: ActionCreate, CreatedAt: base.Add(3 * time.Second)},
		{ID: "u1", Action: ActionUpdate, CreatedAt: base.Add(time.Second)},
		{ID: "c1", Action: ActionCreate, CreatedAt: base.Add(4 * time.Second), seq: 1},
	}
	SortEntries(entries)

	var got []string
	for _, e := range entries {
		got = append(got, e.ID)
	}
	require.Equal(t, []string{"c2", "c1", "u1", "u2", "d1"}, got)
}

func TestQueue_BackoffIsMonotonicAndCapped(t *testing.T) {
	env := newTestEnv(t)
	q := env.engine.Queue()

	require.Equal(t, 2*time.Second, q.Backoff(1))
	require.Equal(t, 4*time.Second, q.Backoff(2))

	prev := time.Duration(0)
	for n := 0; n <= 64; n++ {
		d := q.Backoff(n)
		require.GreaterOrEqual(t, d, prev, "n=%d", n)
		require.LessOrEqual(t, d, 300*time.Second, "n=%d", n)
		prev = d
	}
	require.Equal(t, 300*time.Second, q.Backoff(9))
}

func TestQueue_FailedEntriesWaitForBackoff(t *testing.T) {
	env := newTestEnv(t)
	q := env.engine.Queue()

	entry, err := q.Enqueue(env.ctx, "products", "p1", ActionUpdate, &Record{ID: "p1"})
	require.NoError(t, err)

	prevDelay := time.Duration(0)
	for n := 1; n <= 5; n++ {
		require.NoError(t, q.MarkStatus(env.ctx, entry.ID, EntryFailed, errors.New("network down"), ""))

		got, err := q.Get(env.ctx, entry.ID)
		require.NoError(t, err)
		require.Equal(t, n, got.RetryCount)
		require.Equal(t, "network down", got.LastError)
		require.NotNil(t, got.NextRetryAt)

		delay := got.NextRetryAt.Sub(env.clock.Now())
		require.GreaterOrEqual(t, delay, prevDelay)
		prevDelay = delay

		eligible, err := q.PendingOrRetryable(env.ctx, env.clock.Now())
		require.NoError(t, err)
		require.Empty(t, eligible, "entry must wait until next_retry_at")

		if n < 5 {
			eligible, err = q.PendingOrRetryable(env.ctx, *got.NextRetryAt)
			require.NoError(t, err)
			require.Len(t, eligible, 1)
		}
	}

	// Exhausted: never eligible again without a manual retry.
	eligible, err := q.PendingOrRetryable(env.ctx, env.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, eligible)

	st, err := q.Stats(env.ctx)
	require.NoError(t, err)
	require.Equal(t, QueueStats{Total: 1, Failed: 1, Exhausted: 1}, st)

	retried, err := q.RetryFailed(env.ctx)
	require.NoError(t, err)
	require.Len(t, retried, 1)

	eligible, err = q.PendingOrRetryable(env.ctx, env.clock.Now())
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	require.Equal(t, 0, eligible[0].RetryCount)
}

func TestQueue_ResetInFlight(t *testing.T) {
	env := newTestEnv(t)
	q := env.engine.Queue()

	entry, err := q.Enqueue(env.ctx, "products", "p1", ActionCreate, &Record{ID: "p1"})
	require.NoError(t, err)
	require.NoError(t, q.MarkStatus(env.ctx, entry.ID, EntrySyncing, nil, ""))

	eligible, err := q.PendingOrRetryable(env.ctx, env.clock.Now())
	require.NoError(t, err)
	require.Empty(t, eligible)

	n, err := q.ResetInFlight(env.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	eligible, err = q.PendingOrRetryable(env.ctx, env.clock.Now())
	require.NoError(t, err)
	require.Len(t, eligible, 1)
}

func TestQueue_CancelForEntity(t *testing.T) {
	env := newTestEnv(t)
	q := env.engine.Queue()

	_, err := q.Enqueue(env.ctx, "sales", "s1", ActionCreate, &Record{ID: "s1"})
	require.NoError(t, err)
	_, err = q.Enqueue(env.ctx, "sales", "s1", ActionUpdate, &Record{ID: "s1"})
	require.NoError(t, err)
	_, err = q.Enqueue(env.ctx, "sales", "s1", ActionDelete, &Record{ID: "s1"})
	require.NoError(t, err)

	n, err := q.CancelForEntity(env.ctx, "sales", "s1", ActionCreate, ActionUpdate)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	rest, err := q.ForEntity(env.ctx, "sales", "s1")
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, ActionDelete, rest[0].Action)
}
