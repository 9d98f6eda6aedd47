// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package mongoremote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
)

type mockCollection struct {
	insertOneFunc func(ctx context.Context, document interface{}) (*mongo.InsertOneResult, error)
	findOneFunc   func(ctx context.Context, filter interface{}) *mongo.SingleResult
	updateOneFunc func(ctx context.Context, filter, update interface{}) (*mongo.UpdateResult, error)
}

func (m *mockCollection) InsertOne(ctx context.Context, document interface{}, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	if m.insertOneFunc != nil {
		return m.insertOneFunc(ctx, document)
	}
	return &mongo.InsertOneResult{}, nil
}

func (m *mockCollection) FindOne(ctx context.Context, filter interface{}, _ ...*options.FindOneOptions) *mongo.SingleResult {
	if m.findOneFunc != nil {
		return m.findOneFunc(ctx, filter)
	}
	return mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, nil)
}

func (m *mockCollection) UpdateOne(ctx context.Context, filter, update interface{}, _ ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	if m.updateOneFunc != nil {
		return m.updateOneFunc(ctx, filter, update)
	}
	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

type mockProvider struct {
	collections map[string]*mockCollection
}

func (p *mockProvider) Collection(name string) Collection {
	if c, ok := p.collections[name]; ok {
		return c
	}
	return &mockCollection{}
}

var fixedNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestRemote(coll *mockCollection) *Remote {
	r := New(&mockProvider{collections: map[string]*mockCollection{"products": coll}}, nil)
	r.now = func() time.Time { return fixedNow }
	r.newID = func() string { return "gen-1" }
	return r
}

func TestInsert_AssignsIDAndStampsTimes(t *testing.T) {
	var stored bson.M
	coll := &mockCollection{
		insertOneFunc: func(_ context.Context, document interface{}) (*mongo.InsertOneResult, error) {
			stored = document.(bson.M)
			return &mongo.InsertOneResult{InsertedID: stored["_id"]}, nil
		},
	}
	r := newTestRemote(coll)

	id, err := r.Insert(context.Background(), "products", remote.Row{"name": "Shirt", "price": 12.5})
	require.NoError(t, err)
	assert.Equal(t, "gen-1", id)
	assert.Equal(t, "gen-1", stored["_id"])
	assert.NotContains(t, stored, "id")
	assert.Equal(t, fixedNow, stored["created_at"])
	assert.Equal(t, fixedNow, stored["updated_at"])
	assert.Equal(t, false, stored["is_deleted"])
}

func TestInsert_KeepsProvidedIDAndParsesTimes(t *testing.T) {
	var stored bson.M
	coll := &mockCollection{
		insertOneFunc: func(_ context.Context, document interface{}) (*mongo.InsertOneResult, error) {
			stored = document.(bson.M)
			return &mongo.InsertOneResult{}, nil
		},
	}
	r := newTestRemote(coll)

	id, err := r.Insert(context.Background(), "products",
		remote.Row{"id": "p-7", "name": "Shirt", "updated_at": "2025-02-01T08:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, "p-7", id)
	assert.Equal(t, time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC), stored["updated_at"])
}

func TestInsert_DuplicateKey(t *testing.T) {
	coll := &mockCollection{
		insertOneFunc: func(context.Context, interface{}) (*mongo.InsertOneResult, error) {
			return nil, mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
		},
	}
	_, err := newTestRemote(coll).Insert(context.Background(), "products", remote.Row{"id": "p-1"})
	require.ErrorIs(t, err, remote.ErrUniqueViolation)
}

func TestFetch(t *testing.T) {
	updated := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("maps _id and dates", func(t *testing.T) {
		coll := &mockCollection{
			findOneFunc: func(_ context.Context, filter interface{}) *mongo.SingleResult {
				assert.Equal(t, bson.M{"_id": "p-1"}, filter)
				return mongo.NewSingleResultFromDocument(bson.D{
					{Key: "_id", Value: "p-1"},
					{Key: "name", Value: "Shirt"},
					{Key: "updated_at", Value: primitive.NewDateTimeFromTime(updated)},
				}, nil, nil)
			},
		}
		row, err := newTestRemote(coll).Fetch(context.Background(), "products", "p-1")
		require.NoError(t, err)
		assert.Equal(t, "p-1", row.ID())
		assert.Equal(t, "Shirt", row["name"])
		assert.True(t, row.UpdatedAt().Equal(updated))
	})

	t.Run("missing document", func(t *testing.T) {
		_, err := newTestRemote(&mockCollection{}).Fetch(context.Background(), "products", "p-1")
		require.ErrorIs(t, err, remote.ErrNotFound)
	})
}

func TestUpdateOperations(t *testing.T) {
	tests := []struct {
		name    string
		matched int64
		call    func(r *Remote) error
		check   func(t *testing.T, update bson.M)
		wantErr error
	}{
		{
			name:    "update sets fields and stamps updated_at",
			matched: 1,
			call: func(r *Remote) error {
				return r.Update(context.Background(), "products", "p-1",
					remote.Row{"id": "p-1", "created_at": "2025-01-01T00:00:00Z", "name": "Shirt"})
			},
			check: func(t *testing.T, update bson.M) {
				set := update["$set"].(bson.M)
				assert.Equal(t, "Shirt", set["name"])
				assert.Equal(t, fixedNow, set["updated_at"])
				assert.NotContains(t, set, "id")
				assert.NotContains(t, set, "created_at")
			},
		},
		{
			name:    "update of missing document",
			matched: 0,
			call: func(r *Remote) error {
				return r.Update(context.Background(), "products", "p-1", remote.Row{"name": "Shirt"})
			},
			wantErr: remote.ErrNotFound,
		},
		{
			name:    "soft delete",
			matched: 1,
			call: func(r *Remote) error {
				return r.SoftDelete(context.Background(), "products", "p-1", fixedNow.Add(-time.Minute))
			},
			check: func(t *testing.T, update bson.M) {
				set := update["$set"].(bson.M)
				assert.Equal(t, true, set["is_deleted"])
				assert.Equal(t, fixedNow.Add(-time.Minute), set["deleted_at"])
			},
		},
		{
			name:    "restore",
			matched: 1,
			call: func(r *Remote) error {
				return r.Restore(context.Background(), "products", "p-1")
			},
			check: func(t *testing.T, update bson.M) {
				assert.Equal(t, false, update["$set"].(bson.M)["is_deleted"])
				assert.Contains(t, update["$unset"].(bson.M), "deleted_at")
			},
		},
		{
			name:    "restore of missing document",
			matched: 0,
			call: func(r *Remote) error {
				return r.Restore(context.Background(), "products", "p-1")
			},
			wantErr: remote.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got bson.M
			coll := &mockCollection{
				updateOneFunc: func(_ context.Context, _ interface{}, update interface{}) (*mongo.UpdateResult, error) {
					got = update.(bson.M)
					return &mongo.UpdateResult{MatchedCount: tt.matched}, nil
				},
			}
			err := tt.call(newTestRemote(coll))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}
