// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package mongoremote implements remote.Remote on top of MongoDB. Each table
// maps to a collection of the configured database and the row id is stored
// as the document _id.
package mongoremote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/haseeb-ahad/cloth-flow-boss-sub000/remote"
)

// Collection is the subset of *mongo.Collection used by Remote.
type Collection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// CollectionProvider hands out collections by name.
type CollectionProvider interface {
	Collection(name string) Collection
}

// DatabaseProvider adapts *mongo.Database to CollectionProvider.
type DatabaseProvider struct {
	db *mongo.Database
}

// NewDatabaseProvider creates a provider over database name of client.
func NewDatabaseProvider(client *mongo.Client, name string) *DatabaseProvider {
	return &DatabaseProvider{db: client.Database(name)}
}

// Collection returns the named collection.
func (p *DatabaseProvider) Collection(name string) Collection {
	return p.db.Collection(name)
}

// Connect dials uri and verifies the connection with a ping.
func Connect(ctx context.Context, uri string, logger *slog.Logger) (*mongo.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.DebugContext(ctx, "Connecting to MongoDB")

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	logger.InfoContext(ctx, "Connected to MongoDB")
	return client, nil
}

// Remote stores rows as MongoDB documents.
type Remote struct {
	provider CollectionProvider
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

var _ remote.Remote = (*Remote)(nil)

// New creates a Remote over provider.
func New(provider CollectionProvider, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		provider: provider,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// timeFields are stored as BSON dates.
var timeFields = map[string]bool{"created_at": true, "updated_at": true, "deleted_at": true}

func toDocument(row remote.Row) bson.M {
	doc := make(bson.M, len(row))
	for k, v := range row {
		if k == "id" {
			continue
		}
		if timeFields[k] && v != nil {
			if t := remote.ParseTime(v); !t.IsZero() {
				doc[k] = t.UTC()
				continue
			}
		}
		doc[k] = v
	}
	return doc
}

func fromDocument(doc bson.M) remote.Row {
	row := make(remote.Row, len(doc))
	for k, v := range doc {
		switch t := v.(type) {
		case primitive.DateTime:
			v = t.Time().UTC()
		case primitive.ObjectID:
			v = t.Hex()
		}
		if k == "_id" {
			k = "id"
		}
		row[k] = v
	}
	return row
}

func (r *Remote) Insert(ctx context.Context, table string, row remote.Row) (string, error) {
	id := row.ID()
	if id == "" {
		id = r.newID()
	}
	doc := toDocument(row)
	doc["_id"] = id
	now := r.now().UTC()
	if _, ok := doc["created_at"]; !ok {
		doc["created_at"] = now
	}
	if _, ok := doc["updated_at"]; !ok {
		doc["updated_at"] = now
	}
	if _, ok := doc["is_deleted"]; !ok {
		doc["is_deleted"] = false
	}

	if _, err := r.provider.Collection(table).InsertOne(ctx, doc); err != nil {
		return "", mapError(err, table, id)
	}
	r.logger.Debug("Inserted remote document", "collection", table, "id", id)
	return id, nil
}

func (r *Remote) Fetch(ctx context.Context, table, id string) (remote.Row, error) {
	var doc bson.M
	if err := r.provider.Collection(table).FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, mapError(err, table, id)
	}
	return fromDocument(doc), nil
}

func (r *Remote) Update(ctx context.Context, table, id string, row remote.Row) error {
	set := toDocument(row)
	delete(set, "created_at")
	if _, ok := set["updated_at"]; !ok {
		set["updated_at"] = r.now().UTC()
	}
	return r.updateOne(ctx, table, id, bson.M{"$set": set})
}

func (r *Remote) SoftDelete(ctx context.Context, table, id string, deletedAt time.Time) error {
	return r.updateOne(ctx, table, id, bson.M{"$set": bson.M{
		"is_deleted": true,
		"deleted_at": deletedAt.UTC(),
		"updated_at": r.now().UTC(),
	}})
}

func (r *Remote) Restore(ctx context.Context, table, id string) error {
	return r.updateOne(ctx, table, id, bson.M{
		"$set":   bson.M{"is_deleted": false, "updated_at": r.now().UTC()},
		"$unset": bson.M{"deleted_at": ""},
	})
}

func (r *Remote) updateOne(ctx context.Context, table, id string, update bson.M) error {
	res, err := r.provider.Collection(table).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return mapError(err, table, id)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s %s: %w", table, id, remote.ErrNotFound)
	}
	return nil
}

func mapError(err error, table, id string) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s %s: %w", table, id, remote.ErrNotFound)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s %s: %w", table, id, remote.ErrUniqueViolation)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return fmt.Errorf("%s %s: %w: %v", table, id, remote.ErrTransient, err)
	}
	return fmt.Errorf("%s %s: %w", table, id, err)
}
