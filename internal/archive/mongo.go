package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo stores snapshots as documents keyed by their archive key.
type Mongo struct {
	client    *mongo.Client
	snapshots *mongo.Collection
}

type mongoSnapshot struct {
	Key      string `bson:"_id"`
	Snapshot `bson:",inline"`
}

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	m := &Mongo{client: client, snapshots: client.Database(database).Collection("snapshots")}
	_, err = m.snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "link", Value: 1}, {Key: "fetched_at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create snapshot index: %w", err)
	}
	return m, nil
}

// Put is idempotent for the same link and fetch time.
func (m *Mongo) Put(ctx context.Context, snap Snapshot) (string, error) {
	key := Key(snap)
	doc := mongoSnapshot{Key: key, Snapshot: snap}
	_, err := m.snapshots.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return "", fmt.Errorf("put snapshot %s: %w", key, err)
	}
	return key, nil
}

func (m *Mongo) Get(ctx context.Context, key string) (Snapshot, error) {
	var doc mongoSnapshot
	err := m.snapshots.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", key, err)
	}
	return doc.Snapshot, nil
}

// Latest returns the most recent snapshot of link.
func (m *Mongo) Latest(ctx context.Context, link string) (Snapshot, error) {
	var doc mongoSnapshot
	opts := options.FindOne().SetSort(bson.D{{Key: "fetched_at", Value: -1}})
	err := m.snapshots.FindOne(ctx, bson.M{"link": link}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("latest snapshot of %s: %w", link, err)
	}
	return doc.Snapshot, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
