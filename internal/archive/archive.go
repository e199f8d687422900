// Package archive keeps the raw HTML of every fetched article page so an
// article can be re-extracted later without hitting the publisher again.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("snapshot not found")

// Snapshot is one fetch of one page.
type Snapshot struct {
	Link      string    `bson:"link" json:"link"`
	Source    string    `bson:"source" json:"source"`
	HTML      []byte    `bson:"html" json:"-"`
	FetchedAt time.Time `bson:"fetched_at" json:"fetched_at"`
}

// Archive stores snapshots under a key derived from the link and fetch
// time. Put returns that key.
type Archive interface {
	Put(ctx context.Context, snap Snapshot) (string, error)
	Get(ctx context.Context, key string) (Snapshot, error)
	Close(ctx context.Context) error
}

// Key derives the storage key of a snapshot.
func Key(snap Snapshot) string {
	sum := sha256.Sum256([]byte(snap.Link))
	source := strings.ToLower(strings.TrimSpace(snap.Source))
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s/%s/%s.html", source, hex.EncodeToString(sum[:8]), snap.FetchedAt.UTC().Format("20060102T150405Z"))
}

// Config selects a backend.
type Config struct {
	Backend        string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MongoURI       string
	MongoDatabase  string
}

// Open connects the backend named by cfg.Backend ("none", "minio" or "mongo").
func Open(ctx context.Context, cfg Config) (Archive, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none":
		return Nop{}, nil
	case "minio":
		return NewMinio(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	case "mongo":
		return NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

// Nop discards snapshots.
type Nop struct{}

func (Nop) Put(_ context.Context, snap Snapshot) (string, error) { return Key(snap), nil }
func (Nop) Get(context.Context, string) (Snapshot, error)         { return Snapshot{}, ErrNotFound }
func (Nop) Close(context.Context) error                          { return nil }
