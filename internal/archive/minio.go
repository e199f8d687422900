package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Minio stores snapshots as objects in one bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

func NewMinio(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Minio, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &Minio{client: client, bucket: bucket}, nil
}

func (m *Minio) Put(ctx context.Context, snap Snapshot) (string, error) {
	key := Key(snap)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(snap.HTML), int64(len(snap.HTML)), minio.PutObjectOptions{
		ContentType: "text/html; charset=utf-8",
		UserMetadata: map[string]string{
			"link":       snap.Link,
			"source":     snap.Source,
			"fetched-at": snap.FetchedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put snapshot %s: %w", key, err)
	}
	return key, nil
}

func (m *Minio) Get(ctx context.Context, key string) (Snapshot, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("stat snapshot %s: %w", key, err)
	}
	body, err := io.ReadAll(obj)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	snap := Snapshot{
		Link:   info.UserMetadata["Link"],
		Source: info.UserMetadata["Source"],
		HTML:   body,
	}
	snap.FetchedAt, _ = time.Parse(time.RFC3339, info.UserMetadata["Fetched-At"])
	return snap, nil
}

func (m *Minio) Close(context.Context) error { return nil }
