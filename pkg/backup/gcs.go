package backup

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSConfig configures a Google Cloud Storage sink.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCS stores snapshots in a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS uses Application Default Credentials.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCS{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCS) object(key string) (*storage.ObjectHandle, error) {
	name, err := blobName(g.prefix, key)
	if err != nil {
		return nil, err
	}
	return g.client.Bucket(g.bucket).Object(name), nil
}

func (g *GCS) Put(ctx context.Context, key string, data []byte) error {
	obj, err := g.object(key)
	if err != nil {
		return err
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := g.object(key)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (g *GCS) Exists(ctx context.Context, key string) (bool, error) {
	obj, err := g.object(key)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
