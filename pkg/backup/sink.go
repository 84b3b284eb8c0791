package backup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// blobName maps a snapshot key to an object name.
func blobName(prefix, key string) (string, error) {
	hash, ok := strings.CutPrefix(key, "sha256:")
	if !ok || hash == "" || strings.ContainsAny(hash, "/\\.") {
		return "", fmt.Errorf("invalid snapshot key %q", key)
	}
	return prefix + hash + ".json", nil
}

// Dir keeps snapshots as files in a local directory.
type Dir struct {
	root string
}

// NewDir creates root if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("backup dir: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) path(key string) (string, error) {
	name, err := blobName("", key)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, name), nil
}

func (d *Dir) Put(_ context.Context, key string, data []byte) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, p)
}

func (d *Dir) Get(_ context.Context, key string) ([]byte, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p) //nolint:gosec // path derived from a validated hash
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

func (d *Dir) Exists(_ context.Context, key string) (bool, error) {
	p, err := d.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// S3Options configure s3:// destinations.
type S3Options struct {
	Region   string
	Endpoint string
}

// Open resolves a destination: s3://bucket/prefix, gs://bucket/prefix or a
// plain directory path. The returned close function releases client
// resources.
func Open(ctx context.Context, dest string, s3opts S3Options) (Sink, func() error, error) {
	noop := func() error { return nil }
	if dest == "" {
		return nil, noop, errors.New("no backup destination")
	}
	u, err := url.Parse(dest)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		path := dest
		if err == nil && u.Scheme == "file" {
			path = u.Path
		}
		d, err := NewDir(path)
		return d, noop, err
	}

	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	switch u.Scheme {
	case "s3":
		s, err := NewS3(ctx, S3Config{Bucket: u.Host, Prefix: prefix, Region: s3opts.Region, Endpoint: s3opts.Endpoint})
		return s, noop, err
	case "gs":
		g, err := NewGCS(ctx, GCSConfig{Bucket: u.Host, Prefix: prefix})
		if err != nil {
			return nil, noop, err
		}
		return g, g.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported backup scheme %q", u.Scheme)
	}
}
