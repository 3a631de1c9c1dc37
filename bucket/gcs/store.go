// Package gcs provides a Google Cloud Storage bucket adapter for
// public-bucket.
//
// Ranged reads use ObjectHandle.NewRangeReader, which issues a true range
// request against the object. Missing objects and buckets map to
// bucket.ErrNotFound.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/storacha/public-bucket/bucket"
)

// Config holds configuration for the GCS store.
type Config struct {
	// Bucket is the GCS bucket name. Required.
	Bucket string

	// Prefix is an optional object name prefix for all operations.
	Prefix string
}

// Store implements bucket.Bucket on top of a GCS bucket handle.
type Store struct {
	handle *storage.BucketHandle
	prefix string
}

// New creates a GCS store using an existing client.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("gcs: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{
		handle: client.Bucket(cfg.Bucket),
		prefix: prefix,
	}, nil
}

// NewClient creates a storage client. A non-empty endpoint points the client
// at an emulator or private endpoint instead of the public API.
func NewClient(ctx context.Context, endpoint string) (*storage.Client, error) {
	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	return storage.NewClient(ctx, opts...)
}

// Head returns the object's ETag and size.
func (s *Store) Head(ctx context.Context, key string) (bucket.ObjectInfo, error) {
	name, err := s.objectName(key)
	if err != nil {
		return bucket.ObjectInfo{}, err
	}

	attrs, err := s.handle.Object(name).Attrs(ctx)
	if err != nil {
		if isNotFound(err) {
			return bucket.ObjectInfo{}, bucket.ErrNotFound
		}
		return bucket.ObjectInfo{}, fmt.Errorf("gcs: object attrs: %w", err)
	}

	return bucket.ObjectInfo{
		ETag: generationETag(attrs.Generation),
		Size: attrs.Size,
	}, nil
}

// Get streams the object, or a byte range of it when opts.Range is set.
func (s *Store) Get(ctx context.Context, key string, opts bucket.GetOptions) (*bucket.Object, error) {
	name, err := s.objectName(key)
	if err != nil {
		return nil, err
	}

	var offset, length int64 = 0, -1
	if r := opts.Range; r != nil {
		if r.Offset < 0 || r.Length < 0 {
			return nil, fmt.Errorf("gcs: invalid range offset=%d length=%d", r.Offset, r.Length)
		}
		offset, length = r.Offset, r.Length
	}

	reader, err := s.handle.Object(name).NewRangeReader(ctx, offset, length)
	if err != nil {
		if isNotFound(err) {
			return nil, bucket.ErrNotFound
		}
		return nil, fmt.Errorf("gcs: range read: %w", err)
	}

	return &bucket.Object{
		ObjectInfo: bucket.ObjectInfo{
			ETag: generationETag(reader.Attrs.Generation),
			Size: reader.Attrs.Size,
		},
		Body: reader,
	}, nil
}

func (s *Store) objectName(key string) (string, error) {
	if key == "" {
		return "", bucket.ErrInvalidKey
	}
	cleaned := strings.TrimPrefix(path.Clean(key), "/")
	if cleaned == "" || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", bucket.ErrInvalidKey
	}
	return s.prefix + cleaned, nil
}

// generationETag derives the entity tag from the object generation, which
// changes on every overwrite and is reported by both Attrs and readers.
func generationETag(generation int64) string {
	return `"` + strconv.FormatInt(generation, 10) + `"`
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist)
}
