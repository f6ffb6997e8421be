// Package progress implements the persisted-progress store: every
// engine emits a complete, serializable snapshot at each transition,
// and that snapshot can be written durably and reloaded to resume a
// transfer. The same S3Store/FileStore/MemoryStore triad serves
// download and chunked-upload progress alike via a type parameter.
package progress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/s3xfer/objectstore"
)

// Store persists and reloads a progress snapshot of type T. A Load
// returning the zero value of T with a nil error means "no progress
// yet", so an engine can treat it as its documented initial state.
type Store[T any] interface {
	Load(ctx context.Context) (T, error)
	Save(ctx context.Context, v T) error
}

// S3Store implements Store using an object in an S3-compatible store.
type S3Store[T any] struct {
	client objectstore.Client
	bucket string
	key    string
}

// NewS3Store builds an S3Store from a uri of the form
// s3://bucket/key.
func NewS3Store[T any](client objectstore.Client, uri string) (*S3Store[T], error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("progress: invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("progress: invalid S3 URI scheme: %s", u.Scheme)
	}
	return &S3Store[T]{client: client, bucket: u.Host, key: strings.TrimPrefix(u.Path, "/")}, nil
}

// Load returns the zero value of T if no object exists at the
// configured key.
func (s *S3Store[T]) Load(ctx context.Context) (T, error) {
	var zero T
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &s.key})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return zero, nil
		}
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return zero, nil
		}
		return zero, fmt.Errorf("progress: get %s/%s: %w", s.bucket, s.key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return zero, fmt.Errorf("progress: decode %s/%s: %w", s.bucket, s.key, err)
	}
	return v, nil
}

// Save overwrites the progress object at the configured key.
func (s *S3Store[T]) Save(ctx context.Context, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("progress: encode: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{Bucket: &s.bucket, Key: &s.key, Body: bytes.NewReader(data)})
	if err != nil {
		return fmt.Errorf("progress: put %s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}

// FileStore implements Store using a local file.
type FileStore[T any] struct {
	path string
}

// NewFileStore builds a FileStore from an absolute local path. The
// parent directory is created if missing.
func NewFileStore[T any](path string) (*FileStore[T], error) {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("progress: path must be absolute: %s", cleanPath)
	}
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("progress: create directory: %w", err)
	}
	return &FileStore[T]{path: cleanPath}, nil
}

// Load returns the zero value of T if the file does not exist.
func (f *FileStore[T]) Load(ctx context.Context) (T, error) {
	var zero T
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return zero, nil
		}
		return zero, fmt.Errorf("progress: read %s: %w", f.path, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, fmt.Errorf("progress: decode %s: %w", f.path, err)
	}
	return v, nil
}

// Save overwrites the progress file.
func (f *FileStore[T]) Save(ctx context.Context, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("progress: encode: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("progress: write %s: %w", f.path, err)
	}
	return nil
}
