// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcstorage "cloud.google.com/go/storage"

	"github.com/JakeFAU/dsl-png-renderer/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object path.
	Prefix string
}

// BlobStore reads and writes objects in a single bucket.
type BlobStore struct {
	client *gcstorage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *gcstorage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *BlobStore) object(path string) (*gcstorage.ObjectHandle, string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, "", fmt.Errorf("path is required")
	}
	name := path
	if s.prefix != "" {
		name = s.prefix + "/" + strings.TrimPrefix(path, "/")
	}
	return s.client.Bucket(s.bucket).Object(name), name, nil
}

// PutObject uploads data and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	obj, name, err := s.object(path)
	if err != nil {
		return "", err
	}
	writer := obj.NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// GetObject downloads the object.
func (s *BlobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	obj, name, err := s.object(path)
	if err != nil {
		return nil, err
	}
	reader, err := obj.NewReader(ctx)
	if errors.Is(err, gcstorage.ErrObjectNotExist) {
		return nil, fmt.Errorf("get %s: %w", name, storage.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// DeleteObject removes the object.
func (s *BlobStore) DeleteObject(ctx context.Context, path string) error {
	obj, name, err := s.object(path)
	if err != nil {
		return err
	}
	err = obj.Delete(ctx)
	if errors.Is(err, gcstorage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", name, storage.ErrObjectNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
