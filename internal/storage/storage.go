// Package storage defines the durable blob store used for rendered images.
// Implementations live in subpackages: memory for development and tests,
// local for a filesystem directory, and gcs for Google Cloud Storage.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by GetObject and DeleteObject for missing
// paths.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore persists opaque objects by path.
type BlobStore interface {
	// PutObject writes the object and returns a URI describing its location.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	// GetObject reads the whole object.
	GetObject(ctx context.Context, path string) ([]byte, error)
	// DeleteObject removes the object.
	DeleteObject(ctx context.Context, path string) error
}
