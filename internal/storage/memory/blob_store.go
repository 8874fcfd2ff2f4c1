// Package memory provides in-process implementations of the blob and job
// stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/JakeFAU/dsl-png-renderer/internal/storage"
)

// BlobStore stores objects in a map and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject persists a copy of the content.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	s.mu.Lock()
	s.data[path] = payload
	s.mu.Unlock()
	return "memory://" + path, nil
}

// GetObject returns a copy of the stored content.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, storage.ErrObjectNotFound)
	}
	return append([]byte(nil), payload...), nil
}

// DeleteObject removes the object.
func (s *BlobStore) DeleteObject(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[path]; !ok {
		return fmt.Errorf("delete %s: %w", path, storage.ErrObjectNotFound)
	}
	delete(s.data, path)
	return nil
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
