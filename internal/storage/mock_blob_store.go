package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a testify mock of BlobStore.
type MockBlobStore struct {
	mock.Mock
}

// PutObject drains r so expectations can match on the written bytes.
func (m *MockBlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	args := m.Called(ctx, path, contentType, data)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}

// GetObject is the mock implementation of GetObject.
func (m *MockBlobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	args := m.Called(ctx, path)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1) //nolint:wrapcheck
}

// DeleteObject is the mock implementation of DeleteObject.
func (m *MockBlobStore) DeleteObject(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0) //nolint:wrapcheck
}
