package gcs_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	gcstorage "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/dsl-png-renderer/internal/storage"
	"github.com/JakeFAU/dsl-png-renderer/internal/storage/gcs"
)

// newTestStore creates a BlobStore pointed at a fake GCS endpoint.
func newTestStore(t *testing.T, handler http.Handler) *gcs.BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := gcstorage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, gcs.Config{Bucket: "test-bucket", Prefix: "renders"})
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	assert.Error(t, err)

	client, err := gcstorage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = gcs.New(client, gcs.Config{})
	assert.Error(t, err)
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	payload := []byte("png-bytes")
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "renders/ab/abc.png", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(payload))
		assert.Contains(t, string(body), "image/png")

		fmt.Fprintln(w, `{"name":"renders/ab/abc.png","bucket":"test-bucket"}`)
	})

	store := newTestStore(t, handler)
	uri, err := store.PutObject(context.Background(), "ab/abc.png", "image/png", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/renders/ab/abc.png", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler)
	_, err := store.PutObject(context.Background(), "ab/abc.png", "image/png", bytes.NewReader([]byte("x")))
	assert.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "image/png", bytes.NewReader([]byte("x")))
	assert.Error(t, err)
}

func TestMissingObjectsMapToNotFound(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	store := newTestStore(t, handler)

	_, err := store.GetObject(context.Background(), "ab/missing.png")
	require.ErrorIs(t, err, storage.ErrObjectNotFound)

	err = store.DeleteObject(context.Background(), "ab/missing.png")
	require.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestDeleteObject(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Contains(t, r.URL.Path, "/storage/v1/b/test-bucket/o/")
		w.WriteHeader(http.StatusNoContent)
	})
	store := newTestStore(t, handler)
	require.NoError(t, store.DeleteObject(context.Background(), "ab/abc.png"))
}
