package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dsl-png-renderer/internal/storage"
	"github.com/JakeFAU/dsl-png-renderer/internal/storage/local"
)

func newStore(t *testing.T) (*local.BlobStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	return store, dir
}

func TestNewRejectsUnusableDirectories(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "plain-file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	cases := map[string]string{
		"empty":         "  ",
		"not directory": file,
	}
	for name, dir := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := local.New(local.Config{BaseDir: dir})
			require.Error(t, err)
		})
	}
}

func TestNewCreatesMissingDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "renders", "cache")
	_, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "writability probe must be cleaned up")
}

func TestNewRejectsReadOnlyDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	// #nosec G302 -- test needs a read-only directory.
	require.NoError(t, os.Chmod(dir, 0o500))
	// #nosec G302 -- restore so TempDir cleanup succeeds.
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	_, err := local.New(local.Config{BaseDir: dir})
	require.ErrorContains(t, err, "not writable")
}

func TestRenderObjectLifecycle(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	ctx := context.Background()
	png := []byte("\x89PNG fake")
	meta := []byte(`{"content_hash":"abcdef"}`)

	uri, err := store.PutObject(ctx, "renders/ab/abcdef.png", "image/png", bytes.NewReader(png))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(dir, "renders/ab/abcdef.png"), uri)
	_, err = store.PutObject(ctx, "renders/ab/abcdef.meta.json", "application/json", bytes.NewReader(meta))
	require.NoError(t, err)

	got, err := store.GetObject(ctx, "renders/ab/abcdef.png")
	require.NoError(t, err)
	assert.Equal(t, png, got)

	// Rewrites replace the object in place.
	_, err = store.PutObject(ctx, "renders/ab/abcdef.png", "image/png", bytes.NewReader([]byte("v2")))
	require.NoError(t, err)
	got, err = store.GetObject(ctx, "renders/ab/abcdef.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, store.DeleteObject(ctx, "renders/ab/abcdef.png"))
	_, err = store.GetObject(ctx, "renders/ab/abcdef.png")
	require.ErrorIs(t, err, storage.ErrObjectNotFound)
	require.ErrorIs(t, store.DeleteObject(ctx, "renders/ab/abcdef.png"), storage.ErrObjectNotFound)

	got, err = store.GetObject(ctx, "renders/ab/abcdef.meta.json")
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestObjectPathsStayInsideBaseDir(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	ctx := context.Background()

	for _, path := range []string{"", "../escape.png", "renders/../../etc/passwd"} {
		_, err := store.PutObject(ctx, path, "image/png", bytes.NewReader([]byte("x")))
		require.Error(t, err, path)
		_, err = store.GetObject(ctx, path)
		require.Error(t, err, path)
		assert.NotErrorIs(t, err, storage.ErrObjectNotFound, path)
	}
}
