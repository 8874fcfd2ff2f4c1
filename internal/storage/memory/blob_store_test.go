package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/dsl-png-renderer/internal/storage"
)

func TestBlobStoreRoundTripCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "renders/ab/abc.png", "image/png", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://renders/ab/abc.png" {
		t.Fatalf("unexpected uri %s", uri)
	}
	got, err := store.GetObject(context.Background(), "renders/ab/abc.png")
	if err != nil {
		t.Fatalf("GetObject() error = %v", err)
	}
	got[0] = 'C'
	again, _ := store.GetObject(context.Background(), "renders/ab/abc.png")
	if string(again) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", again)
	}
}

func TestBlobStoreMissingObjects(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	if _, err := store.GetObject(context.Background(), "nope"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if err := store.DeleteObject(context.Background(), "nope"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := store.PutObject(context.Background(), "", "", bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestBlobStoreDelete(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	if _, err := store.PutObject(context.Background(), "a", "", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if err := store.DeleteObject(context.Background(), "a"); err != nil {
		t.Fatalf("DeleteObject() error = %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d objects", store.Len())
	}
}
