package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "cam/2024-05-01T03-04-05.json.gz", "application/gzip", payload)
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://cam/2024-05-01T03-04-05.json.gz" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, ok := store.Get("cam/2024-05-01T03-04-05.json.gz")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
}

func TestBlobStoreRefusesOverwrite(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "a/b.json.gz", "", []byte("one")); err != nil {
		t.Fatalf("first PutObject() error = %v", err)
	}
	_, err := store.PutObject(ctx, "a/b.json.gz", "", []byte("two"))
	if !errors.Is(err, collector.ErrObjectExists) {
		t.Fatalf("expected ErrObjectExists, got %v", err)
	}
	stored, _ := store.Get("a/b.json.gz")
	if string(stored) != "one" {
		t.Fatalf("original object was modified: %q", stored)
	}
	if got := store.Paths(); len(got) != 1 {
		t.Fatalf("Paths() = %v", got)
	}
}

func TestBlobStoreRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := NewBlobStore().PutObject(context.Background(), "", "", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}
