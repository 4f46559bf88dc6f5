package coldstore

import (
	"context"
	"errors"
	"io"
	"testing"
)

func TestFSStorePutGetDelete(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	ctx := context.Background()
	key := Key("acme", "orders", 1, 1000)

	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before Put, got %v", err)
	}

	payload := []byte("hello world")
	if err := store.Put(ctx, key, payload, "application/octet-stream"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("Get mismatch: want %q got %q", payload, got)
	}

	r, err := store.OpenRange(ctx, key, 6)
	if err != nil {
		t.Fatalf("OpenRange: %v", err)
	}
	defer r.Close()
	rest, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(rest) != "world" {
		t.Fatalf("OpenRange mismatch: want %q got %q", "world", rest)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after Delete, got %v", err)
	}
	// Deleting an already-missing key is not an error.
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete of missing key should be a no-op, got %v", err)
	}
}

func TestKeyFormat(t *testing.T) {
	if got, want := Key("p", "s", 1, 1000), "p/s/segments/1-1000.bin"; got != want {
		t.Fatalf("Key mismatch: want %q got %q", want, got)
	}
}
