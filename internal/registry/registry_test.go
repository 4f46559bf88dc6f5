package registry

import (
	"context"
	"errors"
	"testing"
)

func TestMemRegistryStreamLifecycle(t *testing.T) {
	r := NewMemRegistry()
	ctx := context.Background()

	if _, err := r.GetStream(ctx, "acme/orders"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec := StreamRecord{Public: false, ContentType: "application/json", CreatedAt: 1000, ReaderKey: "rk-1"}
	if err := r.PutStream(ctx, "acme/orders", rec); err != nil {
		t.Fatalf("PutStream: %v", err)
	}

	got, err := r.GetStream(ctx, "acme/orders")
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if got != rec {
		t.Fatalf("GetStream mismatch: want %+v got %+v", rec, got)
	}

	if err := r.DeleteStream(ctx, "acme/orders"); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}
	if _, err := r.GetStream(ctx, "acme/orders"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemRegistryListStreamsByPrefix(t *testing.T) {
	r := NewMemRegistry()
	ctx := context.Background()
	for _, p := range []string{"acme/orders", "acme/events", "other/orders"} {
		if err := r.PutStream(ctx, p, StreamRecord{ContentType: "application/octet-stream"}); err != nil {
			t.Fatalf("PutStream(%s): %v", p, err)
		}
	}
	got, err := r.ListStreams(ctx, "acme/")
	if err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 streams under acme/, got %v", got)
	}
}

func TestMemRegistryProjectConfig(t *testing.T) {
	r := NewMemRegistry()
	ctx := context.Background()
	cfg := ProjectConfig{SigningSecrets: []string{"new", "old"}, IsPublic: true}
	if err := r.PutProject(ctx, "acme", cfg); err != nil {
		t.Fatalf("PutProject: %v", err)
	}
	got, err := r.GetProject(ctx, "acme")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if len(got.SigningSecrets) != 2 || got.SigningSecrets[0] != "new" {
		t.Fatalf("unexpected signing secrets: %v", got.SigningSecrets)
	}
}
