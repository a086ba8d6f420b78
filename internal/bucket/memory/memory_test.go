package memory_test

import (
	"context"
	"testing"

	"crate/internal/bucket"
	"crate/internal/bucket/memory"
)

func TestMemoryBucketContract(t *testing.T) {
	ctx := context.Background()
	b := memory.New()

	if _, err := b.Get(ctx, "heads/a"); !bucket.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	for _, key := range []string{"heads/b", "heads/a", "changes/a/1"} {
		if err := b.Put(ctx, key, []byte(key)); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	keys, err := b.List(ctx, bucket.HeadsPrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "heads/a" || keys[1] != "heads/b" {
		t.Fatalf("unexpected keys %v", keys)
	}

	data, _ := b.Get(ctx, "heads/a")
	data[0] = 'X'
	again, _ := b.Get(ctx, "heads/a")
	if string(again) != "heads/a" {
		t.Fatal("Get must return a copy")
	}

	if err := b.Delete(ctx, "heads/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, "heads/a"); err != nil {
		t.Fatalf("Delete of missing key: %v", err)
	}
	if b.Len() != 2 {
		t.Fatalf("expected 2 objects, got %d", b.Len())
	}
}

func TestMemoryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := memory.New().Put(ctx, "k", nil); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
