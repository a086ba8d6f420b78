package leveldb_test

import (
	"context"
	"path/filepath"
	"testing"

	"crate/internal/bucket"
	"crate/internal/bucket/leveldb"
)

func TestLevelDBBucket(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "bucket")
	b, err := leveldb.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := b.Get(ctx, "keys/abc"); !bucket.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := b.Put(ctx, "membership/abc/1", []byte("one")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Put(ctx, "membership/abc/2", []byte("two")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Put(ctx, "heads/dev", []byte("head")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	stored, err := b.PutIfAbsent(ctx, "membership/abc/2", []byte("clobber"))
	if err != nil || stored {
		t.Fatalf("PutIfAbsent on existing key = %v, %v", stored, err)
	}
	stored, err = b.PutIfAbsent(ctx, "membership/abc/3", []byte("three"))
	if err != nil || !stored {
		t.Fatalf("PutIfAbsent on new key = %v, %v", stored, err)
	}

	keys, err := b.List(ctx, bucket.MembershipPrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 3 || keys[0] != "membership/abc/1" {
		t.Fatalf("unexpected keys %v", keys)
	}

	if err := b.Delete(ctx, "membership/abc/1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := leveldb.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	data, err := reopened.Get(ctx, "membership/abc/2")
	if err != nil || string(data) != "two" {
		t.Fatalf("expected persisted value, got %q, %v", data, err)
	}
	if _, err := reopened.Get(ctx, "membership/abc/1"); !bucket.IsNotFound(err) {
		t.Fatalf("expected deleted key to be gone, got %v", err)
	}
}
