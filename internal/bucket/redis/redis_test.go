package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"crate/internal/bucket"
	"crate/internal/bucket/redis"
)

func setupTestRedis(t *testing.T, prefix string) (*redis.Bucket, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	b, err := redis.New(context.Background(), "redis://"+s.Addr(), prefix)
	if err != nil {
		t.Fatalf("failed to create redis bucket: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, s
}

func TestRedisBucketContract(t *testing.T) {
	b, s := setupTestRedis(t, "lib-1")
	ctx := context.Background()

	if _, err := b.Get(ctx, "heads/dev"); !bucket.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := b.Put(ctx, "heads/dev", []byte{0, 1, 2}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Exists("lib-1/heads/dev") {
		t.Fatal("expected key to be stored under the prefix")
	}
	data, err := b.Get(ctx, "heads/dev")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(data) != 3 || data[2] != 2 {
		t.Fatalf("binary payload mangled: %v", data)
	}

	stored, err := b.PutIfAbsent(ctx, "heads/dev", []byte("other"))
	if err != nil || stored {
		t.Fatalf("PutIfAbsent existing = %v, %v", stored, err)
	}
	stored, err = b.PutIfAbsent(ctx, "changes/dev/1", []byte("c1"))
	if err != nil || !stored {
		t.Fatalf("PutIfAbsent new = %v, %v", stored, err)
	}

	if err := b.Delete(ctx, "heads/dev"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, "heads/dev"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestRedisListIsSortedAndScoped(t *testing.T) {
	b, s := setupTestRedis(t, "")
	ctx := context.Background()
	for _, k := range []string{"changes/b/2", "changes/b/10", "changes/a/1", "heads/a"} {
		if err := b.Put(ctx, k, []byte("x")); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	if err := s.Set("changes*/odd", "x"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	keys, err := b.List(ctx, "changes/b/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "changes/b/10" || keys[1] != "changes/b/2" {
		t.Fatalf("unexpected keys %v", keys)
	}

	all, err := b.List(ctx, bucket.ChangesPrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 change keys, got %v", all)
	}
}

func TestRedisUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()
	if _, err := redis.New(context.Background(), "redis://"+addr, ""); err == nil {
		t.Fatal("expected connection error")
	}
}
