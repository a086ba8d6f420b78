package backends_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"crate/internal/bucket/backends"
	"crate/internal/config"
	"crate/internal/syncerr"
)

func TestOpenLevelDB(t *testing.T) {
	cfg := config.Default()
	cfg.Bucket.Backend = config.BackendLevelDB
	cfg.Bucket.LevelDBDir = filepath.Join(t.TempDir(), "bucket")

	h, err := backends.Open(context.Background(), &cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	if err := h.Bucket.Put(context.Background(), "heads/x", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestOpenRedis(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Bucket.Backend = config.BackendRedis
	cfg.Bucket.RedisURL = "redis://" + s.Addr()

	h, err := backends.Open(context.Background(), &cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	if h.Backend != config.BackendRedis {
		t.Fatalf("unexpected backend %q", h.Backend)
	}
}

func TestOpenProxyRequiresIdentity(t *testing.T) {
	cfg := config.Default()
	cfg.Bucket.Backend = config.BackendProxy
	cfg.Bucket.ProxyURL = "http://127.0.0.1:7490"

	_, err := backends.Open(context.Background(), &cfg, nil)
	if !errors.Is(err, syncerr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Bucket.Backend = "ftp"
	if _, err := backends.Open(context.Background(), &cfg, nil); !errors.Is(err, syncerr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
