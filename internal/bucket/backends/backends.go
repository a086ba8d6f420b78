// Package backends opens the configured bucket adapter.
package backends

import (
	"context"
	"fmt"
	"time"

	"crate/internal/bucket"
	"crate/internal/bucket/leveldb"
	"crate/internal/bucket/memory"
	"crate/internal/bucket/redis"
	"crate/internal/bucket/s3"
	"crate/internal/config"
	"crate/internal/cryptobox"
	"crate/internal/proxy"
	"crate/internal/syncerr"
)

// Handle is an opened bucket plus its release function.
type Handle struct {
	Bucket  bucket.Bucket
	Backend string
	close   func() error
}

// Close releases backend resources.
func (h *Handle) Close() error {
	if h == nil || h.close == nil {
		return nil
	}
	return h.close()
}

// Open builds the adapter selected by cfg.Bucket.Backend. The identity is
// only needed by the proxy backend, which signs every write.
func Open(ctx context.Context, cfg *config.Config, identity *cryptobox.Identity) (*Handle, error) {
	if cfg == nil {
		return nil, syncerr.Wrap(syncerr.ErrConfiguration, "backends", "open", "config is nil", nil)
	}
	b := cfg.Bucket
	switch b.Backend {
	case config.BackendMemory:
		return &Handle{Bucket: memory.New(), Backend: b.Backend}, nil
	case config.BackendLevelDB:
		db, err := leveldb.Open(b.LevelDBDir)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.ErrTransport, "backends", "open leveldb", b.LevelDBDir, err)
		}
		return &Handle{Bucket: db, Backend: b.Backend, close: db.Close}, nil
	case config.BackendS3:
		client, err := s3.New(s3.Options{
			Endpoint:  b.Endpoint,
			Region:    b.Region,
			Bucket:    b.Name,
			Prefix:    b.Prefix,
			AccessKey: b.AccessKey,
			SecretKey: b.SecretKey,
			UseSSL:    b.UseSSL,
		})
		if err != nil {
			return nil, syncerr.Wrap(syncerr.ErrConfiguration, "backends", "open s3", b.Endpoint, err)
		}
		return &Handle{Bucket: client, Backend: b.Backend}, nil
	case config.BackendRedis:
		client, err := redis.New(ctx, b.RedisURL, b.Prefix)
		if err != nil {
			return nil, err
		}
		return &Handle{Bucket: client, Backend: b.Backend, close: client.Close}, nil
	case config.BackendProxy:
		if identity == nil {
			return nil, syncerr.Wrap(syncerr.ErrConfiguration, "backends", "open proxy",
				"proxy backend requires a device identity", nil)
		}
		client, err := proxy.NewClient(proxy.ClientOptions{
			BaseURL:  b.ProxyURL,
			Identity: identity,
			Timeout:  time.Duration(b.TimeoutSecs) * time.Second,
		})
		if err != nil {
			return nil, syncerr.Wrap(syncerr.ErrConfiguration, "backends", "open proxy", b.ProxyURL, err)
		}
		return &Handle{Bucket: client, Backend: b.Backend}, nil
	default:
		return nil, syncerr.Wrap(syncerr.ErrConfiguration, "backends", "open",
			fmt.Sprintf("unsupported bucket backend %q", b.Backend), nil)
	}
}
