package testsupport

import (
	"path/filepath"
	"testing"

	"crate/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The bucket defaults to the leveldb backend under the temp directory.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.IdentityFile = filepath.Join(base, "data", "identity.json")
	cfgVal.Library.ID = "library-test"
	cfgVal.Library.DeviceID = "device-test"
	cfgVal.Bucket.Backend = config.BackendLevelDB
	cfgVal.Bucket.LevelDBDir = filepath.Join(base, "bucket")
	cfgVal.Proxy.Bind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithDeviceID overrides the device id.
func WithDeviceID(id string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Library.DeviceID = id
	}
}

// WithBackend switches the bucket backend.
func WithBackend(backend string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Bucket.Backend = backend
	}
}

// WithProxyURL points the bucket at a write proxy.
func WithProxyURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Bucket.Backend = config.BackendProxy
		b.cfg.Bucket.ProxyURL = url
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
