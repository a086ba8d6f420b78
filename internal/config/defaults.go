package config

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendS3      = "s3"
	BackendRedis   = "redis"
	BackendProxy   = "proxy"
)

const (
	defaultDataDir             = "~/.local/share/crate"
	defaultLogDir              = "~/.local/share/crate/logs"
	defaultIdentityFile        = "~/.config/crate/identity.json"
	defaultBucketBackend       = BackendLevelDB
	defaultLevelDBDir          = "~/.local/share/crate/bucket"
	defaultS3Region            = "us-east-1"
	defaultBucketTimeout       = 30
	defaultProxyBind           = "127.0.0.1:7490"
	defaultTokenTTLSeconds     = 300
	defaultReplayWindowSeconds = 600
	defaultMaxObjectBytes      = 256 << 20
	defaultPullConcurrency     = 4
	defaultLogFormat           = "auto"
	defaultLogLevel            = "info"
	defaultLogMaxSizeMB        = 20
	defaultLogMaxBackups       = 5
	defaultLogMaxAgeDays       = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:      defaultDataDir,
			LogDir:       defaultLogDir,
			IdentityFile: defaultIdentityFile,
		},
		Bucket: Bucket{
			Backend:     defaultBucketBackend,
			LevelDBDir:  defaultLevelDBDir,
			Region:      defaultS3Region,
			UseSSL:      true,
			TimeoutSecs: defaultBucketTimeout,
		},
		Proxy: Proxy{
			Bind:                defaultProxyBind,
			TokenTTLSeconds:     defaultTokenTTLSeconds,
			ReplayWindowSeconds: defaultReplayWindowSeconds,
			MetricsEnabled:      true,
			MaxObjectBytes:      defaultMaxObjectBytes,
		},
		Sync: Sync{
			PullConcurrency: defaultPullConcurrency,
			SignEnvelopes:   true,
		},
		Logging: Logging{
			Format:     defaultLogFormat,
			Level:      defaultLogLevel,
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
	}
}
