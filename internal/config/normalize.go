package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLibrary()
	if err := c.normalizeBucket(); err != nil {
		return err
	}
	c.normalizeProxy()
	c.normalizeSync()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.IdentityFile) == "" {
		c.Paths.IdentityFile = defaultIdentityFile
	}
	if c.Paths.IdentityFile, err = expandPath(c.Paths.IdentityFile); err != nil {
		return fmt.Errorf("paths.identity_file: %w", err)
	}
	return nil
}

func (c *Config) normalizeLibrary() {
	c.Library.ID = strings.TrimSpace(c.Library.ID)
	c.Library.DeviceID = strings.TrimSpace(c.Library.DeviceID)
	c.Library.DisplayName = strings.TrimSpace(c.Library.DisplayName)
}

func (c *Config) normalizeBucket() error {
	b := &c.Bucket
	b.Backend = strings.ToLower(strings.TrimSpace(b.Backend))
	if b.Backend == "" {
		b.Backend = defaultBucketBackend
	}
	if b.AccessKey == "" {
		if value, ok := os.LookupEnv("CRATE_S3_ACCESS_KEY"); ok {
			b.AccessKey = value
		}
	}
	if b.SecretKey == "" {
		if value, ok := os.LookupEnv("CRATE_S3_SECRET_KEY"); ok {
			b.SecretKey = value
		}
	}
	if b.RedisURL == "" {
		if value, ok := os.LookupEnv("CRATE_REDIS_URL"); ok {
			b.RedisURL = value
		}
	}
	b.Endpoint = strings.TrimSpace(b.Endpoint)
	b.Name = strings.TrimSpace(b.Name)
	b.Prefix = strings.Trim(strings.TrimSpace(b.Prefix), "/")
	b.ProxyURL = strings.TrimRight(strings.TrimSpace(b.ProxyURL), "/")
	if strings.TrimSpace(b.Region) == "" {
		b.Region = defaultS3Region
	}
	if b.TimeoutSecs <= 0 {
		b.TimeoutSecs = defaultBucketTimeout
	}
	if strings.TrimSpace(b.LevelDBDir) == "" {
		b.LevelDBDir = defaultLevelDBDir
	}
	var err error
	if b.LevelDBDir, err = expandPath(b.LevelDBDir); err != nil {
		return fmt.Errorf("bucket.leveldb_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeProxy() {
	c.Proxy.Bind = strings.TrimSpace(c.Proxy.Bind)
	if c.Proxy.Bind == "" {
		c.Proxy.Bind = defaultProxyBind
	}
	if c.Proxy.TokenTTLSeconds <= 0 {
		c.Proxy.TokenTTLSeconds = defaultTokenTTLSeconds
	}
	if c.Proxy.ReplayWindowSeconds <= 0 {
		c.Proxy.ReplayWindowSeconds = defaultReplayWindowSeconds
	}
	if c.Proxy.MaxObjectBytes <= 0 {
		c.Proxy.MaxObjectBytes = defaultMaxObjectBytes
	}
}

func (c *Config) normalizeSync() {
	if c.Sync.PullConcurrency <= 0 {
		c.Sync.PullConcurrency = defaultPullConcurrency
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = defaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups < 0 {
		c.Logging.MaxBackups = 0
	}
	if c.Logging.MaxAgeDays < 0 {
		c.Logging.MaxAgeDays = 0
	}
}
