package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBucket(); err != nil {
		return err
	}
	if err := c.validateProxy(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateBucket() error {
	b := c.Bucket
	switch b.Backend {
	case BackendMemory:
		return nil
	case BackendLevelDB:
		if strings.TrimSpace(b.LevelDBDir) == "" {
			return errors.New("bucket.leveldb_dir must be set when bucket.backend is leveldb")
		}
		return nil
	case BackendS3:
		if b.Endpoint == "" {
			return errors.New("bucket.endpoint must be set when bucket.backend is s3")
		}
		if b.Name == "" {
			return errors.New("bucket.name must be set when bucket.backend is s3")
		}
		if b.AccessKey == "" || b.SecretKey == "" {
			return errors.New("bucket.access_key and bucket.secret_key are required for s3 (or export CRATE_S3_ACCESS_KEY / CRATE_S3_SECRET_KEY)")
		}
		return nil
	case BackendRedis:
		if strings.TrimSpace(b.RedisURL) == "" {
			return errors.New("bucket.redis_url must be set when bucket.backend is redis (or export CRATE_REDIS_URL)")
		}
		return nil
	case BackendProxy:
		if b.ProxyURL == "" {
			return errors.New("bucket.proxy_url must be set when bucket.backend is proxy")
		}
		parsed, err := url.Parse(b.ProxyURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("bucket.proxy_url %q is not an absolute URL", b.ProxyURL)
		}
		return nil
	default:
		return fmt.Errorf("bucket.backend: unsupported value %q (expected memory, leveldb, s3, redis, or proxy)", b.Backend)
	}
}

func (c *Config) validateProxy() error {
	if c.Proxy.TokenTTLSeconds > c.Proxy.ReplayWindowSeconds {
		return errors.New("proxy.replay_window_seconds must be at least proxy.token_ttl_seconds")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
