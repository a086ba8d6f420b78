package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains local directory and file locations.
type Paths struct {
	DataDir      string `toml:"data_dir"`
	LogDir       string `toml:"log_dir"`
	IdentityFile string `toml:"identity_file"`
}

// Library identifies the shared library and this device's place in it.
type Library struct {
	ID          string `toml:"id"`
	DeviceID    string `toml:"device_id"`
	DisplayName string `toml:"display_name"`
}

// Bucket selects and configures the object store backend.
type Bucket struct {
	Backend     string `toml:"backend"` // memory, leveldb, s3, redis, proxy
	LevelDBDir  string `toml:"leveldb_dir"`
	Endpoint    string `toml:"endpoint"`
	Region      string `toml:"region"`
	Name        string `toml:"name"`
	Prefix      string `toml:"prefix"`
	AccessKey   string `toml:"access_key"`
	SecretKey   string `toml:"secret_key"`
	UseSSL      bool   `toml:"use_ssl"`
	RedisURL    string `toml:"redis_url"`
	ProxyURL    string `toml:"proxy_url"`
	TimeoutSecs int    `toml:"timeout_seconds"`
}

// Proxy configures the write-proxy daemon.
type Proxy struct {
	Bind                string `toml:"bind"`
	TokenTTLSeconds     int    `toml:"token_ttl_seconds"`
	ReplayWindowSeconds int    `toml:"replay_window_seconds"`
	MetricsEnabled      bool   `toml:"metrics_enabled"`
	MaxObjectBytes      int64  `toml:"max_object_bytes"`
}

// Sync contains push/pull tuning.
type Sync struct {
	PullConcurrency int  `toml:"pull_concurrency"`
	SignEnvelopes   bool `toml:"sign_envelopes"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format     string `toml:"format"`
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Config encapsulates all configuration values for crate.
//
// Configuration sections by subsystem:
//   - Paths: library database directory, logs, identity key file
//   - Library: shared library and device identifiers
//   - Bucket: object store backend and credentials
//   - Proxy: write-proxy bind address and token policy
//   - Sync: push/pull tuning
//   - Logging: log format, level, and rotation
type Config struct {
	Paths   Paths   `toml:"paths"`
	Library Library `toml:"library"`
	Bucket  Bucket  `toml:"bucket"`
	Proxy   Proxy   `toml:"proxy"`
	Sync    Sync    `toml:"sync"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/crate/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("crate.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir, filepath.Dir(c.Paths.IdentityFile)}
	if c.Bucket.Backend == BackendLevelDB {
		dirs = append(dirs, c.Bucket.LevelDBDir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LibraryDBPath returns the SQLite library database location.
func (c *Config) LibraryDBPath() string {
	return filepath.Join(c.Paths.DataDir, "library.db")
}

// PushLockPath returns the lock file that serializes pushes from this device.
func (c *Config) PushLockPath() string {
	return filepath.Join(c.Paths.DataDir, "push.lock")
}

// ProxyLockPath returns the single-instance lock for the write-proxy daemon.
func (c *Config) ProxyLockPath() string {
	return filepath.Join(c.Paths.DataDir, "crated.lock")
}

// LogFilePath returns the rotated log file path, or "" when file logging is off.
func (c *Config) LogFilePath(name string) string {
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return ""
	}
	return filepath.Join(c.Paths.LogDir, name)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
