package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"crate/internal/bucket/backends"
	"crate/internal/config"
	"crate/internal/cryptobox"
	"crate/internal/library"
	"crate/internal/logging"
	"crate/internal/membership"
	"crate/internal/replication"
	"crate/internal/reqctx"
	"crate/internal/syncer"
	"crate/internal/syncerr"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// logger builds a logger that writes to the command's stderr and the
// rotated crate.log file.
func (c *commandContext) logger(cmd *cobra.Command) *slog.Logger {
	cfg, err := c.ensureConfig()
	if err != nil {
		return logging.NewNop()
	}
	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Stdout:     cmd.ErrOrStderr(),
		FilePath:   cfg.LogFilePath("crate.log"),
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

func (c *commandContext) keyringStore() (*cryptobox.KeyringStore, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return cryptobox.NewKeyringStore(cfg.Paths.IdentityFile), nil
}

func (c *commandContext) loadKeyring() (*cryptobox.Keyring, error) {
	store, err := c.keyringStore()
	if err != nil {
		return nil, err
	}
	ring, err := store.Load()
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil, fmt.Errorf("%w (run `crate identity init` first)", err)
	}
	return ring, err
}

// loadLibraryKeyring returns a keyring that already holds the library key.
func (c *commandContext) loadLibraryKeyring() (*cryptobox.Keyring, error) {
	ring, err := c.loadKeyring()
	if err != nil {
		return nil, err
	}
	if len(ring.LibraryKey) == 0 {
		return nil, syncerr.Wrap(syncerr.ErrConfiguration, "cli", "load keyring",
			"no library key yet; run `crate library init` or `crate accept`", nil)
	}
	return ring, nil
}

func (c *commandContext) openLibrary(logger *slog.Logger) (*library.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	deviceID, err := c.deviceID()
	if err != nil {
		return nil, err
	}
	return library.Open(cfg.LibraryDBPath(), deviceID, library.WithLogger(logger))
}

func (c *commandContext) deviceID() (string, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	if cfg.Library.DeviceID == "" {
		return "", syncerr.Wrap(syncerr.ErrConfiguration, "cli", "device id",
			"library.device_id is not set; `crate identity init` prints a suggestion", nil)
	}
	return cfg.Library.DeviceID, nil
}

// withBucket opens the configured bucket for the duration of fn.
func (c *commandContext) withBucket(ctx context.Context, id *cryptobox.Identity, fn func(*backends.Handle) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	handle, err := backends.Open(ctx, cfg, id)
	if err != nil {
		return err
	}
	defer handle.Close()
	return fn(handle)
}

// syncSession bundles everything push, pull and status need.
type syncSession struct {
	ctx    context.Context
	cfg    *config.Config
	ring   *cryptobox.Keyring
	handle *backends.Handle
	store  *library.Store
	rep    *replication.Replicator
	syncer *syncer.Syncer
	logger *slog.Logger
}

func (s *syncSession) close() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.handle != nil {
		_ = s.handle.Close()
	}
}

// withSync opens the keyring, bucket, library store and replicator. The
// membership chain is loaded so pulls are checked against it.
func (c *commandContext) withSync(cmd *cobra.Command, operation string, fn func(*syncSession) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	ring, err := c.loadLibraryKeyring()
	if err != nil {
		return err
	}
	deviceID, err := c.deviceID()
	if err != nil {
		return err
	}
	cipher, err := cryptobox.NewCipher(ring.LibraryKey)
	if err != nil {
		return err
	}

	ctx := reqctx.WithDeviceID(cmd.Context(), deviceID)
	ctx = reqctx.WithLibraryID(ctx, cfg.Library.ID)
	ctx = reqctx.WithOperation(ctx, operation)
	logger := logging.WithContext(ctx, c.logger(cmd))

	s := &syncSession{ctx: ctx, cfg: cfg, ring: ring, logger: logger}
	defer s.close()

	if s.handle, err = backends.Open(ctx, cfg, ring.Identity); err != nil {
		return err
	}
	if s.store, err = c.openLibrary(logger); err != nil {
		return err
	}
	state, err := membership.LoadState(ctx, s.handle.Bucket)
	if err != nil {
		return err
	}
	opts := []replication.Option{
		replication.WithChainState(state),
		replication.WithLogger(logger),
		replication.WithPullConcurrency(cfg.Sync.PullConcurrency),
	}
	if cfg.Sync.SignEnvelopes {
		opts = append(opts, replication.WithIdentity(ring.Identity))
	}
	if s.rep, err = replication.New(s.handle.Bucket, cipher, deviceID, opts...); err != nil {
		return err
	}
	if s.syncer, err = syncer.New(s.store, s.rep, cfg.PushLockPath(), syncer.WithLogger(logger)); err != nil {
		return err
	}
	return fn(s)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func shortHex(value string) string {
	if len(value) > 16 {
		return value[:16]
	}
	return value
}

// withLibraryDB opens the local library database for commands that only use
// the caches stored alongside the catalog.
func (c *commandContext) withLibraryDB(cmd *cobra.Command, fn func(store *library.Store, logger *slog.Logger) error) error {
	logger := c.logger(cmd)
	store, err := c.openLibrary(logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store, logger)
}
