package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/gofrs/flock"

	"crate/internal/bucket/backends"
	"crate/internal/config"
	"crate/internal/logging"
	"crate/internal/membership"
	"crate/internal/metrics"
	"crate/internal/proxy"
	"crate/internal/syncerr"
)

// daemon owns the backend bucket, the proxy server and the single-instance
// lock.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	handle *backends.Handle
	server *proxy.Server
	lock   *flock.Flock
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	if cfg == nil {
		return nil, errors.New("crated requires a config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Bucket.Backend == config.BackendProxy {
		return nil, syncerr.Wrap(syncerr.ErrConfiguration, "crated", "start",
			"bucket.backend must name the store the proxy fronts, not the proxy itself", nil)
	}
	handle, err := backends.Open(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	state, err := membership.LoadState(ctx, handle.Bucket)
	if err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("load membership chain: %w", err)
	}

	opts := []proxy.ServerOption{
		proxy.WithLogger(logger),
		proxy.WithTokenTTL(time.Duration(cfg.Proxy.TokenTTLSeconds) * time.Second),
		proxy.WithReplayWindow(time.Duration(cfg.Proxy.ReplayWindowSeconds) * time.Second),
		proxy.WithMaxObjectBytes(cfg.Proxy.MaxObjectBytes),
	}
	if cfg.Proxy.MetricsEnabled {
		opts = append(opts, proxy.WithMetrics(metrics.New(metrics.DefaultNamespace)))
	}
	return &daemon{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "crated"),
		handle: handle,
		server: proxy.NewServer(handle.Bucket, state, opts...),
		lock:   flock.New(cfg.ProxyLockPath()),
	}, nil
}

// Run holds the instance lock and serves ln until ctx is cancelled.
func (d *daemon) Run(ctx context.Context, ln net.Listener) error {
	ok, err := d.lock.TryLock()
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("another crated instance holds %s", d.lock.Path())
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("release lock", logging.Error(err))
		}
	}()

	d.logger.Info("crated starting",
		logging.String("backend", d.handle.Backend),
		logging.String("bind", ln.Addr().String()),
		logging.Int("pid", os.Getpid()),
	)
	return d.server.Serve(ctx, ln)
}

// reloadOn re-reads the membership chain each time sig fires.
func (d *daemon) reloadOn(ctx context.Context, sig <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := d.server.ReloadChainState(ctx); err != nil {
				logging.WarnWithContext(d.logger, "chain reload failed", "chain_reload_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "write gate keeps the previous member set"),
				)
				continue
			}
			d.logger.Info("membership chain reloaded",
				logging.String("chain_state", d.server.ChainState().Kind().String()))
		}
	}
}

// Close releases the backend.
func (d *daemon) Close() error {
	return d.handle.Close()
}
