// Package syncer orchestrates a device's sync cycle: locked push with a
// durable local seq, pull, seq reconciliation and status reporting.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"

	"crate/internal/library"
	"crate/internal/logging"
	"crate/internal/replication"
	"crate/internal/syncerr"
)

const lockRetryDelay = 100 * time.Millisecond

// Syncer ties a library store to a replicator.
type Syncer struct {
	store    *library.Store
	rep      *replication.Replicator
	lock     *flock.Flock
	lockPath string
	lockWait time.Duration
	logger   *slog.Logger
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLockWait bounds how long Push waits for another push on this device.
func WithLockWait(d time.Duration) Option {
	return func(s *Syncer) {
		if d >= 0 {
			s.lockWait = d
		}
	}
}

// New builds a Syncer. lockPath serializes pushes from every process using
// the same library.
func New(store *library.Store, rep *replication.Replicator, lockPath string, opts ...Option) (*Syncer, error) {
	if store == nil || rep == nil {
		return nil, errors.New("syncer requires a library store and a replicator")
	}
	if lockPath == "" {
		return nil, syncerr.Wrap(syncerr.ErrConfiguration, "syncer", "new", "push lock path is required", nil)
	}
	s := &Syncer{
		store:    store,
		rep:      rep,
		lock:     flock.New(lockPath),
		lockPath: lockPath,
		lockWait: 5 * time.Second,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "syncer")
	return s, nil
}

// Push uploads pending local changes and persists the new local seq.
func (s *Syncer) Push(ctx context.Context, message string) (replication.Result, error) {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return replication.Result{}, err
	}
	defer unlock()

	localSeq, err := s.store.LocalSeq(ctx)
	if err != nil {
		return replication.Result{}, err
	}
	res, pushErr := s.rep.Push(ctx, s.store, localSeq, message)
	if res.Outcome == replication.Pushed {
		if err := s.store.SetLocalSeq(ctx, res.Seq); err != nil {
			return res, errors.Join(pushErr, fmt.Errorf("persist local seq %d: %w", res.Seq, err))
		}
	}
	if errors.Is(pushErr, syncerr.ErrSeqCollision) {
		logging.WarnWithContext(s.logger, "push collided with an existing changeset", "push_collision",
			logging.Uint64("local_seq", localSeq),
			logging.String(logging.FieldErrorHint, replication.ReconcileHint),
		)
	}
	return res, pushErr
}

// Pull applies unseen changesets from every other device.
func (s *Syncer) Pull(ctx context.Context) (replication.PullReport, error) {
	return s.rep.Pull(ctx, s.store)
}

// Reconcile raises the local seq to the last changeset this device stored
// in the bucket. It reports the resulting seq and whether it moved.
func (s *Syncer) Reconcile(ctx context.Context) (uint64, bool, error) {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return 0, false, err
	}
	defer unlock()

	local, err := s.store.LocalSeq(ctx)
	if err != nil {
		return 0, false, err
	}
	remote, err := s.rep.LastPushedSeq(ctx)
	if err != nil {
		return 0, false, err
	}
	if remote <= local {
		return local, false, nil
	}
	if err := s.store.SetLocalSeq(ctx, remote); err != nil {
		return 0, false, err
	}
	s.logger.Info("local seq reconciled",
		logging.String(logging.FieldEventType, "seq_reconciled"),
		logging.Uint64("from", local),
		logging.Uint64("to", remote),
	)
	return remote, true, nil
}

func (s *Syncer) acquire(ctx context.Context) (func(), error) {
	lockCtx := ctx
	if s.lockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lockWait)
		defer cancel()
	}
	ok, err := s.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("acquire push lock: %w", err)
	}
	if !ok {
		return nil, syncerr.Wrap(syncerr.ErrTransport, "syncer", "lock",
			"another push is running for this library ("+s.lockPath+")", nil)
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release push lock", logging.Error(err))
		}
	}, nil
}
