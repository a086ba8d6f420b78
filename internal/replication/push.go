package replication

import (
	"context"
	"fmt"

	"crate/internal/bucket"
	"crate/internal/library"
	"crate/internal/logging"
	"crate/internal/syncerr"
)

// ReconcileHint tells operators how to recover from a seq collision.
const ReconcileHint = "run `crate push --reconcile` to raise the local seq to the device's last stored changeset"

// ChangeSource yields the local changes to push. CommitCapture is called only
// after the changeset and head are stored in the bucket.
type ChangeSource interface {
	PendingChangeset(ctx context.Context) (library.Pending, error)
	CommitCapture(ctx context.Context, through int64) error
}

// Outcome describes what a push did.
type Outcome int

const (
	// NothingToPush means no local changes were captured and the bucket
	// was left untouched.
	NothingToPush Outcome = iota
	// Pushed means a new changeset and head were stored.
	Pushed
)

func (o Outcome) String() string {
	if o == Pushed {
		return "pushed"
	}
	return "nothing_to_push"
}

// Result reports the outcome of Push.
type Result struct {
	Outcome Outcome
	Seq     uint64
	Key     string
}

// Push uploads the outstanding local changeset as localSeq+1. The caller
// persists Result.Seq after a Pushed outcome.
//
// A changeset already stored at the target key is never overwritten; Push
// returns an error wrapping syncerr.ErrSeqCollision instead. If only the
// final change log acknowledgement fails, Push returns the Pushed result
// together with the error, since the upload itself is durable.
func (r *Replicator) Push(ctx context.Context, src ChangeSource, localSeq uint64, message string) (Result, error) {
	pending, err := src.PendingChangeset(ctx)
	if err != nil {
		r.metrics.ObservePush("error")
		return Result{}, err
	}
	if pending.Empty() {
		r.metrics.ObservePush("nothing")
		r.logger.Debug("nothing to push")
		return Result{Outcome: NothingToPush}, nil
	}

	seq := localSeq + 1
	key := bucket.ChangeKey(r.deviceID, seq)
	now := r.now()
	env := Envelope{
		DeviceID:      r.deviceID,
		Seq:           seq,
		SchemaVersion: library.SchemaVersion,
		Message:       message,
		Timestamp:     now.UnixMilli(),
		ChangesetSize: uint64(len(pending.Data)),
	}
	if r.identity != nil {
		env.Sign(r.identity, pending.Data)
	}
	frame, err := Pack(env, pending.Data)
	if err != nil {
		r.metrics.ObservePush("error")
		return Result{}, err
	}
	blob, err := r.cipher.Encrypt(frame)
	if err != nil {
		r.metrics.ObservePush("error")
		return Result{}, err
	}

	written, err := bucket.PutIfAbsent(ctx, r.bucket, key, blob)
	if err != nil {
		r.metrics.ObservePush("error")
		return Result{}, err
	}
	if !written {
		r.metrics.ObservePush("collision")
		logging.WarnWithContext(r.logger, "changeset key already taken", "push_collision",
			logging.String("key", key),
			logging.Uint64(logging.FieldSeq, seq),
			logging.String(logging.FieldErrorHint, ReconcileHint),
			logging.String(logging.FieldImpact, "local changes stay queued until the seq is reconciled"),
		)
		return Result{}, syncerr.Wrap(syncerr.ErrSeqCollision, "replication", "push",
			fmt.Sprintf("%s already exists; local seq %d is behind the bucket", key, localSeq), nil)
	}

	head, _, err := r.readHead(ctx, r.deviceID)
	if err != nil {
		r.metrics.ObservePush("error")
		return Result{}, fmt.Errorf("push: read own head: %w", err)
	}
	head.DeviceID = r.deviceID
	head.Seq = seq
	synced := now.UTC()
	head.LastSync = &synced
	if err := r.writeHead(ctx, head); err != nil {
		r.metrics.ObservePush("error")
		return Result{}, fmt.Errorf("push: write head: %w", err)
	}

	result := Result{Outcome: Pushed, Seq: seq, Key: key}
	r.metrics.ObservePush("pushed")
	r.logger.Info("changeset pushed",
		logging.String(logging.FieldEventType, "push_completed"),
		logging.Uint64(logging.FieldSeq, seq),
		logging.Int("bytes", len(pending.Data)),
		logging.Bool("signed", env.Signed()),
		logging.Int64("timestamp", env.Timestamp),
	)
	if err := src.CommitCapture(ctx, pending.Through); err != nil {
		return result, fmt.Errorf("push: acknowledge captured changes: %w", err)
	}
	return result, nil
}
