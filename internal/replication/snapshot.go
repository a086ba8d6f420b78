package replication

import (
	"context"
	"fmt"

	"crate/internal/bucket"
	"crate/internal/logging"
)

// PutSnapshot stores blob as the library snapshot and records on this
// device's head that it covers changesets through seq. The blob is stored
// as given; callers encrypt it.
func (r *Replicator) PutSnapshot(ctx context.Context, blob []byte, seq uint64) error {
	if err := r.bucket.Put(ctx, bucket.SnapshotKey, blob); err != nil {
		return err
	}
	head, _, err := r.readHead(ctx, r.deviceID)
	if err != nil {
		return fmt.Errorf("snapshot: read own head: %w", err)
	}
	head.DeviceID = r.deviceID
	covered := seq
	head.SnapshotSeq = &covered
	if err := r.writeHead(ctx, head); err != nil {
		return fmt.Errorf("snapshot: write head: %w", err)
	}
	r.logger.Info("snapshot stored",
		logging.String(logging.FieldEventType, "snapshot_stored"),
		logging.Uint64(logging.FieldSeq, seq),
		logging.Int("bytes", len(blob)),
	)
	return nil
}

// GetSnapshot returns the stored snapshot bytes.
func (r *Replicator) GetSnapshot(ctx context.Context) ([]byte, error) {
	return r.bucket.Get(ctx, bucket.SnapshotKey)
}
