package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"crate/internal/bucket"
	"crate/internal/syncerr"
)

// Head is a device's durable pointer to its latest pushed seq.
type Head struct {
	DeviceID    string     `json:"device_id"`
	Seq         uint64     `json:"seq"`
	SnapshotSeq *uint64    `json:"snapshot_seq,omitempty"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
}

func (r *Replicator) readHead(ctx context.Context, deviceID string) (Head, bool, error) {
	blob, err := r.bucket.Get(ctx, bucket.HeadKey(deviceID))
	if bucket.IsNotFound(err) {
		return Head{}, false, nil
	}
	if err != nil {
		return Head{}, false, err
	}
	plain, err := r.cipher.Decrypt(blob)
	if err != nil {
		return Head{}, false, err
	}
	var head Head
	if err := json.Unmarshal(plain, &head); err != nil {
		return Head{}, false, syncerr.Wrap(syncerr.ErrProtocol, "replication", "read head",
			fmt.Sprintf("decode head for %s", deviceID), err)
	}
	if head.DeviceID != deviceID {
		return Head{}, false, syncerr.Wrap(syncerr.ErrProtocol, "replication", "read head",
			fmt.Sprintf("head at %s names device %q", bucket.HeadKey(deviceID), head.DeviceID), nil)
	}
	return head, true, nil
}

func (r *Replicator) writeHead(ctx context.Context, head Head) error {
	plain, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("encode head: %w", err)
	}
	blob, err := r.cipher.Encrypt(plain)
	if err != nil {
		return err
	}
	return r.bucket.Put(ctx, bucket.HeadKey(head.DeviceID), blob)
}

// Head returns deviceID's head, reporting false when it has never pushed.
func (r *Replicator) Head(ctx context.Context, deviceID string) (Head, bool, error) {
	return r.readHead(ctx, deviceID)
}

// Heads lists every device head, sorted by device id. Heads are fetched
// concurrently.
func (r *Replicator) Heads(ctx context.Context) ([]Head, error) {
	keys, err := r.bucket.List(ctx, bucket.HeadsPrefix)
	if err != nil {
		return nil, err
	}
	devices := make([]string, len(keys))
	for i, key := range keys {
		devices[i] = strings.TrimPrefix(key, bucket.HeadsPrefix)
		if !strings.HasPrefix(key, bucket.HeadsPrefix) || !bucket.ValidSegment(devices[i]) {
			return nil, syncerr.Wrap(syncerr.ErrProtocol, "replication", "list heads",
				fmt.Sprintf("malformed head key %q", key), nil)
		}
	}
	heads := make([]Head, len(keys))
	found := make([]bool, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, device := range devices {
		g.Go(func() error {
			head, ok, err := r.readHead(gctx, device)
			if err != nil {
				return err
			}
			heads[i], found[i] = head, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Head, 0, len(heads))
	for i, head := range heads {
		if found[i] {
			out = append(out, head)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// LastPushedSeq returns the highest seq this device has stored. It starts at
// the device head and probes forward, since a crash between the changeset
// upload and the head update leaves the head one behind.
func (r *Replicator) LastPushedSeq(ctx context.Context) (uint64, error) {
	head, _, err := r.readHead(ctx, r.deviceID)
	if err != nil {
		return 0, err
	}
	seq := head.Seq
	for {
		_, err := r.bucket.Get(ctx, bucket.ChangeKey(r.deviceID, seq+1))
		if bucket.IsNotFound(err) {
			return seq, nil
		}
		if err != nil {
			return 0, err
		}
		seq++
	}
}
