package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"crate/internal/bucket"
	"crate/internal/library"
	"crate/internal/logging"
	"crate/internal/membership"
	"crate/internal/syncerr"
)

// Sink receives pulled changesets. ApplyRemote must apply the changeset and
// advance the device cursor atomically.
type Sink interface {
	AppliedSeq(ctx context.Context, deviceID string) (uint64, error)
	ApplyRemote(ctx context.Context, deviceID string, seq uint64, data []byte) (library.ApplyStats, error)
	Quarantine(ctx context.Context, q library.Quarantined) error
}

// DeviceReport summarizes the pull of one remote device.
type DeviceReport struct {
	DeviceID string
	HeadSeq  uint64
	// AppliedThrough is the device cursor after the pull.
	AppliedThrough uint64
	Applied        int
	Stats          library.ApplyStats
	// Quarantined is the seq held back by the schema gate, or zero.
	Quarantined uint64
	Err         error
}

// PullReport aggregates per-device results, sorted by device id.
type PullReport struct {
	Devices []DeviceReport
}

// Applied returns the number of changesets applied across all devices.
func (r PullReport) Applied() int {
	total := 0
	for _, d := range r.Devices {
		total += d.Applied
	}
	return total
}

// Err joins the per-device failures.
func (r PullReport) Err() error {
	var errs []error
	for _, d := range r.Devices {
		if d.Err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", d.DeviceID, d.Err))
		}
	}
	return errors.Join(errs...)
}

// Pull applies every unseen changeset from every other device. Each device
// is walked in strictly increasing seq order and stops at its first failure;
// other devices continue. The returned error joins the device failures and
// is also available per device in the report.
func (r *Replicator) Pull(ctx context.Context, sink Sink) (PullReport, error) {
	heads, err := r.Heads(ctx)
	if err != nil {
		return PullReport{}, err
	}
	minSchema, err := r.GetMinSchemaVersion(ctx)
	if err != nil {
		return PullReport{}, err
	}

	var (
		mu      sync.Mutex
		reports = make([]DeviceReport, 0, len(heads))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, head := range heads {
		if head.DeviceID == r.deviceID {
			continue
		}
		g.Go(func() error {
			report := r.pullDevice(gctx, sink, head, minSchema)
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sortReports(reports)
	report := PullReport{Devices: reports}
	if err := report.Err(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Replicator) pullDevice(ctx context.Context, sink Sink, head Head, minSchema uint32) DeviceReport {
	report := DeviceReport{DeviceID: head.DeviceID, HeadSeq: head.Seq}
	logger := r.logger.With(logging.String("remote_device", head.DeviceID))

	applied, err := sink.AppliedSeq(ctx, head.DeviceID)
	if err != nil {
		report.Err = err
		return report
	}
	report.AppliedThrough = applied

	for seq := applied + 1; seq <= head.Seq; seq++ {
		if err := ctx.Err(); err != nil {
			report.Err = err
			return report
		}
		env, changeset, err := r.fetch(ctx, head.DeviceID, seq)
		if err != nil {
			r.metrics.ObservePull("rejected")
			report.Err = err
			return report
		}
		if reason := schemaRejection(env.SchemaVersion, minSchema); reason != "" {
			q := library.Quarantined{
				DeviceID:      head.DeviceID,
				Seq:           seq,
				SchemaVersion: env.SchemaVersion,
				Reason:        reason,
			}
			if err := sink.Quarantine(ctx, q); err != nil {
				report.Err = err
				return report
			}
			r.metrics.ObservePull("quarantined")
			report.Quarantined = seq
			logging.WarnWithContext(logger, "changeset quarantined", "changeset_quarantined",
				logging.Uint64(logging.FieldSeq, seq),
				logging.Int("schema_version", int(env.SchemaVersion)),
				logging.String("reason", reason),
				logging.String(logging.FieldImpact, "later changesets from this device wait behind it"),
			)
			report.Err = syncerr.Wrap(syncerr.ErrSchema, "replication", "pull",
				fmt.Sprintf("%s: %s", bucket.ChangeKey(head.DeviceID, seq), reason), nil)
			return report
		}
		stats, err := sink.ApplyRemote(ctx, head.DeviceID, seq, changeset)
		if err != nil {
			r.metrics.ObservePull("rejected")
			report.Err = err
			return report
		}
		r.metrics.ObservePull("applied")
		report.Applied++
		report.AppliedThrough = seq
		report.Stats.Applied += stats.Applied
		report.Stats.Skipped += stats.Skipped
		report.Stats.Deleted += stats.Deleted
		logger.Debug("changeset applied",
			logging.Uint64(logging.FieldSeq, seq),
			logging.Int("rows_applied", stats.Applied),
			logging.Int("rows_skipped", stats.Skipped),
		)
	}
	if report.Applied > 0 {
		logger.Info("device pulled",
			logging.String(logging.FieldEventType, "pull_completed"),
			logging.Int("changesets", report.Applied),
			logging.Uint64(logging.FieldSeq, report.AppliedThrough),
		)
	}
	return report
}

// fetch downloads, decrypts and authenticates one changeset.
func (r *Replicator) fetch(ctx context.Context, deviceID string, seq uint64) (Envelope, []byte, error) {
	key := bucket.ChangeKey(deviceID, seq)
	blob, err := r.bucket.Get(ctx, key)
	if err != nil {
		if bucket.IsNotFound(err) {
			return Envelope{}, nil, syncerr.Wrap(syncerr.ErrTransport, "replication", "pull",
				fmt.Sprintf("%s listed by head but missing", key), err)
		}
		return Envelope{}, nil, err
	}
	frame, err := r.cipher.Decrypt(blob)
	if err != nil {
		return Envelope{}, nil, err
	}
	env, changeset, err := Unpack(frame)
	if err != nil {
		return Envelope{}, nil, err
	}
	if env.DeviceID != deviceID || env.Seq != seq {
		return Envelope{}, nil, syncerr.Wrap(syncerr.ErrProtocol, "replication", "pull",
			fmt.Sprintf("%s carries envelope for %s/%d", key, env.DeviceID, env.Seq), nil)
	}
	if err := r.authenticate(env, changeset); err != nil {
		return Envelope{}, nil, err
	}
	return env, changeset, nil
}

func (r *Replicator) authenticate(env Envelope, changeset []byte) error {
	if env.Signed() {
		if err := env.VerifySignature(changeset); err != nil {
			return err
		}
	}
	if r.chain == nil {
		return nil
	}
	switch r.chain.Kind() {
	case membership.StateNone:
		return nil
	case membership.StateValid:
		if !env.Signed() {
			return syncerr.Wrap(syncerr.ErrMembership, "replication", "pull",
				fmt.Sprintf("unsigned changeset %s/%d", env.DeviceID, env.Seq), nil)
		}
	}
	return r.chain.AuthorizeAt(env.AuthorPubKey, env.Timestamp)
}

func schemaRejection(version, minimum uint32) string {
	switch {
	case version < minimum:
		return fmt.Sprintf("schema version %d below bucket minimum %d", version, minimum)
	case version > library.SchemaVersion:
		return fmt.Sprintf("schema version %d newer than local %d", version, library.SchemaVersion)
	default:
		return ""
	}
}

func sortReports(reports []DeviceReport) {
	sort.Slice(reports, func(i, j int) bool { return reports[i].DeviceID < reports[j].DeviceID })
}
