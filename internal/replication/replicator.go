package replication

import (
	"errors"
	"log/slog"
	"time"

	"crate/internal/bucket"
	"crate/internal/cryptobox"
	"crate/internal/logging"
	"crate/internal/membership"
	"crate/internal/metrics"
	"crate/internal/syncerr"
)

const defaultConcurrency = 4

// Replicator pushes and pulls changesets for one device.
type Replicator struct {
	bucket      bucket.Bucket
	cipher      *cryptobox.Cipher
	deviceID    string
	identity    *cryptobox.Identity
	chain       *membership.ChainState
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	concurrency int
}

// Option configures a Replicator.
type Option func(*Replicator)

// WithIdentity signs pushed envelopes with id.
func WithIdentity(id *cryptobox.Identity) Option {
	return func(r *Replicator) { r.identity = id }
}

// WithChainState makes pull reject changesets whose author the chain does
// not authorize. A valid chain also rejects unsigned envelopes.
func WithChainState(state membership.ChainState) Option {
	return func(r *Replicator) { r.chain = &state }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replicator) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records push and pull outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Replicator) { r.metrics = m }
}

// WithClock overrides the wall clock used for envelope and head timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Replicator) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPullConcurrency bounds how many devices are fetched in parallel.
func WithPullConcurrency(n int) Option {
	return func(r *Replicator) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New builds a Replicator for deviceID over b, encrypting with cipher.
func New(b bucket.Bucket, cipher *cryptobox.Cipher, deviceID string, opts ...Option) (*Replicator, error) {
	if b == nil {
		return nil, errors.New("replication: bucket is required")
	}
	if cipher == nil {
		return nil, errors.New("replication: cipher is required")
	}
	if !bucket.ValidSegment(deviceID) {
		return nil, syncerr.Wrap(syncerr.ErrConfiguration, "replication", "new",
			"device id must be a single non-empty key segment", nil)
	}
	r := &Replicator{
		bucket:      b,
		cipher:      cipher,
		deviceID:    deviceID,
		logger:      logging.NewNop(),
		now:         time.Now,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.NewComponentLogger(r.logger, "replication").With(
		logging.String(logging.FieldDeviceID, deviceID))
	return r, nil
}

// DeviceID returns the device this replicator pushes as.
func (r *Replicator) DeviceID() string {
	return r.deviceID
}
