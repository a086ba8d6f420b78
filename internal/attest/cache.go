package attest

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crate/internal/logging"
	"crate/internal/metrics"
)

//go:embed cache.sql
var cacheSQL string

// Cache is the local attestation store. It shares the library database.
type Cache struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for rejected attestations.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records merge outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock overrides the clock used for stored_at.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// MergeResult counts the outcome of a lenient batch ingest.
type MergeResult struct {
	Stored   int `json:"stored"`
	Rejected int `json:"rejected"`
}

// NewCache creates the attestation table in db if needed.
func NewCache(ctx context.Context, db *sql.DB, opts ...Option) (*Cache, error) {
	if db == nil {
		return nil, errors.New("attest: database is required")
	}
	c := &Cache{db: db, logger: logging.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "attest")
	if _, err := db.ExecContext(ctx, cacheSQL); err != nil {
		return nil, fmt.Errorf("create attestation cache: %w", err)
	}
	return c, nil
}

// Store verifies a and upserts it. An older claim from the same signer on
// the same (mbid, infohash) never replaces a newer one. Storing identical
// input twice is a no-op.
func (c *Cache) Store(ctx context.Context, a Attestation) error {
	if err := a.Verify(); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO attestations
    (mbid, infohash, author_pubkey, content_hash, format, timestamp, signature, stored_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(mbid, infohash, author_pubkey) DO UPDATE SET
    content_hash = excluded.content_hash,
    format = excluded.format,
    timestamp = excluded.timestamp,
    signature = excluded.signature,
    stored_at = excluded.stored_at
WHERE excluded.timestamp >= attestations.timestamp`,
		a.MBID, a.Infohash, a.AuthorPubKey, a.ContentHash, a.Format, a.Timestamp, a.Signature, c.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store attestation: %w", err)
	}
	return nil
}

// Confidence returns the number of distinct signers attesting that infohash
// carries mbid.
func (c *Cache) Confidence(ctx context.Context, mbid, infohash string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT author_pubkey) FROM attestations WHERE mbid = ? AND infohash = ?",
		mbid, infohash).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count signers: %w", err)
	}
	return n, nil
}

// MergeRemote verifies and stores each attestation independently. Failures
// are logged and counted; they never abort the batch.
func (c *Cache) MergeRemote(ctx context.Context, batch []Attestation) MergeResult {
	var result MergeResult
	for i, a := range batch {
		if err := c.Store(ctx, a); err != nil {
			result.Rejected++
			logging.WarnWithContext(c.logger, "remote attestation rejected", "attestation_rejected",
				logging.Int("index", i),
				logging.String("mbid", a.MBID),
				logging.String("infohash", a.Infohash),
				logging.Error(err),
				logging.String(logging.FieldImpact, "claim ignored for lookups"),
			)
			continue
		}
		result.Stored++
	}
	c.metrics.ObserveAttestations(result.Stored, result.Rejected)
	if result.Stored > 0 || result.Rejected > 0 {
		c.logger.Info("attestations merged",
			logging.String(logging.FieldEventType, "attestations_merged"),
			logging.Int("stored", result.Stored),
			logging.Int("rejected", result.Rejected),
		)
	}
	return result
}

// ForInfohash returns every cached attestation for infohash ordered by mbid
// then author.
func (c *Cache) ForInfohash(ctx context.Context, infohash string) ([]Attestation, error) {
	return c.query(ctx, `SELECT mbid, infohash, content_hash, format, author_pubkey, timestamp, signature
FROM attestations WHERE infohash = ? ORDER BY mbid, author_pubkey`, infohash)
}

// All returns every cached attestation in a stable order, for export.
func (c *Cache) All(ctx context.Context) ([]Attestation, error) {
	return c.query(ctx, `SELECT mbid, infohash, content_hash, format, author_pubkey, timestamp, signature
FROM attestations ORDER BY infohash, mbid, author_pubkey`)
}

func (c *Cache) query(ctx context.Context, query string, args ...any) ([]Attestation, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attestations: %w", err)
	}
	defer rows.Close()
	var out []Attestation
	for rows.Next() {
		var a Attestation
		if err := rows.Scan(&a.MBID, &a.Infohash, &a.ContentHash, &a.Format, &a.AuthorPubKey, &a.Timestamp, &a.Signature); err != nil {
			return nil, fmt.Errorf("scan attestation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
