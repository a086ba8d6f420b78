package sharegrant

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crate/internal/cryptobox"
	"crate/internal/logging"
	"crate/internal/syncerr"
)

//go:embed grants.sql
var grantsSQL string

// SharedRelease is an accepted grant with its unwrapped release key.
type SharedRelease struct {
	GrantID        string       `json:"grant_id"`
	FromLibraryID  string       `json:"from_library_id"`
	FromUserPubKey string       `json:"from_user_pubkey"`
	ReleaseID      string       `json:"release_id"`
	Bucket         string       `json:"bucket"`
	Region         string       `json:"region,omitempty"`
	Endpoint       string       `json:"endpoint,omitempty"`
	ReleaseKey     []byte       `json:"-"`
	Credentials    *Credentials `json:"-"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
	AcceptedAt     time.Time    `json:"accepted_at"`
}

func (r SharedRelease) expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Store keeps accepted grants for one recipient identity.
type Store struct {
	db       *sql.DB
	identity *cryptobox.Identity
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates the grant table in db if needed.
func NewStore(ctx context.Context, db *sql.DB, id *cryptobox.Identity, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("sharegrant: database is required")
	}
	if id == nil {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "sharegrant", "new store", "missing identity", nil)
	}
	s := &Store{db: db, identity: id, logger: logging.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "sharegrant")
	if _, err := db.ExecContext(ctx, grantsSQL); err != nil {
		return nil, fmt.Errorf("create grant table: %w", err)
	}
	return s, nil
}

// AcceptAndStoreGrant verifies g, unwraps its payload and stores it. A
// repeated grant for the same sender and release replaces the stored one and
// keeps its grant id.
func (s *Store) AcceptAndStoreGrant(ctx context.Context, g Grant) (SharedRelease, error) {
	if g.RecipientPubKey != s.identity.PublicHex() {
		return SharedRelease{}, syncerr.Wrap(syncerr.ErrCrypto, "sharegrant", "accept",
			"grant is addressed to a different identity", nil)
	}
	if err := g.Verify(); err != nil {
		return SharedRelease{}, err
	}
	now := s.now()
	if g.Expired(now) {
		return SharedRelease{}, syncerr.Wrap(syncerr.ErrExpired, "sharegrant", "accept",
			fmt.Sprintf("grant for %s expired", g.ReleaseID), nil)
	}
	plain, err := cryptobox.OpenAnonymous(g.WrappedPayload, s.identity)
	if err != nil {
		return SharedRelease{}, err
	}
	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return SharedRelease{}, syncerr.Wrap(syncerr.ErrProtocol, "sharegrant", "accept", "decode payload", err)
	}
	if len(p.ReleaseKey) != cryptobox.KeySize {
		return SharedRelease{}, syncerr.Wrap(syncerr.ErrProtocol, "sharegrant", "accept",
			fmt.Sprintf("release key must be %d bytes, got %d", cryptobox.KeySize, len(p.ReleaseKey)), nil)
	}

	var creds Credentials
	if p.Credentials != nil {
		creds = *p.Credentials
	}
	var expires sql.NullInt64
	if g.Expires != nil {
		expires = sql.NullInt64{Int64: *g.Expires, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO shared_releases
    (grant_id, from_library_id, from_user_pubkey, release_id, bucket, region, endpoint,
     release_key, access_key, secret_key, session_token, expires_at, accepted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(from_user_pubkey, release_id) DO UPDATE SET
    from_library_id = excluded.from_library_id,
    bucket = excluded.bucket,
    region = excluded.region,
    endpoint = excluded.endpoint,
    release_key = excluded.release_key,
    access_key = excluded.access_key,
    secret_key = excluded.secret_key,
    session_token = excluded.session_token,
    expires_at = excluded.expires_at,
    accepted_at = excluded.accepted_at`,
		uuid.NewString(), g.FromLibraryID, g.FromUserPubKey, g.ReleaseID, g.Bucket, g.Region, g.Endpoint,
		p.ReleaseKey, creds.AccessKey, creds.SecretKey, creds.SessionToken, expires, now.UnixMilli())
	if err != nil {
		return SharedRelease{}, fmt.Errorf("store grant: %w", err)
	}

	rel, err := s.scanOne(ctx, "WHERE from_user_pubkey = ? AND release_id = ?", g.FromUserPubKey, g.ReleaseID)
	if err != nil {
		return SharedRelease{}, err
	}
	s.logger.Info("share grant accepted",
		logging.String(logging.FieldEventType, "grant_accepted"),
		logging.String("grant_id", rel.GrantID),
		logging.String("release_id", rel.ReleaseID),
		logging.String("from", rel.FromUserPubKey),
	)
	return rel, nil
}

// ResolveRelease returns an active grant by id. Expired grants resolve to an
// error wrapping syncerr.ErrExpired.
func (s *Store) ResolveRelease(ctx context.Context, grantID string) (SharedRelease, error) {
	rel, err := s.scanOne(ctx, "WHERE grant_id = ?", grantID)
	if err != nil {
		return SharedRelease{}, err
	}
	if rel.expired(s.now()) {
		return SharedRelease{}, syncerr.Wrap(syncerr.ErrExpired, "sharegrant", "resolve",
			fmt.Sprintf("grant %s expired", grantID), nil)
	}
	return rel, nil
}

// ListSharedReleases returns every unexpired grant ordered by release id.
func (s *Store) ListSharedReleases(ctx context.Context) ([]SharedRelease, error) {
	all, err := s.scan(ctx, "ORDER BY release_id, grant_id")
	if err != nil {
		return nil, err
	}
	now := s.now()
	active := all[:0]
	for _, rel := range all {
		if !rel.expired(now) {
			active = append(active, rel)
		}
	}
	return active, nil
}

// RevokeGrant deletes the local copy of a grant.
func (s *Store) RevokeGrant(ctx context.Context, grantID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM shared_releases WHERE grant_id = ?", grantID)
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.Wrap(syncerr.ErrNotFound, "sharegrant", "revoke", "grant "+grantID, nil)
	}
	s.logger.Info("share grant revoked",
		logging.String(logging.FieldEventType, "grant_revoked"),
		logging.String("grant_id", grantID),
	)
	return nil
}

const selectColumns = `SELECT grant_id, from_library_id, from_user_pubkey, release_id, bucket, region, endpoint,
    release_key, access_key, secret_key, session_token, expires_at, accepted_at FROM shared_releases `

func (s *Store) scanOne(ctx context.Context, where string, args ...any) (SharedRelease, error) {
	rels, err := s.scan(ctx, where, args...)
	if err != nil {
		return SharedRelease{}, err
	}
	if len(rels) == 0 {
		return SharedRelease{}, syncerr.Wrap(syncerr.ErrNotFound, "sharegrant", "lookup", "no such grant", nil)
	}
	return rels[0], nil
}

func (s *Store) scan(ctx context.Context, clause string, args ...any) ([]SharedRelease, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()
	var out []SharedRelease
	for rows.Next() {
		var (
			rel      SharedRelease
			creds    Credentials
			expires  sql.NullInt64
			accepted int64
		)
		if err := rows.Scan(&rel.GrantID, &rel.FromLibraryID, &rel.FromUserPubKey, &rel.ReleaseID,
			&rel.Bucket, &rel.Region, &rel.Endpoint, &rel.ReleaseKey,
			&creds.AccessKey, &creds.SecretKey, &creds.SessionToken, &expires, &accepted); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		if creds.AccessKey != "" || creds.SecretKey != "" {
			rel.Credentials = &creds
		}
		if expires.Valid {
			at := time.UnixMilli(expires.Int64).UTC()
			rel.ExpiresAt = &at
		}
		rel.AcceptedAt = time.UnixMilli(accepted).UTC()
		out = append(out, rel)
	}
	return out, rows.Err()
}
