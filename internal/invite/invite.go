// Package invite distributes the library key to new members and records
// membership changes on the chain.
//
// The inviting Owner seals the 32-byte library key to the invitee's
// Ed25519-derived X25519 key, stores it at keys/{invitee}, then publishes a
// signed Add entry at the Owner's next membership seq. The invitee opens the
// sealed key with its own identity.
package invite

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"crate/internal/bucket"
	"crate/internal/cryptobox"
	"crate/internal/logging"
	"crate/internal/membership"
	"crate/internal/syncerr"
)

// Invitation describes a published invite.
type Invitation struct {
	Invitee   string           `json:"invitee"`
	Role      membership.Role  `json:"role"`
	KeyObject string           `json:"key_object"`
	Entry     membership.Entry `json:"entry"`
	Seq       uint64           `json:"seq"`
}

// Manager runs membership flows for one identity against a bucket.
type Manager struct {
	bucket   bucket.Bucket
	identity *cryptobox.Identity
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the clock used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager returns a Manager acting as id.
func NewManager(b bucket.Bucket, id *cryptobox.Identity, opts ...Option) *Manager {
	m := &Manager{bucket: b, identity: id, logger: logging.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(m.logger, "invite")
	return m
}

// Found publishes the founding Owner entry for an empty chain and wraps the
// library key to the founder so other devices of the same identity can
// accept it.
func (m *Manager) Found(ctx context.Context, libraryKey []byte) (*membership.Chain, error) {
	if err := checkLibraryKey(libraryKey); err != nil {
		return nil, err
	}
	entries, err := membership.LoadEntries(ctx, m.bucket)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return nil, syncerr.Wrap(syncerr.ErrMembership, "invite", "found",
			"membership chain already exists", nil)
	}
	entry, err := membership.Founding(m.identity, m.now())
	if err != nil {
		return nil, err
	}
	chain := membership.NewChain()
	if err := chain.AddEntry(entry); err != nil {
		return nil, err
	}
	if err := m.wrapKey(ctx, m.identity.Public, libraryKey); err != nil {
		return nil, err
	}
	if _, err := membership.Publish(ctx, m.bucket, entry); err != nil {
		return nil, err
	}
	m.logger.Info("library founded",
		logging.String(logging.FieldEventType, "library_founded"),
		logging.PubKey("owner", m.identity.Public),
	)
	return chain, nil
}

// CreateInvitation seals libraryKey to invitee and publishes an Add entry
// granting role. The entry is appended to chain once it is stored.
func (m *Manager) CreateInvitation(ctx context.Context, chain *membership.Chain, libraryKey, invitee []byte, role membership.Role) (Invitation, error) {
	if err := checkLibraryKey(libraryKey); err != nil {
		return Invitation{}, err
	}
	if _, err := cryptobox.X25519PublicKey(invitee); err != nil {
		return Invitation{}, err
	}
	if _, err := membership.ParseRole(string(role)); err != nil {
		return Invitation{}, err
	}
	if err := m.requireOwner(chain, "create invitation"); err != nil {
		return Invitation{}, err
	}

	entry, err := membership.NewEntry(membership.ActionAdd, invitee, role, m.tailTime(chain), m.identity)
	if err != nil {
		return Invitation{}, err
	}
	if _, err := membership.FromEntries(append(chain.Entries(), entry)); err != nil {
		return Invitation{}, err
	}
	if err := m.wrapKey(ctx, invitee, libraryKey); err != nil {
		return Invitation{}, err
	}
	seq, err := membership.Publish(ctx, m.bucket, entry)
	if err != nil {
		return Invitation{}, err
	}
	if err := chain.AddEntry(entry); err != nil {
		return Invitation{}, err
	}

	inviteeHex := hex.EncodeToString(invitee)
	m.logger.Info("member invited",
		logging.String(logging.FieldEventType, "member_invited"),
		logging.PubKey("invitee", invitee),
		logging.String("role", string(role)),
		logging.Uint64(logging.FieldSeq, seq),
	)
	return Invitation{
		Invitee:   inviteeHex,
		Role:      role,
		KeyObject: bucket.WrappedKeyKey(inviteeHex),
		Entry:     entry,
		Seq:       seq,
	}, nil
}

// AcceptInvitation downloads and opens the library key sealed to id.
func AcceptInvitation(ctx context.Context, b bucket.Bucket, id *cryptobox.Identity) ([]byte, error) {
	if id == nil {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "invite", "accept", "missing identity", nil)
	}
	sealed, err := b.Get(ctx, bucket.WrappedKeyKey(id.PublicHex()))
	if err != nil {
		return nil, err
	}
	key, err := cryptobox.OpenAnonymous(sealed, id)
	if err != nil {
		return nil, err
	}
	if err := checkLibraryKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// RemoveMember publishes a Remove entry for user and deletes the wrapped key
// stored for it. Removing the last Owner is refused.
func (m *Manager) RemoveMember(ctx context.Context, chain *membership.Chain, user []byte) (membership.Entry, error) {
	if err := m.requireOwner(chain, "remove member"); err != nil {
		return membership.Entry{}, err
	}
	userHex := hex.EncodeToString(user)
	role, ok := chain.RoleOf(userHex)
	if !ok {
		return membership.Entry{}, syncerr.Wrap(syncerr.ErrMembership, "invite", "remove member",
			fmt.Sprintf("%s is not a member", userHex), nil)
	}
	if role == membership.RoleOwner && chain.OwnerCount() == 1 {
		return membership.Entry{}, syncerr.Wrap(syncerr.ErrMembership, "invite", "remove member",
			"refusing to remove the last owner", nil)
	}

	entry, err := membership.NewEntry(membership.ActionRemove, user, role, m.tailTime(chain), m.identity)
	if err != nil {
		return membership.Entry{}, err
	}
	if _, err := membership.FromEntries(append(chain.Entries(), entry)); err != nil {
		return membership.Entry{}, err
	}
	seq, err := membership.Publish(ctx, m.bucket, entry)
	if err != nil {
		return membership.Entry{}, err
	}
	if err := chain.AddEntry(entry); err != nil {
		return membership.Entry{}, err
	}
	if err := m.bucket.Delete(ctx, bucket.WrappedKeyKey(userHex)); err != nil {
		logging.WarnWithContext(m.logger, "wrapped key not deleted", "wrapped_key_delete_failed",
			logging.String("member", userHex),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the removed member can still download the sealed library key"),
			logging.String(logging.FieldErrorHint, "delete "+bucket.WrappedKeyKey(userHex)+" manually"),
		)
	}
	m.logger.Info("member removed",
		logging.String(logging.FieldEventType, "member_removed"),
		logging.String("member", userHex),
		logging.Uint64(logging.FieldSeq, seq),
	)
	return entry, nil
}

func (m *Manager) requireOwner(chain *membership.Chain, op string) error {
	if m.identity == nil {
		return syncerr.Wrap(syncerr.ErrCrypto, "invite", op, "missing identity", nil)
	}
	if chain == nil || chain.Len() == 0 {
		return syncerr.Wrap(syncerr.ErrMembership, "invite", op, "membership chain is empty", nil)
	}
	if !chain.IsOwner(m.identity.PublicHex()) {
		return syncerr.Wrap(syncerr.ErrMembership, "invite", op, "only owners may change membership", nil)
	}
	return nil
}

// tailTime keeps new entries from sorting before the chain tail when the
// local clock lags the device that wrote it.
func (m *Manager) tailTime(chain *membership.Chain) time.Time {
	now := m.now()
	entries := chain.Entries()
	if len(entries) == 0 {
		return now
	}
	tail := entries[len(entries)-1].Time()
	if now.Before(tail) {
		return tail
	}
	return now
}

func (m *Manager) wrapKey(ctx context.Context, recipient, libraryKey []byte) error {
	sealed, err := cryptobox.SealAnonymous(libraryKey, recipient)
	if err != nil {
		return err
	}
	return m.bucket.Put(ctx, bucket.WrappedKeyKey(hex.EncodeToString(recipient)), sealed)
}

func checkLibraryKey(key []byte) error {
	if len(key) != cryptobox.KeySize {
		return syncerr.Wrap(syncerr.ErrProtocol, "invite", "library key",
			fmt.Sprintf("library key must be %d bytes, got %d", cryptobox.KeySize, len(key)), nil)
	}
	return nil
}
