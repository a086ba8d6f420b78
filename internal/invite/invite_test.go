package invite_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"crate/internal/bucket"
	"crate/internal/bucket/memory"
	"crate/internal/cryptobox"
	"crate/internal/invite"
	"crate/internal/membership"
	"crate/internal/syncerr"
	"crate/internal/testsupport"
)

type world struct {
	bucket *memory.Bucket
	clock  *testsupport.Clock
	key    []byte
	owner  *cryptobox.Identity
	chain  *membership.Chain
	mgr    *invite.Manager
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		bucket: memory.New(),
		clock:  testsupport.NewClock(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)),
		key:    testsupport.NewLibraryKey(t),
		owner:  testsupport.NewIdentity(t),
	}
	w.mgr = w.manager(w.owner)
	chain, err := w.mgr.Found(context.Background(), w.key)
	if err != nil {
		t.Fatalf("Found: %v", err)
	}
	w.chain = chain
	return w
}

func (w *world) manager(id *cryptobox.Identity) *invite.Manager {
	return invite.NewManager(w.bucket, id, invite.WithClock(w.clock.Now))
}

func TestInviteAcceptRoundTrip(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	guest := testsupport.NewIdentity(t)

	w.clock.Advance(time.Minute)
	inv, err := w.mgr.CreateInvitation(ctx, w.chain, w.key, guest.Public, membership.RoleMember)
	if err != nil {
		t.Fatalf("CreateInvitation: %v", err)
	}
	if inv.Seq != 2 || inv.KeyObject != bucket.WrappedKeyKey(guest.PublicHex()) {
		t.Fatalf("unexpected invitation %+v", inv)
	}
	if role, ok := w.chain.RoleOf(guest.PublicHex()); !ok || role != membership.RoleMember {
		t.Fatalf("local chain should include the invitee, got %v %v", role, ok)
	}

	remote, err := membership.LoadChain(ctx, w.bucket)
	if err != nil {
		t.Fatalf("LoadChain: %v", err)
	}
	if len(remote.CurrentMembers()) != 2 {
		t.Fatalf("published chain should have 2 members, got %+v", remote.CurrentMembers())
	}

	got, err := invite.AcceptInvitation(ctx, w.bucket, guest)
	if err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}
	if !bytes.Equal(got, w.key) {
		t.Fatal("accepted key differs from library key")
	}
}

func TestAcceptWithWrongKeypairFails(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	guest := testsupport.NewIdentity(t)
	impostor := testsupport.NewIdentity(t)

	if _, err := w.mgr.CreateInvitation(ctx, w.chain, w.key, guest.Public, membership.RoleMember); err != nil {
		t.Fatalf("CreateInvitation: %v", err)
	}
	sealed, err := w.bucket.Get(ctx, bucket.WrappedKeyKey(guest.PublicHex()))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := cryptobox.OpenAnonymous(sealed, impostor); !errors.Is(err, syncerr.ErrCrypto) {
		t.Fatalf("expected crypto error for wrong recipient, got %v", err)
	}
	if _, err := invite.AcceptInvitation(ctx, w.bucket, impostor); !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("uninvited identity should find no key, got %v", err)
	}
	if err := w.bucket.Put(ctx, bucket.WrappedKeyKey(impostor.PublicHex()), sealed); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := invite.AcceptInvitation(ctx, w.bucket, impostor); !errors.Is(err, syncerr.ErrCrypto) {
		t.Fatalf("misaddressed key should fail to open, got %v", err)
	}
}

func TestCreateInvitationErrors(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	guest := testsupport.NewIdentity(t)

	if _, err := w.mgr.CreateInvitation(ctx, w.chain, w.key, []byte{1, 2, 3}, membership.RoleMember); !errors.Is(err, syncerr.ErrCrypto) {
		t.Fatalf("bad pubkey: expected crypto error, got %v", err)
	}
	if _, err := w.mgr.CreateInvitation(ctx, w.chain, w.key, guest.Public, membership.RoleMember); err != nil {
		t.Fatalf("CreateInvitation: %v", err)
	}
	stranger := testsupport.NewIdentity(t)
	_, err := w.manager(guest).CreateInvitation(ctx, w.chain, w.key, stranger.Public, membership.RoleMember)
	if !errors.Is(err, syncerr.ErrMembership) {
		t.Fatalf("non-owner inviter: expected membership error, got %v", err)
	}
	if _, err := w.bucket.Get(ctx, bucket.WrappedKeyKey(stranger.PublicHex())); !bucket.IsNotFound(err) {
		t.Fatalf("rejected invite must not upload a key, got %v", err)
	}
	if _, err := w.mgr.Found(ctx, w.key); !errors.Is(err, syncerr.ErrMembership) {
		t.Fatalf("second Found should fail, got %v", err)
	}
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	guest := testsupport.NewIdentity(t)

	if _, err := w.mgr.RemoveMember(ctx, w.chain, w.owner.Public); !errors.Is(err, syncerr.ErrMembership) {
		t.Fatalf("removing the last owner should fail, got %v", err)
	}
	w.clock.Advance(time.Minute)
	if _, err := w.mgr.CreateInvitation(ctx, w.chain, w.key, guest.Public, membership.RoleMember); err != nil {
		t.Fatalf("CreateInvitation: %v", err)
	}
	w.clock.Advance(time.Minute)
	entry, err := w.mgr.RemoveMember(ctx, w.chain, guest.Public)
	if err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if entry.Action != membership.ActionRemove {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, ok := w.chain.RoleOf(guest.PublicHex()); ok {
		t.Fatal("guest should be gone from the local chain")
	}
	remote, err := membership.LoadChain(ctx, w.bucket)
	if err != nil {
		t.Fatalf("LoadChain: %v", err)
	}
	if _, ok := remote.RoleOf(guest.PublicHex()); ok {
		t.Fatal("guest should be gone from the published chain")
	}
	if _, err := invite.AcceptInvitation(ctx, w.bucket, guest); !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("wrapped key should be deleted, got %v", err)
	}
	if _, err := w.mgr.RemoveMember(ctx, w.chain, guest.Public); !errors.Is(err, syncerr.ErrMembership) {
		t.Fatalf("removing a non-member should fail, got %v", err)
	}
}

func TestEntriesNeverPrecedeChainTail(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.clock.Advance(-time.Hour)

	guest := testsupport.NewIdentity(t)
	inv, err := w.mgr.CreateInvitation(ctx, w.chain, w.key, guest.Public, membership.RoleOwner)
	if err != nil {
		t.Fatalf("CreateInvitation with a lagging clock: %v", err)
	}
	founding := w.chain.Entries()[0]
	if inv.Entry.Timestamp < founding.Timestamp {
		t.Fatalf("entry timestamp %d precedes tail %d", inv.Entry.Timestamp, founding.Timestamp)
	}
}
