package sharegrant_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"crate/internal/cryptobox"
	"crate/internal/sharegrant"
	"crate/internal/syncerr"
	"crate/internal/testsupport"
)

var now = time.Date(2026, 9, 3, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, id *cryptobox.Identity, clock *testsupport.Clock) *sharegrant.Store {
	t.Helper()
	lib := testsupport.MustOpenLibrary(t, testsupport.NewConfig(t))
	store, err := sharegrant.NewStore(context.Background(), lib.DB(), id, sharegrant.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func request(t *testing.T, recipient *cryptobox.Identity, releaseKey []byte, expires time.Time) sharegrant.Request {
	t.Helper()
	return sharegrant.Request{
		FromLibraryID: "library-sender",
		Recipient:     recipient.Public,
		ReleaseID:     "release-kind-of-blue",
		Bucket:        "crate-sender",
		Region:        "eu-west-1",
		Endpoint:      "s3.example.net",
		ReleaseKey:    releaseKey,
		Credentials:   &sharegrant.Credentials{AccessKey: "AKIAEXAMPLE", SecretKey: "secret"},
		Expires:       expires,
	}
}

func TestShareStringAcceptResolve(t *testing.T) {
	ctx := context.Background()
	sender, recipient := testsupport.NewIdentity(t), testsupport.NewIdentity(t)
	clock := testsupport.NewClock(now)
	store := newStore(t, recipient, clock)
	releaseKey := testsupport.NewLibraryKey(t)

	g, err := sharegrant.Create(request(t, recipient, releaseKey, time.Time{}), now, sender)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	share, err := sharegrant.Encode(g)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := sharegrant.Decode(share)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	rel, err := store.AcceptAndStoreGrant(ctx, decoded)
	if err != nil {
		t.Fatalf("AcceptAndStoreGrant: %v", err)
	}
	if !bytes.Equal(rel.ReleaseKey, releaseKey) || rel.Credentials == nil || rel.Credentials.AccessKey != "AKIAEXAMPLE" {
		t.Fatalf("unexpected release %+v", rel)
	}
	got, err := store.ResolveRelease(ctx, rel.GrantID)
	if err != nil {
		t.Fatalf("ResolveRelease: %v", err)
	}
	if got.ReleaseID != "release-kind-of-blue" || got.ExpiresAt != nil || got.Bucket != "crate-sender" {
		t.Fatalf("unexpected resolved release %+v", got)
	}

	again, err := store.AcceptAndStoreGrant(ctx, decoded)
	if err != nil || again.GrantID != rel.GrantID {
		t.Fatalf("re-accepting should keep grant id %s, got %+v, %v", rel.GrantID, again, err)
	}
}

func TestAcceptRejectsForeignOrTamperedGrants(t *testing.T) {
	ctx := context.Background()
	sender, recipient, other := testsupport.NewIdentity(t), testsupport.NewIdentity(t), testsupport.NewIdentity(t)
	clock := testsupport.NewClock(now)
	store := newStore(t, recipient, clock)

	g, err := sharegrant.Create(request(t, other, testsupport.NewLibraryKey(t), time.Time{}), now, sender)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.AcceptAndStoreGrant(ctx, g); !errors.Is(err, syncerr.ErrCrypto) {
		t.Fatalf("grant for another identity: expected crypto error, got %v", err)
	}

	g, err = sharegrant.Create(request(t, recipient, testsupport.NewLibraryKey(t), time.Time{}), now, sender)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	g.Bucket = "attacker-bucket"
	if _, err := store.AcceptAndStoreGrant(ctx, g); !errors.Is(err, syncerr.ErrCrypto) {
		t.Fatalf("tampered grant: expected crypto error, got %v", err)
	}
	if _, err := sharegrant.Decode("%%%"); !errors.Is(err, syncerr.ErrProtocol) {
		t.Fatalf("expected protocol error for garbage share string, got %v", err)
	}
}

func TestExpiryIsCheckedOnEveryRead(t *testing.T) {
	ctx := context.Background()
	sender, recipient := testsupport.NewIdentity(t), testsupport.NewIdentity(t)
	clock := testsupport.NewClock(now)
	store := newStore(t, recipient, clock)

	short, err := sharegrant.Create(request(t, recipient, testsupport.NewLibraryKey(t), now.Add(time.Hour)), now, sender)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	longReq := request(t, recipient, testsupport.NewLibraryKey(t), time.Time{})
	longReq.ReleaseID = "release-sketches"
	long, err := sharegrant.Create(longReq, now, sender)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rel, err := store.AcceptAndStoreGrant(ctx, short)
	if err != nil {
		t.Fatalf("accept short: %v", err)
	}
	if _, err := store.AcceptAndStoreGrant(ctx, long); err != nil {
		t.Fatalf("accept long: %v", err)
	}
	list, err := store.ListSharedReleases(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListSharedReleases = %d, %v", len(list), err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := store.ResolveRelease(ctx, rel.GrantID); !errors.Is(err, syncerr.ErrExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
	list, err = store.ListSharedReleases(ctx)
	if err != nil || len(list) != 1 || list[0].ReleaseID != "release-sketches" {
		t.Fatalf("expired grant should be excluded, got %+v, %v", list, err)
	}
	if _, err := store.AcceptAndStoreGrant(ctx, short); !errors.Is(err, syncerr.ErrExpired) {
		t.Fatalf("accepting an expired grant: expected expired error, got %v", err)
	}
}

func TestRevokeGrant(t *testing.T) {
	ctx := context.Background()
	sender, recipient := testsupport.NewIdentity(t), testsupport.NewIdentity(t)
	store := newStore(t, recipient, testsupport.NewClock(now))

	g, err := sharegrant.Create(request(t, recipient, testsupport.NewLibraryKey(t), time.Time{}), now, sender)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rel, err := store.AcceptAndStoreGrant(ctx, g)
	if err != nil {
		t.Fatalf("AcceptAndStoreGrant: %v", err)
	}
	if err := store.RevokeGrant(ctx, rel.GrantID); err != nil {
		t.Fatalf("RevokeGrant: %v", err)
	}
	if _, err := store.ResolveRelease(ctx, rel.GrantID); !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("revoked grant should be gone, got %v", err)
	}
	if err := store.RevokeGrant(ctx, rel.GrantID); !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("second revoke: expected not found, got %v", err)
	}
}

func TestCreateValidatesRequest(t *testing.T) {
	sender, recipient := testsupport.NewIdentity(t), testsupport.NewIdentity(t)
	if _, err := sharegrant.Create(request(t, recipient, []byte("short"), time.Time{}), now, sender); !errors.Is(err, syncerr.ErrProtocol) {
		t.Fatalf("short key: expected protocol error, got %v", err)
	}
	if _, err := sharegrant.Create(request(t, recipient, testsupport.NewLibraryKey(t), now.Add(-time.Minute)), now, sender); !errors.Is(err, syncerr.ErrProtocol) {
		t.Fatalf("past expiry: expected protocol error, got %v", err)
	}
}
