package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crate/internal/library"
	"crate/internal/sharegrant"
	"crate/internal/syncer"
	"crate/internal/syncerr"
)

func TestConfigInitAndValidate(t *testing.T) {
	dev := newDevice(t, "laptop", filepath.Join(t.TempDir(), "bucket"))

	out := dev.mustRun(t, "config", "validate")
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, "Bucket backend: leveldb")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, err := runCLI(t, "", "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
	if _, err := runCLI(t, "", "config", "init", "--path", target); err == nil {
		t.Fatalf("expected second config init without --overwrite to fail")
	}
}

func TestCommandsRequireIdentity(t *testing.T) {
	dev := newDevice(t, "laptop", filepath.Join(t.TempDir(), "bucket"))
	_, err := dev.run(t, "library", "init")
	if !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("expected missing identity error, got %v", err)
	}
	if _, err := dev.run(t, "push"); err == nil {
		t.Fatalf("expected push without identity to fail")
	}
}

func TestTwoDeviceSync(t *testing.T) {
	ctx := context.Background()
	bucketDir := filepath.Join(t.TempDir(), "bucket")
	owner := newDevice(t, "laptop", bucketDir)
	guest := newDevice(t, "desktop", bucketDir)

	ownerKey := publicKey(t, owner.mustRun(t, "identity", "init"))
	guestKey := publicKey(t, guest.mustRun(t, "identity", "init"))
	requireContains(t, owner.mustRun(t, "library", "init"), "Library founded")
	if _, err := owner.run(t, "library", "init"); err == nil {
		t.Fatalf("expected second library init to fail")
	}

	out := owner.mustRun(t, "members", "list")
	requireContains(t, out, ownerKey)
	requireContains(t, out, "Owner")

	out = owner.mustRun(t, "members", "invite", guestKey)
	requireContains(t, out, "Invited "+guestKey+" as Member")
	requireContains(t, guest.mustRun(t, "accept"), "Role: Member")

	store, err := library.Open(owner.cfg.LibraryDBPath(), owner.name)
	if err != nil {
		t.Fatalf("open owner library: %v", err)
	}
	if _, err := store.UpsertArtist(ctx, library.Artist{ID: "artist-1", Name: "Miles Davis", SortName: "Davis, Miles"}); err != nil {
		t.Fatalf("UpsertArtist: %v", err)
	}
	_ = store.Close()

	requireContains(t, owner.mustRun(t, "push", "-m", "first"), "Pushed changeset 1")
	requireContains(t, owner.mustRun(t, "push"), "Nothing to push")

	var st syncer.Status
	if err := json.Unmarshal([]byte(owner.mustRun(t, "status", "--json")), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.LocalSeq != 1 || st.PendingChanges != 0 || len(st.Devices) != 1 || !st.Devices[0].Local {
		t.Fatalf("unexpected status %+v", st)
	}

	requireContains(t, guest.mustRun(t, "pull"), "Applied 1 changesets")
	guestStore, err := library.Open(guest.cfg.LibraryDBPath(), guest.name)
	if err != nil {
		t.Fatalf("open guest library: %v", err)
	}
	defer guestStore.Close()
	artist, err := guestStore.GetArtist(ctx, "artist-1")
	if err != nil || artist.Name != "Miles Davis" {
		t.Fatalf("guest artist = %+v, %v", artist, err)
	}

	var guestStatus syncer.Status
	if err := json.Unmarshal([]byte(guest.mustRun(t, "status", "--json")), &guestStatus); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(guestStatus.Devices) != 1 || guestStatus.Devices[0].DeviceID != "laptop" ||
		guestStatus.Devices[0].AppliedSeq != 1 || guestStatus.Devices[0].Behind != 0 {
		t.Fatalf("unexpected guest status %+v", guestStatus)
	}
}

func TestSchemaAndSnapshot(t *testing.T) {
	dev := newDevice(t, "laptop", filepath.Join(t.TempDir(), "bucket"))
	dev.mustRun(t, "identity", "init")
	dev.mustRun(t, "library", "init")

	requireContains(t, dev.mustRun(t, "schema", "get"), "Minimum schema version: 0")
	dev.mustRun(t, "schema", "set", "1")
	requireContains(t, dev.mustRun(t, "schema", "get"), "Minimum schema version: 1")
	if _, err := dev.run(t, "schema", "set", "99"); !errors.Is(err, syncerr.ErrConfiguration) {
		t.Fatalf("expected refusal above local schema, got %v", err)
	}

	requireContains(t, dev.mustRun(t, "snapshot", "put"), "covers changesets through 0")
	target := filepath.Join(t.TempDir(), "restored.db")
	dev.mustRun(t, "snapshot", "get", "--out", target)
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !strings.HasPrefix(string(data), "SQLite format 3") {
		t.Fatalf("snapshot is not a sqlite database")
	}
}

func TestAttestLookupAndImport(t *testing.T) {
	bucketDir := filepath.Join(t.TempDir(), "bucket")
	alice := newDevice(t, "alice", bucketDir)
	bob := newDevice(t, "bob", bucketDir)
	alice.mustRun(t, "identity", "init")
	bob.mustRun(t, "identity", "init")

	const (
		mbid     = "9e7a2b1c-3d4f-4a5b-8c6d-7e8f9a0b1c2d"
		infohash = "c12fe1c06bba254a9dc9f519b335aa7c1367a88a"
		content  = "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03"
	)
	line := strings.TrimSpace(alice.mustRun(t, "attest", "create",
		"--mbid", mbid, "--infohash", strings.ToUpper(infohash), "--content-hash", content))
	requireContains(t, line, `"infohash":"`+infohash+`"`)

	out := alice.mustRun(t, "lookup", infohash)
	requireContains(t, out, "Best match: "+mbid)

	good := filepath.Join(t.TempDir(), "good.jsonl")
	if err := os.WriteFile(good, []byte(line), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	requireContains(t, bob.mustRun(t, "attest", "import", good), "Stored 1 attestations, rejected 0")

	forged := filepath.Join(t.TempDir(), "forged.jsonl")
	tampered := strings.Replace(line, `"format":"flac"`, `"format":"alac"`, 1)
	if err := os.WriteFile(forged, []byte(tampered), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	requireContains(t, bob.mustRun(t, "attest", "import", forged), "Stored 0 attestations, rejected 1")

	exported := strings.TrimSpace(bob.mustRun(t, "attest", "export", "--infohash", infohash))
	if exported != line {
		t.Fatalf("export = %q, want %q", exported, line)
	}
}

func TestGrantLifecycle(t *testing.T) {
	bucketDir := filepath.Join(t.TempDir(), "bucket")
	sender := newDevice(t, "sender", bucketDir)
	recipient := newDevice(t, "recipient", bucketDir)
	sender.mustRun(t, "identity", "init")
	recipientKey := publicKey(t, recipient.mustRun(t, "identity", "init"))

	releaseKey := strings.Repeat("ab", 32)
	share := strings.TrimSpace(sender.mustRun(t, "grant", "create",
		"--recipient", recipientKey,
		"--release", "kind-of-blue",
		"--bucket", "media",
		"--release-key", releaseKey,
		"--expires-in", "24h"))

	if _, err := sender.run(t, "grant", "accept", share); !errors.Is(err, syncerr.ErrCrypto) {
		t.Fatalf("expected sender to be refused as recipient, got %v", err)
	}
	requireContains(t, recipient.mustRun(t, "grant", "accept", share), "Accepted release kind-of-blue")

	var releases []sharegrant.SharedRelease
	if err := json.Unmarshal([]byte(recipient.mustRun(t, "grant", "list", "--json")), &releases); err != nil {
		t.Fatalf("decode grants: %v", err)
	}
	if len(releases) != 1 || releases[0].ReleaseID != "kind-of-blue" || releases[0].ExpiresAt == nil {
		t.Fatalf("unexpected releases %+v", releases)
	}
	id := releases[0].GrantID

	requireContains(t, recipient.mustRun(t, "grant", "resolve", id, "--show-secrets"), releaseKey)
	requireContains(t, recipient.mustRun(t, "grant", "revoke", id), "Revoked grant "+id)
	if _, err := recipient.run(t, "grant", "resolve", id); !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("expected not found after revoke, got %v", err)
	}
}
