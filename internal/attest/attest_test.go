package attest_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"crate/internal/attest"
	"crate/internal/cryptobox"
	"crate/internal/metrics"
	"crate/internal/syncerr"
	"crate/internal/testsupport"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	kindOfBlue = "8e9e9b0c-5a5d-4a3b-9b48-0e0ed0b1e3d4"
	sketches   = "3f1c2f0e-6a0a-4d9e-8a71-4b9c2c1f7a10"
	infohash   = "c12fe1c06bba254a9dc9f519b335aa7c1367a88a"
	content    = "5d41402abc4b2a76b9719d911017c592aa1b2c3d4e5f60718293a4b5c6d7e8f9"
)

var at = time.Date(2026, 7, 14, 18, 30, 0, 0, time.UTC)

func mustSign(t *testing.T, mbid string, when time.Time, id *cryptobox.Identity) attest.Attestation {
	t.Helper()
	a, err := attest.Sign(attest.Claim{MBID: mbid, Infohash: infohash, ContentHash: content, Format: "flac"}, when, id)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return a
}

func newCache(t *testing.T, opts ...attest.Option) *attest.Cache {
	t.Helper()
	store := testsupport.MustOpenLibrary(t, testsupport.NewConfig(t))
	cache, err := attest.NewCache(context.Background(), store.DB(), opts...)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return cache
}

func TestSignNormalizesAndVerifies(t *testing.T) {
	id := testsupport.NewIdentity(t)
	a, err := attest.Sign(attest.Claim{
		MBID:        strings.ToUpper(kindOfBlue),
		Infohash:    strings.ToUpper(infohash),
		ContentHash: content,
		Format:      "FLAC",
	}, at, id)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if a.MBID != kindOfBlue || a.Infohash != infohash || a.Format != "flac" {
		t.Fatalf("expected normalized identifiers, got %+v", a)
	}
	if err := a.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !a.Time().Equal(at) {
		t.Fatalf("Time = %v", a.Time())
	}
}

func TestSignRejectsMalformedClaims(t *testing.T) {
	id := testsupport.NewIdentity(t)
	cases := map[string]attest.Claim{
		"mbid":     {MBID: "not-a-uuid", Infohash: infohash, ContentHash: content, Format: "flac"},
		"infohash": {MBID: kindOfBlue, Infohash: "abc", ContentHash: content, Format: "flac"},
		"content":  {MBID: kindOfBlue, Infohash: infohash, ContentHash: "zz", Format: "flac"},
		"format":   {MBID: kindOfBlue, Infohash: infohash, ContentHash: content},
	}
	for name, claim := range cases {
		if _, err := attest.Sign(claim, at, id); !errors.Is(err, syncerr.ErrProtocol) {
			t.Fatalf("%s: expected protocol error, got %v", name, err)
		}
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	empty, err := attest.Serialize(nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty batch should serialize to empty bytes, got %q, %v", empty, err)
	}
	none, err := attest.Deserialize(empty)
	if err != nil || len(none) != 0 {
		t.Fatalf("Deserialize(empty) = %v, %v", none, err)
	}

	alice, bob := testsupport.NewIdentity(t), testsupport.NewIdentity(t)
	batch := []attest.Attestation{
		mustSign(t, kindOfBlue, at, alice),
		mustSign(t, kindOfBlue, at.Add(time.Minute), bob),
		mustSign(t, sketches, at, bob),
	}
	data, err := attest.Serialize(batch)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if bytes.HasSuffix(data, []byte("\n")) || bytes.Count(data, []byte("\n")) != 2 {
		t.Fatalf("expected three lines without trailing newline, got %q", data)
	}
	got, err := attest.Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(got) != len(batch) {
		t.Fatalf("expected %d attestations, got %d", len(batch), len(got))
	}
	for i := range batch {
		if got[i] != batch[i] {
			t.Fatalf("attestation %d mismatch:\n got %+v\nwant %+v", i, got[i], batch[i])
		}
	}

	padded := append([]byte("\n\n"), bytes.ReplaceAll(data, []byte("\n"), []byte("\n   \n"))...)
	padded = append(padded, '\n')
	again, err := attest.Deserialize(padded)
	if err != nil || len(again) != len(batch) {
		t.Fatalf("blank lines should be ignored, got %d, %v", len(again), err)
	}
}

func TestAnySingleByteFlipIsRejected(t *testing.T) {
	a := mustSign(t, kindOfBlue, at, testsupport.NewIdentity(t))
	line, err := attest.Serialize([]attest.Attestation{a})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	for _, mask := range []byte{0x01, 0x20} {
		for i := range line {
			tampered := append([]byte(nil), line...)
			tampered[i] ^= mask
			if _, err := attest.Deserialize(tampered); err == nil {
				t.Fatalf("flipping byte %d (%q) with mask %#x was not detected", i, line[i], mask)
			}
		}
	}

	recased := bytes.Replace(line, []byte(`"mbid"`), []byte(`"Mbid"`), 1)
	if _, err := attest.Deserialize(recased); !errors.Is(err, syncerr.ErrProtocol) {
		t.Fatalf("expected protocol error for recased key, got %v", err)
	}
}

func TestDeserializeIsStrict(t *testing.T) {
	id := testsupport.NewIdentity(t)
	good := mustSign(t, kindOfBlue, at, id)
	bad := mustSign(t, sketches, at, id)
	bad.Format = "mp3"
	data, _ := attest.Serialize([]attest.Attestation{good, bad, good})

	if _, err := attest.Deserialize(data); !errors.Is(err, syncerr.ErrCrypto) || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected crypto failure on line 2, got %v", err)
	}
	decoded, err := attest.DecodeLines(data)
	if err != nil || len(decoded) != 3 {
		t.Fatalf("DecodeLines should not verify, got %d, %v", len(decoded), err)
	}
	if _, err := attest.Deserialize([]byte(`{"mbid":"x","extra":1}`)); !errors.Is(err, syncerr.ErrProtocol) {
		t.Fatalf("expected protocol error for unknown field, got %v", err)
	}
}

func TestConfidenceCountsDistinctSigners(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)
	alice := testsupport.NewIdentity(t)

	for i := 0; i < 3; i++ {
		if err := cache.Store(ctx, mustSign(t, kindOfBlue, at.Add(time.Duration(i)*time.Minute), alice)); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	n, err := cache.Confidence(ctx, kindOfBlue, infohash)
	if err != nil || n != 1 {
		t.Fatalf("one signer should give confidence 1, got %d, %v", n, err)
	}

	for i := 0; i < 3; i++ {
		if err := cache.Store(ctx, mustSign(t, sketches, at, testsupport.NewIdentity(t))); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	n, err = cache.Confidence(ctx, sketches, infohash)
	if err != nil || n != 3 {
		t.Fatalf("three signers should give confidence 3, got %d, %v", n, err)
	}
}

func TestStoreKeepsNewestClaimPerSigner(t *testing.T) {
	ctx := context.Background()
	cache := newCache(t)
	alice := testsupport.NewIdentity(t)

	newer := mustSign(t, kindOfBlue, at.Add(time.Hour), alice)
	older := mustSign(t, kindOfBlue, at, alice)
	for _, a := range []attest.Attestation{newer, older, newer} {
		if err := cache.Store(ctx, a); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	got, err := cache.ForInfohash(ctx, infohash)
	if err != nil {
		t.Fatalf("ForInfohash: %v", err)
	}
	if len(got) != 1 || got[0] != newer {
		t.Fatalf("expected only the newer claim, got %+v", got)
	}

	tampered := newer
	tampered.ContentHash = strings.Repeat("0", 64)
	if err := cache.Store(ctx, tampered); !errors.Is(err, syncerr.ErrCrypto) {
		t.Fatalf("expected crypto error, got %v", err)
	}
}

func TestMergeRemoteCountsFailures(t *testing.T) {
	ctx := context.Background()
	m := metrics.New("test")
	cache := newCache(t, attest.WithMetrics(m))

	good1 := mustSign(t, kindOfBlue, at, testsupport.NewIdentity(t))
	good2 := mustSign(t, sketches, at, testsupport.NewIdentity(t))
	forged := mustSign(t, kindOfBlue, at, testsupport.NewIdentity(t))
	forged.MBID = sketches

	result := cache.MergeRemote(ctx, []attest.Attestation{good1, forged, good2, {}})
	if result.Stored != 2 || result.Rejected != 2 {
		t.Fatalf("unexpected merge result %+v", result)
	}
	all, err := cache.All(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("All = %d, %v", len(all), err)
	}
	if got := testutil.ToFloat64(m.Attestations.WithLabelValues("rejected")); got != 2 {
		t.Fatalf("rejected counter = %v", got)
	}
}
