package lookup_test

import (
	"context"
	"testing"

	"crate/internal/attest"
	"crate/internal/lookup"
)

func claim(mbid, author string) attest.Attestation {
	return attest.Attestation{MBID: mbid, Infohash: "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", AuthorPubKey: author}
}

func TestGroupByMBIDEmpty(t *testing.T) {
	if got := lookup.GroupByMBID(nil); len(got) != 0 {
		t.Fatalf("expected no candidates, got %+v", got)
	}
	if _, ok := lookup.BestMBID(nil); ok {
		t.Fatal("BestMBID should report none for empty input")
	}
}

func TestGroupByMBIDOrdersByConfidence(t *testing.T) {
	atts := []attest.Attestation{
		claim("mbid-b", "alice"),
		claim("mbid-a", "carol"),
		claim("mbid-b", "bob"),
	}
	got := lookup.GroupByMBID(atts)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %+v", got)
	}
	if got[0].MBID != "mbid-b" || got[0].Confidence != 2 || got[1].MBID != "mbid-a" || got[1].Confidence != 1 {
		t.Fatalf("unexpected order %+v", got)
	}
	if got[0].Signers[0] != "alice" || got[0].Signers[1] != "bob" {
		t.Fatalf("signers should be sorted, got %v", got[0].Signers)
	}
	best, ok := lookup.BestMBID(atts)
	if !ok || best != "mbid-b" {
		t.Fatalf("BestMBID = %q, %v", best, ok)
	}
}

func TestGroupByMBIDCountsSignersOnce(t *testing.T) {
	atts := []attest.Attestation{
		claim("mbid-z", "alice"),
		claim("mbid-z", "alice"),
		claim("mbid-z", "alice"),
		claim("mbid-y", "bob"),
	}
	got := lookup.GroupByMBID(atts)
	if got[0].MBID != "mbid-y" || got[0].Confidence != 1 || got[1].Confidence != 1 {
		t.Fatalf("ties must break on mbid ascending with signer counts, got %+v", got)
	}
}

type staticSource []attest.Attestation

func (s staticSource) ForInfohash(_ context.Context, infohash string) ([]attest.Attestation, error) {
	var out []attest.Attestation
	for _, a := range s {
		if a.Infohash == infohash {
			out = append(out, a)
		}
	}
	return out, nil
}

func TestInfohashNormalizesInput(t *testing.T) {
	src := staticSource{claim("mbid-a", "alice")}
	res, err := lookup.Infohash(context.Background(), src, "  C12FE1C06BBA254A9DC9F519B335AA7C1367A88A ")
	if err != nil {
		t.Fatalf("Infohash: %v", err)
	}
	if res.Best != "mbid-a" || len(res.Candidates) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}
