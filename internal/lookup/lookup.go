// Package lookup answers which release an infohash most probably carries,
// from the attestations already in the local cache.
package lookup

import (
	"context"
	"sort"
	"strings"

	"crate/internal/attest"
)

// Candidate is one MBID claimed for an infohash.
type Candidate struct {
	MBID string `json:"mbid"`
	// Confidence is the number of distinct signers backing MBID.
	Confidence int      `json:"confidence"`
	Signers    []string `json:"signers"`
}

// GroupByMBID groups attestations by MBID and orders the candidates by
// confidence descending, then MBID ascending.
func GroupByMBID(atts []attest.Attestation) []Candidate {
	signers := make(map[string]map[string]struct{})
	for _, a := range atts {
		set, ok := signers[a.MBID]
		if !ok {
			set = make(map[string]struct{})
			signers[a.MBID] = set
		}
		set[a.AuthorPubKey] = struct{}{}
	}

	out := make([]Candidate, 0, len(signers))
	for mbid, set := range signers {
		c := Candidate{MBID: mbid, Confidence: len(set), Signers: make([]string, 0, len(set))}
		for key := range set {
			c.Signers = append(c.Signers, key)
		}
		sort.Strings(c.Signers)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].MBID < out[j].MBID
	})
	return out
}

// BestMBID returns the top candidate's MBID, or false when there are no
// attestations.
func BestMBID(atts []attest.Attestation) (string, bool) {
	candidates := GroupByMBID(atts)
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[0].MBID, true
}

// Source supplies the cached attestations for an infohash.
type Source interface {
	ForInfohash(ctx context.Context, infohash string) ([]attest.Attestation, error)
}

// Result is a reverse lookup answer.
type Result struct {
	Infohash   string      `json:"infohash"`
	Best       string      `json:"best_mbid,omitempty"`
	Candidates []Candidate `json:"candidates"`
}

// Infohash runs a reverse lookup against src.
func Infohash(ctx context.Context, src Source, infohash string) (Result, error) {
	infohash = strings.ToLower(strings.TrimSpace(infohash))
	atts, err := src.ForInfohash(ctx, infohash)
	if err != nil {
		return Result{}, err
	}
	res := Result{Infohash: infohash, Candidates: GroupByMBID(atts)}
	if len(res.Candidates) > 0 {
		res.Best = res.Candidates[0].MBID
	}
	return res, nil
}
