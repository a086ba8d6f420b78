package attest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crate/internal/cryptobox"
	"crate/internal/syncerr"
)

// Attestation is a signed claim that Infohash carries release MBID.
// Hashes, keys and the signature are lowercase hex; Timestamp is Unix
// milliseconds.
type Attestation struct {
	MBID         string `json:"mbid"`
	Infohash     string `json:"infohash"`
	ContentHash  string `json:"content_hash"`
	Format       string `json:"format"`
	AuthorPubKey string `json:"author_pubkey"`
	Timestamp    int64  `json:"timestamp"`
	Signature    string `json:"signature"`
}

type signable struct {
	Domain       string `json:"domain"`
	MBID         string `json:"mbid"`
	Infohash     string `json:"infohash"`
	ContentHash  string `json:"content_hash"`
	Format       string `json:"format"`
	AuthorPubKey string `json:"author_pubkey"`
	Timestamp    int64  `json:"timestamp"`
}

const (
	signingDomain = "crate.attestation.v1"
	maxFormatLen  = 32
)

// Claim is the unsigned content of an attestation.
type Claim struct {
	MBID        string
	Infohash    string
	ContentHash string
	Format      string
}

// SigningBytes returns the canonical message covered by the signature.
func (a Attestation) SigningBytes() []byte {
	data, _ := json.Marshal(signable{
		Domain:       signingDomain,
		MBID:         a.MBID,
		Infohash:     a.Infohash,
		ContentHash:  a.ContentHash,
		Format:       a.Format,
		AuthorPubKey: a.AuthorPubKey,
		Timestamp:    a.Timestamp,
	})
	return data
}

// Sign builds an attestation for claim authored by id at the given time.
// Identifiers are normalized to lowercase before signing.
func Sign(claim Claim, at time.Time, id *cryptobox.Identity) (Attestation, error) {
	if id == nil {
		return Attestation{}, syncerr.Wrap(syncerr.ErrCrypto, "attest", "sign", "missing identity", nil)
	}
	a := Attestation{
		MBID:         strings.ToLower(strings.TrimSpace(claim.MBID)),
		Infohash:     strings.ToLower(strings.TrimSpace(claim.Infohash)),
		ContentHash:  strings.ToLower(strings.TrimSpace(claim.ContentHash)),
		Format:       strings.ToLower(strings.TrimSpace(claim.Format)),
		AuthorPubKey: id.PublicHex(),
		Timestamp:    at.UnixMilli(),
	}
	if err := a.checkShape(); err != nil {
		return Attestation{}, err
	}
	a.Signature = hex.EncodeToString(id.Sign(a.SigningBytes()))
	return a, nil
}

// Verify checks the attestation's shape and signature.
func (a Attestation) Verify() error {
	if err := a.checkShape(); err != nil {
		return err
	}
	author, _ := cryptobox.ParsePublicKeyHex(a.AuthorPubKey)
	if !isLowerHex(a.Signature, cryptobox.SignatureSize*2) {
		return syncerr.Wrap(syncerr.ErrCrypto, "attest", "verify", "signature must be lowercase hex", nil)
	}
	sig, _ := hex.DecodeString(a.Signature)
	if !cryptobox.Verify(author, a.SigningBytes(), sig) {
		return syncerr.Wrap(syncerr.ErrCrypto, "attest", "verify", "invalid signature", nil)
	}
	return nil
}

// Time returns the attestation timestamp.
func (a Attestation) Time() time.Time {
	return time.UnixMilli(a.Timestamp).UTC()
}

func (a Attestation) checkShape() error {
	fail := func(msg string) error {
		return syncerr.Wrap(syncerr.ErrProtocol, "attest", "check", msg, nil)
	}
	parsed, err := uuid.Parse(a.MBID)
	if err != nil || parsed.String() != a.MBID {
		return fail(fmt.Sprintf("mbid %q is not a canonical uuid", a.MBID))
	}
	if !isLowerHex(a.Infohash, 40) && !isLowerHex(a.Infohash, 64) {
		return fail(fmt.Sprintf("infohash %q must be 40 or 64 lowercase hex characters", a.Infohash))
	}
	if !isLowerHex(a.ContentHash, 64) {
		return fail("content_hash must be 64 lowercase hex characters")
	}
	if a.Format == "" || len(a.Format) > maxFormatLen || a.Format != strings.ToLower(a.Format) {
		return fail(fmt.Sprintf("format %q must be a short lowercase name", a.Format))
	}
	if !isLowerHex(a.AuthorPubKey, cryptobox.PublicKeySize*2) {
		return fail("author_pubkey must be lowercase hex")
	}
	if _, err := cryptobox.ParsePublicKeyHex(a.AuthorPubKey); err != nil {
		return err
	}
	return nil
}

func isLowerHex(value string, size int) bool {
	if len(value) != size {
		return false
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
