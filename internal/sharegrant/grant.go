// Package sharegrant delegates read access to a single release across
// libraries.
//
// A sender signs a Grant naming the recipient, the release and where its
// objects live, with the release key (and optional scoped credentials)
// sealed to the recipient. Grants travel out of band as share strings. The
// recipient verifies and stores accepted grants locally; expiry is checked
// again on every read. Only the recipient can revoke its copy; a sender has
// no way to recall a grant once delivered.
package sharegrant

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crate/internal/cryptobox"
	"crate/internal/syncerr"
)

// Grant is the signed, transferable form of a share. Keys and the signature
// are lowercase hex; times are Unix milliseconds.
type Grant struct {
	FromLibraryID   string `json:"from_library_id"`
	FromUserPubKey  string `json:"from_user_pubkey"`
	RecipientPubKey string `json:"recipient_pubkey"`
	ReleaseID       string `json:"release_id"`
	Bucket          string `json:"bucket"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	WrappedPayload  []byte `json:"wrapped_payload"`
	CreatedAt       int64  `json:"created_at"`
	Expires         *int64 `json:"expires,omitempty"`
	Signature       string `json:"signature"`
}

// Credentials are optional storage credentials scoped to the release.
type Credentials struct {
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	SessionToken string `json:"session_token,omitempty"`
}

type payload struct {
	ReleaseKey  []byte       `json:"release_key"`
	Credentials *Credentials `json:"credentials,omitempty"`
}

type signable struct {
	Domain          string `json:"domain"`
	FromLibraryID   string `json:"from_library_id"`
	FromUserPubKey  string `json:"from_user_pubkey"`
	RecipientPubKey string `json:"recipient_pubkey"`
	ReleaseID       string `json:"release_id"`
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	WrappedPayload  []byte `json:"wrapped_payload"`
	CreatedAt       int64  `json:"created_at"`
	Expires         *int64 `json:"expires"`
}

const signingDomain = "crate.sharegrant.v1"

// Request describes a grant to create.
type Request struct {
	FromLibraryID string
	Recipient     []byte
	ReleaseID     string
	Bucket        string
	Region        string
	Endpoint      string
	ReleaseKey    []byte
	Credentials   *Credentials
	// Expires is optional; the zero value means the grant never expires.
	Expires time.Time
}

// SigningBytes returns the canonical message covered by the signature.
func (g Grant) SigningBytes() []byte {
	data, _ := json.Marshal(signable{
		Domain:          signingDomain,
		FromLibraryID:   g.FromLibraryID,
		FromUserPubKey:  g.FromUserPubKey,
		RecipientPubKey: g.RecipientPubKey,
		ReleaseID:       g.ReleaseID,
		Bucket:          g.Bucket,
		Region:          g.Region,
		Endpoint:        g.Endpoint,
		WrappedPayload:  g.WrappedPayload,
		CreatedAt:       g.CreatedAt,
		Expires:         g.Expires,
	})
	return data
}

// Create seals the release key to the recipient and signs the grant as
// sender.
func Create(req Request, at time.Time, sender *cryptobox.Identity) (Grant, error) {
	if sender == nil {
		return Grant{}, syncerr.Wrap(syncerr.ErrCrypto, "sharegrant", "create", "missing sender identity", nil)
	}
	if len(req.ReleaseKey) != cryptobox.KeySize {
		return Grant{}, syncerr.Wrap(syncerr.ErrProtocol, "sharegrant", "create",
			fmt.Sprintf("release key must be %d bytes, got %d", cryptobox.KeySize, len(req.ReleaseKey)), nil)
	}
	if strings.TrimSpace(req.ReleaseID) == "" || strings.TrimSpace(req.Bucket) == "" {
		return Grant{}, syncerr.Wrap(syncerr.ErrProtocol, "sharegrant", "create", "release id and bucket are required", nil)
	}
	if !req.Expires.IsZero() && !req.Expires.After(at) {
		return Grant{}, syncerr.Wrap(syncerr.ErrProtocol, "sharegrant", "create", "expiry must be in the future", nil)
	}
	plain, err := json.Marshal(payload{ReleaseKey: req.ReleaseKey, Credentials: req.Credentials})
	if err != nil {
		return Grant{}, fmt.Errorf("encode grant payload: %w", err)
	}
	sealed, err := cryptobox.SealAnonymous(plain, req.Recipient)
	if err != nil {
		return Grant{}, err
	}
	g := Grant{
		FromLibraryID:   req.FromLibraryID,
		FromUserPubKey:  sender.PublicHex(),
		RecipientPubKey: hex.EncodeToString(req.Recipient),
		ReleaseID:       strings.TrimSpace(req.ReleaseID),
		Bucket:          strings.TrimSpace(req.Bucket),
		Region:          req.Region,
		Endpoint:        req.Endpoint,
		WrappedPayload:  sealed,
		CreatedAt:       at.UnixMilli(),
	}
	if !req.Expires.IsZero() {
		expires := req.Expires.UnixMilli()
		g.Expires = &expires
	}
	g.Signature = hex.EncodeToString(sender.Sign(g.SigningBytes()))
	return g, nil
}

// Verify checks the sender signature.
func (g Grant) Verify() error {
	sender, err := cryptobox.ParsePublicKeyHex(g.FromUserPubKey)
	if err != nil {
		return err
	}
	if _, err := cryptobox.ParsePublicKeyHex(g.RecipientPubKey); err != nil {
		return err
	}
	sig, err := hex.DecodeString(g.Signature)
	if err != nil || g.Signature != strings.ToLower(g.Signature) {
		return syncerr.Wrap(syncerr.ErrCrypto, "sharegrant", "verify", "signature must be lowercase hex", err)
	}
	if !cryptobox.Verify(sender, g.SigningBytes(), sig) {
		return syncerr.Wrap(syncerr.ErrCrypto, "sharegrant", "verify", "invalid signature", nil)
	}
	return nil
}

// Expired reports whether the grant has expired at now.
func (g Grant) Expired(now time.Time) bool {
	return g.Expires != nil && !now.Before(time.UnixMilli(*g.Expires))
}

// Encode renders the grant as a share string: unpadded base64url JSON.
func Encode(g Grant) (string, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("encode grant: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses a share string produced by Encode. The signature is not
// checked here.
func Decode(share string) (Grant, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(share))
	if err != nil {
		return Grant{}, syncerr.Wrap(syncerr.ErrProtocol, "sharegrant", "decode", "share string is not base64url", err)
	}
	var g Grant
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&g); err != nil {
		return Grant{}, syncerr.Wrap(syncerr.ErrProtocol, "sharegrant", "decode", "invalid grant json", err)
	}
	return g, nil
}
