package proxy

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"crate/internal/cryptobox"
	"crate/internal/syncerr"
)

// Request operations bound into tokens.
const (
	OpGet    = "GET"
	OpPut    = "PUT"
	OpDelete = "DELETE"
	OpList   = "LIST"
)

const tokenLeeway = 5 * time.Second

// requestClaims binds a token to one bucket operation. Subject is the
// caller's Ed25519 public key in hex.
type requestClaims struct {
	Op         string `json:"op"`
	Key        string `json:"key"`
	BodySHA256 string `json:"sha,omitempty"`
	gojwt.RegisteredClaims
}

// bodyDigest is the hex SHA-256 of a PUT body and empty for other ops.
func bodyDigest(op string, body []byte) string {
	if op != OpPut {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// signRequest mints a single-use token for op on key.
func signRequest(id *cryptobox.Identity, op, key string, body []byte, now time.Time, ttl time.Duration) (string, error) {
	claims := requestClaims{
		Op:         op,
		Key:        key,
		BodySHA256: bodyDigest(op, body),
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   id.PublicHex(),
			ID:        ulid.Make().String(),
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(id.Private)
	if err != nil {
		return "", fmt.Errorf("sign request token: %w", err)
	}
	return signed, nil
}

type verifiedToken struct {
	Author string
	ID     string
	Expiry time.Time
}

// verifyRequest checks the token signature, lifetime and binding to the
// request. It does not check replay.
func verifyRequest(raw, op, key string, body []byte, now func() time.Time, maxTTL time.Duration) (verifiedToken, error) {
	fail := func(msg string, err error) (verifiedToken, error) {
		return verifiedToken{}, syncerr.Wrap(syncerr.ErrCrypto, "proxy", "verify token", msg, err)
	}
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodEdDSA.Alg()}),
		gojwt.WithExpirationRequired(),
		gojwt.WithIssuedAt(),
		gojwt.WithLeeway(tokenLeeway),
		gojwt.WithTimeFunc(now),
	)
	var claims requestClaims
	_, err := parser.ParseWithClaims(raw, &claims, func(token *gojwt.Token) (any, error) {
		c, ok := token.Claims.(*requestClaims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		pub, err := cryptobox.ParsePublicKeyHex(c.Subject)
		if err != nil {
			return nil, err
		}
		return ed25519.PublicKey(pub), nil
	})
	if err != nil {
		if errors.Is(err, gojwt.ErrTokenExpired) {
			return verifiedToken{}, syncerr.Wrap(syncerr.ErrExpired, "proxy", "verify token", "token expired", err)
		}
		return fail("invalid token", err)
	}
	if claims.Subject != strings.ToLower(claims.Subject) {
		return fail("subject must be lowercase hex", nil)
	}
	if claims.ID == "" {
		return fail("token id is required", nil)
	}
	if claims.IssuedAt == nil {
		return fail("issued-at is required", nil)
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > maxTTL {
		return fail(fmt.Sprintf("token lifetime exceeds %s", maxTTL), nil)
	}
	if claims.Op != op || claims.Key != key {
		return fail(fmt.Sprintf("token is bound to %s %q", claims.Op, claims.Key), nil)
	}
	if claims.BodySHA256 != bodyDigest(op, body) {
		return fail("body digest mismatch", nil)
	}
	return verifiedToken{Author: claims.Subject, ID: claims.ID, Expiry: claims.ExpiresAt.Time}, nil
}
