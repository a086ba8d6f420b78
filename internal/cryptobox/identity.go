package cryptobox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"filippo.io/edwards25519"

	"crate/internal/syncerr"
)

// PublicKeySize is the length of an Ed25519 public key.
const PublicKeySize = ed25519.PublicKeySize

// SignatureSize is the length of an Ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// Identity is a device or user signing keypair.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateIdentity creates a fresh Ed25519 identity.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Identity{Public: pub, Private: priv}, nil
}

// IdentityFromSeed rebuilds an identity from its 32-byte seed.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "identity from seed",
			fmt.Sprintf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed)), nil)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// PublicHex returns the lowercase hex encoding of the public key.
func (id *Identity) PublicHex() string {
	return hex.EncodeToString(id.Public)
}

// Sign signs message with the identity's private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.Private, message)
}

// Verify reports whether sig is a valid signature of message by pub. Malformed
// keys or signatures verify as false.
func Verify(pub, message, sig []byte) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// ParsePublicKeyHex decodes a hex-encoded Ed25519 public key.
func ParsePublicKeyHex(value string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "parse public key", "invalid hex", err)
	}
	if len(raw) != PublicKeySize {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "parse public key",
			fmt.Sprintf("public key must be %d bytes, got %d", PublicKeySize, len(raw)), nil)
	}
	return ed25519.PublicKey(raw), nil
}

// X25519PublicKey converts an Ed25519 public key to its Montgomery form.
func X25519PublicKey(pub []byte) (*[32]byte, error) {
	if len(pub) != PublicKeySize {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "convert public key",
			fmt.Sprintf("public key must be %d bytes, got %d", PublicKeySize, len(pub)), nil)
	}
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "convert public key", "not a curve point", err)
	}
	var out [32]byte
	copy(out[:], point.BytesMontgomery())
	return &out, nil
}

// X25519Keypair returns the identity's Montgomery keypair for sealed boxes.
func (id *Identity) X25519Keypair() (pub, priv *[32]byte, err error) {
	pub, err = X25519PublicKey(id.Public)
	if err != nil {
		return nil, nil, err
	}
	digest := sha512.Sum512(id.Private.Seed())
	digest[0] &= 248
	digest[31] &= 127
	digest[31] |= 64
	priv = new([32]byte)
	copy(priv[:], digest[:32])
	return pub, priv, nil
}
