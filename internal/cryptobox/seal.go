package cryptobox

import (
	"crypto/rand"

	"golang.org/x/crypto/nacl/box"

	"crate/internal/syncerr"
)

// SealAnonymous encrypts message to the holder of the Ed25519 public key
// recipient. The ciphertext carries no sender identity.
func SealAnonymous(message, recipient []byte) ([]byte, error) {
	pub, err := X25519PublicKey(recipient)
	if err != nil {
		return nil, err
	}
	sealed, err := box.SealAnonymous(nil, message, pub, rand.Reader)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "seal", "sealed box encryption failed", err)
	}
	return sealed, nil
}

// OpenAnonymous decrypts a sealed box addressed to id.
func OpenAnonymous(sealed []byte, id *Identity) ([]byte, error) {
	pub, priv, err := id.X25519Keypair()
	if err != nil {
		return nil, err
	}
	if len(sealed) < box.AnonymousOverhead {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "open", "sealed box too short", nil)
	}
	plain, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "open", "sealed box not addressed to this identity", nil)
	}
	return plain, nil
}
