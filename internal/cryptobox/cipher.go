package cryptobox

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"crate/internal/syncerr"
)

// KeySize is the length of library and release keys.
const KeySize = chacha20poly1305.KeySize

// GenerateKey returns a random symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Cipher is an AEAD bound to one symmetric key. Ciphertexts are nonce||sealed.
type Cipher struct {
	key  []byte
	aead cipher.AEAD
}

// NewCipher builds a Cipher for a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "new cipher",
			fmt.Sprintf("key must be %d bytes, got %d", KeySize, len(key)), nil)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "new cipher", "init aead", err)
	}
	return &Cipher{key: append([]byte(nil), key...), aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce||ciphertext blob produced by Encrypt.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(blob) < nonceSize+c.aead.Overhead() {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "decrypt", "ciphertext too short", nil)
	}
	plain, err := c.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "decrypt", "authentication failed", err)
	}
	return plain, nil
}

// DeriveKey derives a purpose-specific subkey from the cipher's key.
func (c *Cipher) DeriveKey(context string) ([]byte, error) {
	return DeriveKey(c.key, context)
}

// DeriveKey expands master into a 32-byte subkey bound to context.
func DeriveKey(master []byte, context string) ([]byte, error) {
	if len(master) == 0 {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "derive key", "empty master key", nil)
	}
	reader := hkdf.New(sha256.New, master, nil, []byte(context))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("derive key %q: %w", context, err)
	}
	return out, nil
}
