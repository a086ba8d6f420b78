// Package cryptobox holds the primitives every sync component builds on.
//
// Device identities are Ed25519 keypairs. The same keypair doubles as an
// X25519 keypair for anonymous sealed boxes, so inviting a member only needs
// their signing public key. Library data is protected with a shared 32-byte
// key using XChaCha20-Poly1305, with nonce||ciphertext framing, and
// purpose-specific subkeys are derived with HKDF-SHA256.
package cryptobox
