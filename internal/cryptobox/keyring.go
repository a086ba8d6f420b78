package cryptobox

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"crate/internal/fileutil"
	"crate/internal/syncerr"
)

// Keyring is the device's persisted secret material: its signing identity
// and, once joined, the shared library key.
type Keyring struct {
	Identity   *Identity
	LibraryKey []byte
	CreatedAt  time.Time
}

type keyringFile struct {
	Seed       string    `json:"seed"`
	PublicKey  string    `json:"public_key"`
	LibraryKey string    `json:"library_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// KeyringStore reads and writes a Keyring as JSON on disk.
type KeyringStore struct {
	path string
}

// NewKeyringStore builds a store rooted at path.
func NewKeyringStore(path string) *KeyringStore {
	return &KeyringStore{path: path}
}

// Path returns the backing file location.
func (s *KeyringStore) Path() string {
	return s.path
}

// Load reads the keyring. A missing file yields an error wrapping syncerr.ErrNotFound.
func (s *KeyringStore) Load() (*Keyring, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, syncerr.Wrap(syncerr.ErrNotFound, "cryptobox", "load keyring",
				fmt.Sprintf("no identity at %s", s.path), err)
		}
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	var raw keyringFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, syncerr.Wrap(syncerr.ErrProtocol, "cryptobox", "load keyring", "decode keyring", err)
	}
	seed, err := base64.StdEncoding.DecodeString(raw.Seed)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrProtocol, "cryptobox", "load keyring", "decode seed", err)
	}
	id, err := IdentityFromSeed(seed)
	if err != nil {
		return nil, err
	}
	if raw.PublicKey != "" && raw.PublicKey != id.PublicHex() {
		return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "load keyring", "public key does not match seed", nil)
	}
	ring := &Keyring{Identity: id, CreatedAt: raw.CreatedAt}
	if raw.LibraryKey != "" {
		key, err := base64.StdEncoding.DecodeString(raw.LibraryKey)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.ErrProtocol, "cryptobox", "load keyring", "decode library key", err)
		}
		if len(key) != KeySize {
			return nil, syncerr.Wrap(syncerr.ErrCrypto, "cryptobox", "load keyring", "library key has wrong length", nil)
		}
		ring.LibraryKey = key
	}
	return ring, nil
}

// Save persists the keyring with owner-only permissions, replacing any
// previous file atomically.
func (s *KeyringStore) Save(ring *Keyring) error {
	if ring == nil || ring.Identity == nil {
		return errors.New("keyring has no identity")
	}
	created := ring.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	raw := keyringFile{
		Seed:      base64.StdEncoding.EncodeToString(ring.Identity.Private.Seed()),
		PublicKey: ring.Identity.PublicHex(),
		CreatedAt: created,
	}
	if len(ring.LibraryKey) > 0 {
		raw.LibraryKey = base64.StdEncoding.EncodeToString(ring.LibraryKey)
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keyring: %w", err)
	}
	if err := fileutil.WriteAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("save keyring: %w", err)
	}
	return nil
}
