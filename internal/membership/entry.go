package membership

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"crate/internal/cryptobox"
	"crate/internal/syncerr"
)

// Action is the kind of change an entry makes.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Role is a member's authority level.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// ParseRole validates a role name.
func ParseRole(value string) (Role, error) {
	switch Role(value) {
	case RoleOwner, RoleMember:
		return Role(value), nil
	default:
		return "", syncerr.Wrap(syncerr.ErrProtocol, "membership", "parse role",
			fmt.Sprintf("unknown role %q", value), nil)
	}
}

// Entry is one signed membership change. Keys and the signature are hex;
// Timestamp is Unix milliseconds.
type Entry struct {
	Action       Action `json:"action"`
	UserPubKey   string `json:"user_pubkey"`
	Role         Role   `json:"role"`
	Timestamp    int64  `json:"timestamp"`
	AuthorPubKey string `json:"author_pubkey"`
	Signature    string `json:"signature"`
}

type signable struct {
	Domain       string `json:"domain"`
	Action       Action `json:"action"`
	UserPubKey   string `json:"user_pubkey"`
	Role         Role   `json:"role"`
	Timestamp    int64  `json:"timestamp"`
	AuthorPubKey string `json:"author_pubkey"`
}

const signingDomain = "crate.membership.v1"

// SigningBytes returns the canonical message covered by the signature.
func (e Entry) SigningBytes() []byte {
	data, _ := json.Marshal(signable{
		Domain:       signingDomain,
		Action:       e.Action,
		UserPubKey:   e.UserPubKey,
		Role:         e.Role,
		Timestamp:    e.Timestamp,
		AuthorPubKey: e.AuthorPubKey,
	})
	return data
}

// NewEntry builds and signs an entry authored by author.
func NewEntry(action Action, user []byte, role Role, at time.Time, author *cryptobox.Identity) (Entry, error) {
	if author == nil {
		return Entry{}, syncerr.Wrap(syncerr.ErrCrypto, "membership", "new entry", "missing author identity", nil)
	}
	if len(user) != cryptobox.PublicKeySize {
		return Entry{}, syncerr.Wrap(syncerr.ErrCrypto, "membership", "new entry",
			fmt.Sprintf("user public key must be %d bytes, got %d", cryptobox.PublicKeySize, len(user)), nil)
	}
	e := Entry{
		Action:       action,
		UserPubKey:   hex.EncodeToString(user),
		Role:         role,
		Timestamp:    at.UnixMilli(),
		AuthorPubKey: author.PublicHex(),
	}
	if err := e.checkShape(); err != nil {
		return Entry{}, err
	}
	e.Signature = hex.EncodeToString(author.Sign(e.SigningBytes()))
	return e, nil
}

// Founding returns the self-authored Owner entry that starts a chain.
func Founding(owner *cryptobox.Identity, at time.Time) (Entry, error) {
	if owner == nil {
		return Entry{}, syncerr.Wrap(syncerr.ErrCrypto, "membership", "founding entry", "missing owner identity", nil)
	}
	return NewEntry(ActionAdd, owner.Public, RoleOwner, at, owner)
}

func (e Entry) checkShape() error {
	switch e.Action {
	case ActionAdd, ActionRemove:
	default:
		return syncerr.Wrap(syncerr.ErrProtocol, "membership", "verify entry",
			fmt.Sprintf("unknown action %q", e.Action), nil)
	}
	if _, err := ParseRole(string(e.Role)); err != nil {
		return err
	}
	for _, key := range []string{e.UserPubKey, e.AuthorPubKey} {
		if !isPubKeyHex(key) {
			return syncerr.Wrap(syncerr.ErrProtocol, "membership", "verify entry",
				fmt.Sprintf("public keys must be %d lowercase hex characters", cryptobox.PublicKeySize*2), nil)
		}
	}
	return nil
}

func isPubKeyHex(value string) bool {
	if len(value) != cryptobox.PublicKeySize*2 {
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

// Verify checks the entry's shape and signature.
func (e Entry) Verify() error {
	if err := e.checkShape(); err != nil {
		return err
	}
	author, _ := cryptobox.ParsePublicKeyHex(e.AuthorPubKey)
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrCrypto, "membership", "verify entry", "signature is not hex", err)
	}
	if !cryptobox.Verify(author, e.SigningBytes(), sig) {
		return syncerr.Wrap(syncerr.ErrCrypto, "membership", "verify entry", "invalid signature", nil)
	}
	return nil
}

// Time returns the entry timestamp.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

func (e Entry) selfAuthored() bool {
	return e.UserPubKey == e.AuthorPubKey
}
