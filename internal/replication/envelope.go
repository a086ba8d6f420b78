package replication

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"crate/internal/cryptobox"
	"crate/internal/syncerr"
)

// Envelope is the header packed in front of every pushed changeset.
// Timestamp is Unix milliseconds. AuthorPubKey and Signature are hex and
// present only on signed envelopes.
type Envelope struct {
	DeviceID      string `json:"device_id"`
	Seq           uint64 `json:"seq"`
	SchemaVersion uint32 `json:"schema_version"`
	Message       string `json:"message"`
	Timestamp     int64  `json:"timestamp"`
	ChangesetSize uint64 `json:"changeset_size"`
	AuthorPubKey  string `json:"author_pubkey,omitempty"`
	Signature     string `json:"signature,omitempty"`
}

const (
	frameMagic     = "CRCS"
	frameVersion   = 1
	framePrefixLen = len(frameMagic) + 1 + 4
	maxHeaderLen   = 64 << 10
	signingDomain  = "crate.changeset.v1"
)

type signableEnvelope struct {
	Domain          string `json:"domain"`
	DeviceID        string `json:"device_id"`
	Seq             uint64 `json:"seq"`
	SchemaVersion   uint32 `json:"schema_version"`
	Message         string `json:"message"`
	Timestamp       int64  `json:"timestamp"`
	ChangesetSize   uint64 `json:"changeset_size"`
	ChangesetSHA256 string `json:"changeset_sha256"`
	AuthorPubKey    string `json:"author_pubkey"`
}

func (e Envelope) signingBytes(changeset []byte) []byte {
	digest := sha256.Sum256(changeset)
	data, _ := json.Marshal(signableEnvelope{
		Domain:          signingDomain,
		DeviceID:        e.DeviceID,
		Seq:             e.Seq,
		SchemaVersion:   e.SchemaVersion,
		Message:         e.Message,
		Timestamp:       e.Timestamp,
		ChangesetSize:   e.ChangesetSize,
		ChangesetSHA256: hex.EncodeToString(digest[:]),
		AuthorPubKey:    e.AuthorPubKey,
	})
	return data
}

// Sign sets the author and signature over the header and changeset digest.
func (e *Envelope) Sign(id *cryptobox.Identity, changeset []byte) {
	e.ChangesetSize = uint64(len(changeset))
	e.AuthorPubKey = id.PublicHex()
	e.Signature = hex.EncodeToString(id.Sign(e.signingBytes(changeset)))
}

// Signed reports whether the envelope carries a signature.
func (e Envelope) Signed() bool {
	return e.Signature != "" || e.AuthorPubKey != ""
}

// VerifySignature checks a signed envelope against its changeset.
func (e Envelope) VerifySignature(changeset []byte) error {
	author, err := cryptobox.ParsePublicKeyHex(e.AuthorPubKey)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrCrypto, "replication", "verify envelope", "signature is not hex", err)
	}
	if !cryptobox.Verify(author, e.signingBytes(changeset), sig) {
		return syncerr.Wrap(syncerr.ErrCrypto, "replication", "verify envelope", "invalid signature", nil)
	}
	return nil
}

// Pack frames an envelope and its changeset:
//
//	"CRCS" | version (1 byte) | header length (uint32 BE) | header JSON | changeset
func Pack(env Envelope, changeset []byte) ([]byte, error) {
	env.ChangesetSize = uint64(len(changeset))
	header, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(header) > maxHeaderLen {
		return nil, syncerr.Wrap(syncerr.ErrProtocol, "replication", "pack", "envelope header too large", nil)
	}
	var buf bytes.Buffer
	buf.Grow(framePrefixLen + len(header) + len(changeset))
	buf.WriteString(frameMagic)
	buf.WriteByte(frameVersion)
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(header)))
	buf.Write(size[:])
	buf.Write(header)
	buf.Write(changeset)
	return buf.Bytes(), nil
}

// Unpack parses a frame produced by Pack.
func Unpack(frame []byte) (Envelope, []byte, error) {
	fail := func(msg string, err error) (Envelope, []byte, error) {
		return Envelope{}, nil, syncerr.Wrap(syncerr.ErrProtocol, "replication", "unpack", msg, err)
	}
	if len(frame) < framePrefixLen {
		return fail("frame too short", nil)
	}
	if string(frame[:len(frameMagic)]) != frameMagic {
		return fail("bad frame magic", nil)
	}
	if v := frame[len(frameMagic)]; v != frameVersion {
		return fail(fmt.Sprintf("unsupported frame version %d", v), nil)
	}
	headerLen := binary.BigEndian.Uint32(frame[len(frameMagic)+1 : framePrefixLen])
	if headerLen > maxHeaderLen || uint64(headerLen) > uint64(len(frame)-framePrefixLen) {
		return fail("header length out of range", nil)
	}
	headerEnd := framePrefixLen + int(headerLen)
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(frame[framePrefixLen:headerEnd]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return fail("decode envelope", err)
	}
	payload := frame[headerEnd:]
	if env.ChangesetSize != uint64(len(payload)) {
		return fail(fmt.Sprintf("changeset size %d does not match payload %d", env.ChangesetSize, len(payload)), nil)
	}
	return env, payload, nil
}
