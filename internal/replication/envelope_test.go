package replication_test

import (
	"bytes"
	"errors"
	"testing"

	"crate/internal/replication"
	"crate/internal/syncerr"
	"crate/internal/testsupport"
)

func TestPackUnpackIsBinarySafe(t *testing.T) {
	payload := []byte{0, 'C', 'R', 'C', 'S', 0xff, '\n', 0}
	env := replication.Envelope{DeviceID: "dev-a", Seq: 42, SchemaVersion: 1, Message: "binary", Timestamp: 1}
	env.Sign(testsupport.NewIdentity(t), payload)

	frame, err := replication.Pack(env, payload)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, data, err := replication.Unpack(frame)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("payload mismatch: %q", data)
	}
	if got.Seq != 42 || got.ChangesetSize != uint64(len(payload)) {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if err := got.VerifySignature(data); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if err := got.VerifySignature(append(data, 1)); !errors.Is(err, syncerr.ErrCrypto) {
		t.Fatalf("expected crypto error for altered changeset, got %v", err)
	}
}

func TestUnpackRejectsMalformedFrames(t *testing.T) {
	good, err := replication.Pack(replication.Envelope{DeviceID: "dev-a", Seq: 1}, []byte("abc"))
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	cases := map[string][]byte{
		"empty":     nil,
		"short":     good[:5],
		"magic":     append([]byte("XXXX"), good[4:]...),
		"version":   append(append([]byte("CRCS"), 9), good[5:]...),
		"truncated": good[:len(good)-1],
		"header":    append(append([]byte(nil), good[:9]...), []byte("not json")...),
	}
	for name, frame := range cases {
		if _, _, err := replication.Unpack(frame); !errors.Is(err, syncerr.ErrProtocol) {
			t.Fatalf("%s: expected protocol error, got %v", name, err)
		}
	}
}
