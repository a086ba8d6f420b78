package attest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"crate/internal/syncerr"
)

const maxLineBytes = 64 << 10

// wireFields are the exact object keys of one line. encoding/json matches
// keys case-insensitively, so they are checked before decoding.
var wireFields = []string{"mbid", "infohash", "content_hash", "format", "author_pubkey", "timestamp", "signature"}

// Serialize encodes attestations as JSON Lines: one compact object per line
// with no trailing newline. An empty batch encodes to empty bytes.
func Serialize(atts []Attestation) ([]byte, error) {
	var buf bytes.Buffer
	for i, a := range atts {
		line, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode attestation %d: %w", i, err)
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

// Deserialize parses JSON Lines and verifies every attestation. Blank lines
// are skipped. The first malformed or badly signed line fails the whole
// parse.
func Deserialize(data []byte) ([]Attestation, error) {
	var out []Attestation
	err := scanLines(data, func(a Attestation) error {
		if err := a.Verify(); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeLines parses JSON Lines without verifying signatures, for callers
// that verify each item on their own such as Cache.MergeRemote.
func DecodeLines(data []byte) ([]Attestation, error) {
	var out []Attestation
	err := scanLines(data, func(a Attestation) error {
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanLines(data []byte, fn func(Attestation) error) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		a, err := decodeLine(line)
		if err == nil {
			err = fn(a)
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return syncerr.Wrap(syncerr.ErrProtocol, "attest", "scan", "read lines", err)
	}
	return nil
}

func decodeLine(line []byte) (Attestation, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Attestation{}, syncerr.Wrap(syncerr.ErrProtocol, "attest", "decode", "invalid json", err)
	}
	for _, name := range wireFields {
		if _, ok := fields[name]; !ok {
			return Attestation{}, syncerr.Wrap(syncerr.ErrProtocol, "attest", "decode",
				fmt.Sprintf("missing field %q", name), nil)
		}
	}
	if len(fields) != len(wireFields) {
		return Attestation{}, syncerr.Wrap(syncerr.ErrProtocol, "attest", "decode", "unexpected field", nil)
	}

	var a Attestation
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return Attestation{}, syncerr.Wrap(syncerr.ErrProtocol, "attest", "decode", "invalid json", err)
	}
	if dec.More() {
		return Attestation{}, syncerr.Wrap(syncerr.ErrProtocol, "attest", "decode", "trailing data after object", nil)
	}
	return a, nil
}
