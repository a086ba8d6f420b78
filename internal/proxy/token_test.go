package proxy

import (
	"errors"
	"testing"
	"time"

	"crate/internal/syncerr"
	"crate/internal/testsupport"
)

func TestRequestTokenBinding(t *testing.T) {
	id := testsupport.NewIdentity(t)
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	body := []byte("ciphertext")

	raw, err := signRequest(id, OpPut, "changes/laptop/00000000000000000001", body, now, time.Minute)
	if err != nil {
		t.Fatalf("signRequest: %v", err)
	}
	tok, err := verifyRequest(raw, OpPut, "changes/laptop/00000000000000000001", body, clock, 5*time.Minute)
	if err != nil {
		t.Fatalf("verifyRequest: %v", err)
	}
	if tok.Author != id.PublicHex() || tok.ID == "" {
		t.Fatalf("unexpected token %+v", tok)
	}

	cases := []struct {
		name string
		op   string
		key  string
		body []byte
	}{
		{"other key", OpPut, "changes/laptop/00000000000000000002", body},
		{"other op", OpDelete, "changes/laptop/00000000000000000001", nil},
		{"other body", OpPut, "changes/laptop/00000000000000000001", []byte("ciphertexT")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := verifyRequest(raw, tc.op, tc.key, tc.body, clock, 5*time.Minute)
			if !errors.Is(err, syncerr.ErrCrypto) {
				t.Fatalf("expected crypto error, got %v", err)
			}
		})
	}
}

func TestRequestTokenLifetime(t *testing.T) {
	id := testsupport.NewIdentity(t)
	issued := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	long, err := signRequest(id, OpGet, "heads/laptop", nil, issued, time.Hour)
	if err != nil {
		t.Fatalf("signRequest: %v", err)
	}
	_, err = verifyRequest(long, OpGet, "heads/laptop", nil, func() time.Time { return issued }, 5*time.Minute)
	if !errors.Is(err, syncerr.ErrCrypto) {
		t.Fatalf("expected over-long token to be rejected, got %v", err)
	}

	short, err := signRequest(id, OpGet, "heads/laptop", nil, issued, time.Minute)
	if err != nil {
		t.Fatalf("signRequest: %v", err)
	}
	later := func() time.Time { return issued.Add(10 * time.Minute) }
	_, err = verifyRequest(short, OpGet, "heads/laptop", nil, later, 5*time.Minute)
	if !errors.Is(err, syncerr.ErrExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestRequestTokenRejectsGarbage(t *testing.T) {
	now := func() time.Time { return time.Now() }
	if _, err := verifyRequest("not-a-token", OpGet, "heads/laptop", nil, now, time.Minute); !errors.Is(err, syncerr.ErrCrypto) {
		t.Fatalf("expected crypto error, got %v", err)
	}
}
