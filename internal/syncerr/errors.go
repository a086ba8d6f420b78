package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProtocol marks malformed frames, bad hex, wrong-length keys and other
	// format violations. Not retryable without caller intervention.
	ErrProtocol = errors.New("protocol error")
	// ErrCrypto marks signature and decryption rejections.
	ErrCrypto = errors.New("cryptographic rejection")
	// ErrExpired marks capabilities used past their expiry.
	ErrExpired = errors.New("expired")
	// ErrTransport marks bucket and network I/O failures.
	ErrTransport = errors.New("transport failure")
	// ErrNotFound marks absent bucket objects or local records.
	ErrNotFound = errors.New("not found")
	// ErrMembership marks authorization failures against the membership chain.
	ErrMembership = errors.New("membership error")
	// ErrChainInvalid marks a membership chain that failed validation.
	ErrChainInvalid = errors.New("membership chain invalid")
	// ErrSchema marks changesets quarantined by the minimum schema gate.
	ErrSchema = errors.New("unsupported schema version")
	// ErrSeqCollision marks a push that would overwrite an existing changeset.
	ErrSeqCollision = errors.New("sequence collision")
	// ErrConfiguration marks unusable local configuration.
	ErrConfiguration = errors.New("configuration error")
)

// Wrap builds an error that carries component and operation context while
// tagging it with marker for classification. A nil marker defaults to
// ErrTransport.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransport
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether the caller may retry the failed operation
// unchanged. Crypto and protocol failures are never retryable, even when they
// also wrap a transport error.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrCrypto), errors.Is(err, ErrProtocol),
		errors.Is(err, ErrMembership), errors.Is(err, ErrChainInvalid),
		errors.Is(err, ErrExpired), errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrSeqCollision):
		return false
	case errors.Is(err, ErrTransport), errors.Is(err, ErrSchema):
		return true
	default:
		return false
	}
}

// Kind returns a short classification string for logging and HTTP mapping.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrChainInvalid):
		return "chain_invalid"
	case errors.Is(err, ErrMembership):
		return "membership"
	case errors.Is(err, ErrCrypto):
		return "crypto"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrSchema):
		return "schema"
	case errors.Is(err, ErrSeqCollision):
		return "seq_collision"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "unknown"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "sync failure"
	}
	return strings.Join(parts, ": ")
}
