// Package syncerr defines the error taxonomy shared by the sync and trust
// packages.
//
// Every failure that crosses a package boundary is tagged with one of the
// exported markers so callers can decide between retrying (transport, schema
// quarantine) and surfacing the failure (protocol, crypto, membership). The
// markers are matched with errors.Is; Wrap keeps the underlying cause in the
// chain so storage-specific errors remain inspectable.
//
// Untrusted input must never panic or collapse into a silent default: decode
// paths return a Wrap(ErrProtocol, ...) and signature checks return
// Wrap(ErrCrypto, ...), never ErrNotFound.
package syncerr
