// Package membership maintains the signed, append-only log of who may write
// to a shared library.
//
// Entries are folded into the current member set in timestamp order. Every
// entry after the founding self-authored Owner must be authored by someone
// who is an Owner as of all strictly earlier entries; a single violation
// makes the whole chain invalid. Entries are persisted plaintext under
// membership/{author_hex}/{seq}, one sub-log per author.
package membership
