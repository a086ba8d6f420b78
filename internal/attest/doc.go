// Package attest stores and exchanges signed content-identity claims.
//
// An Attestation asserts that a distributed content identifier (infohash)
// carries a specific catalog release (MBID). Claims are kept in a SQLite
// cache keyed by (mbid, infohash, author), where a later claim from the same
// signer supersedes the earlier one, and are exchanged with peers as JSON
// Lines.
//
// Two ingest policies coexist on purpose. Cache.MergeRemote verifies each
// claim on its own and counts failures; Deserialize rejects a whole stream
// at the first bad claim.
package attest
