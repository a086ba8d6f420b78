// Package replication moves captured changesets between devices through a
// passive bucket.
//
// A push frames an Envelope header and the raw changeset bytes into one
// binary-safe unit, encrypts it with the library key and uploads it to
// changes/{device}/{seq}, then advances heads/{device}. A pull reads every
// other device's head and applies unseen changesets in strictly increasing
// seq order. Changesets below the bucket's minimum schema version are
// quarantined instead of applied.
package replication
