// Command crate is the device-side CLI for an encrypted shared media
// library: it manages the device identity, library membership, push/pull
// of catalog changesets, release attestations and share grants.
package main
