// Package library is the device-local SQLite store for the media catalog and
// the sync bookkeeping around it.
//
// Catalog tables carry _updated_at (Unix milliseconds) and _updated_by (the
// device that wrote the row). Triggers record every local insert, update and
// delete in change_log unless sync_flags.applying is set, which is how remote
// changesets are applied without echoing them back out. CaptureChangeset
// drains the log into an opaque changeset; ApplyChangeset merges one with
// per-row last-writer-wins.
package library
