package library

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"crate/internal/logging"
	"crate/internal/syncerr"
)

// OpKind is the kind of row change carried in a changeset.
type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

const changesetFormat = 1

// Op is one coalesced row change. Upserts carry the full row for their table.
type Op struct {
	Table  string  `json:"table"`
	Kind   OpKind  `json:"op"`
	ID     string  `json:"id"`
	Artist *Artist `json:"artist,omitempty"`
	Album  *Album  `json:"album,omitempty"`
	Track  *Track  `json:"track,omitempty"`
}

// Changeset is the decoded form of the opaque bytes exchanged between devices.
type Changeset struct {
	Format int  `json:"format"`
	Ops    []Op `json:"ops"`
}

// ApplyStats summarizes one ApplyChangeset call.
type ApplyStats struct {
	Applied int
	Skipped int
	Deleted int
}

// DecodeChangeset parses changeset bytes, rejecting anything malformed.
func DecodeChangeset(data []byte) (Changeset, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cs Changeset
	if err := dec.Decode(&cs); err != nil {
		return Changeset{}, syncerr.Wrap(syncerr.ErrProtocol, "library", "decode changeset", "invalid json", err)
	}
	if cs.Format != changesetFormat {
		return Changeset{}, syncerr.Wrap(syncerr.ErrProtocol, "library", "decode changeset",
			fmt.Sprintf("unsupported changeset format %d", cs.Format), nil)
	}
	for i, op := range cs.Ops {
		if err := op.validate(); err != nil {
			return Changeset{}, syncerr.Wrap(syncerr.ErrProtocol, "library", "decode changeset",
				fmt.Sprintf("op %d", i), err)
		}
	}
	return cs, nil
}

func (op Op) validate() error {
	if op.ID == "" {
		return fmt.Errorf("missing row id")
	}
	switch op.Kind {
	case OpDelete:
		switch op.Table {
		case TableArtists, TableAlbums, TableTracks:
			return nil
		}
		return fmt.Errorf("unknown table %q", op.Table)
	case OpUpsert:
	default:
		return fmt.Errorf("unknown op %q", op.Kind)
	}
	switch {
	case op.Table == TableArtists && op.Artist != nil && op.Artist.ID == op.ID:
	case op.Table == TableAlbums && op.Album != nil && op.Album.ID == op.ID:
	case op.Table == TableTracks && op.Track != nil && op.Track.ID == op.ID:
	default:
		return fmt.Errorf("upsert on %q lacks a matching row", op.Table)
	}
	return nil
}

type logEntry struct {
	id    int64
	table string
	rowID string
	op    OpKind
}

// Pending is a changeset read from the change log but not yet acknowledged.
// Through is the highest change_log id it covers.
type Pending struct {
	Data    []byte
	Through int64
}

// Empty reports whether there was nothing to capture.
func (p Pending) Empty() bool {
	return len(p.Data) == 0
}

// CaptureChangeset drains the change log into a changeset. Multiple changes
// to one row collapse into its latest state. Returns nil when nothing changed.
// The read and the log truncation happen in one transaction.
func (s *Store) CaptureChangeset(ctx context.Context) ([]byte, error) {
	ctx = ensureContext(ctx)
	var pending Pending
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		pending, err = buildPending(ctx, tx)
		if err != nil || pending.Empty() {
			return err
		}
		return truncateLog(ctx, tx, pending.Through)
	})
	if err != nil {
		return nil, fmt.Errorf("capture changeset: %w", err)
	}
	if pending.Empty() {
		return nil, nil
	}
	s.logger.Debug("changeset captured", logging.Int("bytes", len(pending.Data)))
	return pending.Data, nil
}

// PendingChangeset captures without truncating the log. Callers that upload
// the result acknowledge it with CommitCapture once the upload is durable, so
// a failed upload loses nothing.
func (s *Store) PendingChangeset(ctx context.Context) (Pending, error) {
	ctx = ensureContext(ctx)
	var pending Pending
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		pending, err = buildPending(ctx, tx)
		return err
	})
	if err != nil {
		return Pending{}, fmt.Errorf("read pending changeset: %w", err)
	}
	return pending, nil
}

// CommitCapture removes change log entries up to and including through.
// Rows changed again after the capture keep their newer entries.
func (s *Store) CommitCapture(ctx context.Context, through int64) error {
	ctx = ensureContext(ctx)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return truncateLog(ctx, tx, through)
	})
}

func truncateLog(ctx context.Context, tx *sql.Tx, through int64) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM change_log WHERE id <= ?", through); err != nil {
		return fmt.Errorf("clear change log: %w", err)
	}
	return nil
}

func buildPending(ctx context.Context, tx *sql.Tx) (Pending, error) {
	entries, err := loadChangeLog(ctx, tx)
	if err != nil || len(entries) == 0 {
		return Pending{}, err
	}
	cs := Changeset{Format: changesetFormat, Ops: make([]Op, 0, len(entries))}
	var through int64
	for _, entry := range entries {
		op, err := captureOp(ctx, tx, entry)
		if err != nil {
			return Pending{}, err
		}
		cs.Ops = append(cs.Ops, op)
		if entry.id > through {
			through = entry.id
		}
	}
	data, err := json.Marshal(cs)
	if err != nil {
		return Pending{}, fmt.Errorf("encode changeset: %w", err)
	}
	return Pending{Data: data, Through: through}, nil
}

// PendingChanges reports how many rows have uncaptured changes.
func (s *Store) PendingChanges(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT COUNT(*) FROM (SELECT DISTINCT table_name, row_id FROM change_log)").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending changes: %w", err)
	}
	return n, nil
}

func loadChangeLog(ctx context.Context, tx *sql.Tx) ([]logEntry, error) {
	rows, err := tx.QueryContext(ctx, `SELECT c.id, c.table_name, c.row_id, c.op
FROM change_log c
JOIN (SELECT table_name, row_id, MAX(id) AS last_id FROM change_log GROUP BY table_name, row_id) latest
  ON c.id = latest.last_id
ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("read change log: %w", err)
	}
	defer rows.Close()
	var entries []logEntry
	for rows.Next() {
		var e logEntry
		if err := rows.Scan(&e.id, &e.table, &e.rowID, &e.op); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func captureOp(ctx context.Context, q querier, entry logEntry) (Op, error) {
	op := Op{Table: entry.table, Kind: entry.op, ID: entry.rowID}
	if entry.op == OpDelete {
		return op, nil
	}
	var (
		found bool
		err   error
	)
	switch entry.table {
	case TableArtists:
		var a Artist
		a, found, err = readArtist(ctx, q, entry.rowID)
		op.Artist = &a
	case TableAlbums:
		var al Album
		al, found, err = readAlbum(ctx, q, entry.rowID)
		op.Album = &al
	case TableTracks:
		var tr Track
		tr, found, err = readTrack(ctx, q, entry.rowID)
		op.Track = &tr
	default:
		return Op{}, fmt.Errorf("change log references unknown table %q", entry.table)
	}
	if err != nil {
		return Op{}, err
	}
	if !found {
		return Op{Table: entry.table, Kind: OpDelete, ID: entry.rowID}, nil
	}
	return op, nil
}

// ApplyChangeset merges a remote changeset. Upserts replace an existing row
// only when the remote row is not older; equal timestamps are won by the
// higher _updated_by device id. Deletes apply unconditionally. origin fills
// _updated_by for rows that lack it. The whole changeset applies atomically
// and is not re-captured into the local change log.
func (s *Store) ApplyChangeset(ctx context.Context, data []byte, origin string) (ApplyStats, error) {
	return s.apply(ctx, data, origin, nil)
}

func (s *Store) apply(ctx context.Context, data []byte, origin string, after func(tx *sql.Tx) error) (ApplyStats, error) {
	ctx = ensureContext(ctx)
	cs, err := DecodeChangeset(data)
	if err != nil {
		return ApplyStats{}, err
	}
	var stats ApplyStats
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		stats = ApplyStats{}
		if _, err := tx.ExecContext(ctx, "UPDATE sync_flags SET applying = 1 WHERE id = 1"); err != nil {
			return fmt.Errorf("set applying flag: %w", err)
		}
		for _, op := range cs.Ops {
			applied, err := applyOp(ctx, tx, op, origin)
			if err != nil {
				return err
			}
			switch {
			case op.Kind == OpDelete:
				stats.Deleted++
			case applied:
				stats.Applied++
			default:
				stats.Skipped++
			}
		}
		if _, err := tx.ExecContext(ctx, "UPDATE sync_flags SET applying = 0 WHERE id = 1"); err != nil {
			return fmt.Errorf("clear applying flag: %w", err)
		}
		if after != nil {
			return after(tx)
		}
		return nil
	})
	if err != nil {
		return ApplyStats{}, fmt.Errorf("apply changeset: %w", err)
	}
	s.logger.Debug("changeset applied",
		logging.String(logging.FieldDeviceID, origin),
		logging.Int("applied", stats.Applied),
		logging.Int("skipped", stats.Skipped),
		logging.Int("deleted", stats.Deleted),
	)
	return stats, nil
}

func applyOp(ctx context.Context, tx *sql.Tx, op Op, origin string) (bool, error) {
	if op.Kind == OpDelete {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+op.Table+" WHERE id = ?", op.ID); err != nil {
			return false, fmt.Errorf("delete %s row: %w", op.Table, err)
		}
		return true, nil
	}
	switch op.Table {
	case TableArtists:
		row := *op.Artist
		fillOrigin(&row.RowMeta, origin)
		local, found, err := readArtist(ctx, tx, row.ID)
		if err != nil {
			return false, err
		}
		if found && !remoteWins(row.RowMeta, local.RowMeta) {
			return false, nil
		}
		return true, writeArtist(ctx, tx, row)
	case TableAlbums:
		row := *op.Album
		fillOrigin(&row.RowMeta, origin)
		local, found, err := readAlbum(ctx, tx, row.ID)
		if err != nil {
			return false, err
		}
		if found && !remoteWins(row.RowMeta, local.RowMeta) {
			return false, nil
		}
		return true, writeAlbum(ctx, tx, row)
	case TableTracks:
		row := *op.Track
		fillOrigin(&row.RowMeta, origin)
		local, found, err := readTrack(ctx, tx, row.ID)
		if err != nil {
			return false, err
		}
		if found && !remoteWins(row.RowMeta, local.RowMeta) {
			return false, nil
		}
		return true, writeTrack(ctx, tx, row)
	}
	return false, fmt.Errorf("unknown table %q", op.Table)
}

func fillOrigin(meta *RowMeta, origin string) {
	if meta.UpdatedBy == "" {
		meta.UpdatedBy = origin
	}
}

func remoteWins(remote, local RowMeta) bool {
	if remote.UpdatedAt != local.UpdatedAt {
		return remote.UpdatedAt > local.UpdatedAt
	}
	return remote.UpdatedBy >= local.UpdatedBy
}
