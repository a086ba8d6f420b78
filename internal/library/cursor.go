package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const localSeqKey = "local_seq"

const upsertAppliedSQL = `INSERT INTO applied_seqs (device_id, seq, applied_at) VALUES (?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET seq = MAX(seq, excluded.seq), applied_at = excluded.applied_at`

// Quarantined is a remote changeset held back by the schema gate.
type Quarantined struct {
	DeviceID      string `json:"device_id"`
	Seq           uint64 `json:"seq"`
	SchemaVersion uint32 `json:"schema_version"`
	Reason        string `json:"reason"`
	At            int64  `json:"quarantined_at"`
}

// LocalSeq returns the last sequence this device pushed successfully.
func (s *Store) LocalSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ensureContext(ctx), "SELECT value FROM sync_state WHERE key = ?", localSeqKey).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read local seq: %w", err)
	}
	return seq, nil
}

// SetLocalSeq records a pushed sequence. The counter never moves backwards.
func (s *Store) SetLocalSeq(ctx context.Context, seq uint64) error {
	err := s.execWithRetry(ctx, `INSERT INTO sync_state (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)`, localSeqKey, seq)
	if err != nil {
		return fmt.Errorf("set local seq: %w", err)
	}
	return nil
}

// AppliedSeq returns the last sequence applied from deviceID.
func (s *Store) AppliedSeq(ctx context.Context, deviceID string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ensureContext(ctx), "SELECT seq FROM applied_seqs WHERE device_id = ?", deviceID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read applied seq: %w", err)
	}
	return seq, nil
}

// AppliedSeqs returns the applied cursor for every known device.
func (s *Store) AppliedSeqs(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), "SELECT device_id, seq FROM applied_seqs")
	if err != nil {
		return nil, fmt.Errorf("list applied seqs: %w", err)
	}
	defer rows.Close()
	out := make(map[string]uint64)
	for rows.Next() {
		var (
			device string
			seq    uint64
		)
		if err := rows.Scan(&device, &seq); err != nil {
			return nil, fmt.Errorf("scan applied seq: %w", err)
		}
		out[device] = seq
	}
	return out, rows.Err()
}

// SetAppliedSeq advances the applied cursor for deviceID.
func (s *Store) SetAppliedSeq(ctx context.Context, deviceID string, seq uint64) error {
	err := s.execWithRetry(ctx, upsertAppliedSQL,
		deviceID, seq, s.nowMillis())
	if err != nil {
		return fmt.Errorf("set applied seq: %w", err)
	}
	return nil
}

// ApplyRemote applies a pulled changeset and advances the device cursor in
// the same transaction, so a crash cannot apply a changeset twice or skip it.
func (s *Store) ApplyRemote(ctx context.Context, deviceID string, seq uint64, data []byte) (ApplyStats, error) {
	return s.apply(ctx, data, deviceID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ensureContext(ctx), upsertAppliedSQL,
			deviceID, seq, s.nowMillis())
		if err != nil {
			return fmt.Errorf("advance applied seq: %w", err)
		}
		return nil
	})
}

// Quarantine records a changeset that was not applied.
func (s *Store) Quarantine(ctx context.Context, q Quarantined) error {
	if q.At == 0 {
		q.At = s.nowMillis()
	}
	err := s.execWithRetry(ctx, `INSERT INTO quarantine (device_id, seq, schema_version, reason, quarantined_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(device_id, seq) DO UPDATE SET schema_version = excluded.schema_version, reason = excluded.reason,
    quarantined_at = excluded.quarantined_at`,
		q.DeviceID, q.Seq, q.SchemaVersion, q.Reason, q.At)
	if err != nil {
		return fmt.Errorf("quarantine changeset: %w", err)
	}
	return nil
}

// ListQuarantined returns quarantined changesets ordered by device and seq.
func (s *Store) ListQuarantined(ctx context.Context) ([]Quarantined, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT device_id, seq, schema_version, reason, quarantined_at FROM quarantine ORDER BY device_id, seq")
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()
	var out []Quarantined
	for rows.Next() {
		var q Quarantined
		if err := rows.Scan(&q.DeviceID, &q.Seq, &q.SchemaVersion, &q.Reason, &q.At); err != nil {
			return nil, fmt.Errorf("scan quarantine: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ReleaseQuarantine forgets quarantined entries for deviceID up to seq.
func (s *Store) ReleaseQuarantine(ctx context.Context, deviceID string, seq uint64) error {
	if err := s.execWithRetry(ctx, "DELETE FROM quarantine WHERE device_id = ? AND seq <= ?", deviceID, seq); err != nil {
		return fmt.Errorf("release quarantine: %w", err)
	}
	return nil
}
