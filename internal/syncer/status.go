package syncer

import (
	"context"
	"time"

	"crate/internal/library"
)

// DeviceStatus compares one device head with the local applied cursor.
type DeviceStatus struct {
	DeviceID    string     `json:"device_id"`
	HeadSeq     uint64     `json:"head_seq"`
	AppliedSeq  uint64     `json:"applied_seq"`
	Behind      uint64     `json:"behind"`
	SnapshotSeq *uint64    `json:"snapshot_seq,omitempty"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
	Local       bool       `json:"local"`
}

// Status is a point-in-time view of this device's sync position.
type Status struct {
	DeviceID         string                `json:"device_id"`
	LocalSeq         uint64                `json:"local_seq"`
	PendingChanges   int                   `json:"pending_changes"`
	SchemaVersion    uint32                `json:"schema_version"`
	MinSchemaVersion uint32                `json:"min_schema_version"`
	Devices          []DeviceStatus        `json:"devices"`
	Quarantined      []library.Quarantined `json:"quarantined,omitempty"`
}

// Status reads heads, local cursors and quarantined changesets.
func (s *Syncer) Status(ctx context.Context) (Status, error) {
	st := Status{DeviceID: s.rep.DeviceID(), SchemaVersion: library.SchemaVersion}
	var err error
	if st.LocalSeq, err = s.store.LocalSeq(ctx); err != nil {
		return Status{}, err
	}
	if st.PendingChanges, err = s.store.PendingChanges(ctx); err != nil {
		return Status{}, err
	}
	if st.MinSchemaVersion, err = s.rep.GetMinSchemaVersion(ctx); err != nil {
		return Status{}, err
	}
	applied, err := s.store.AppliedSeqs(ctx)
	if err != nil {
		return Status{}, err
	}
	heads, err := s.rep.Heads(ctx)
	if err != nil {
		return Status{}, err
	}
	for _, head := range heads {
		ds := DeviceStatus{
			DeviceID:    head.DeviceID,
			HeadSeq:     head.Seq,
			SnapshotSeq: head.SnapshotSeq,
			LastSync:    head.LastSync,
			Local:       head.DeviceID == st.DeviceID,
		}
		if ds.Local {
			ds.AppliedSeq = st.LocalSeq
		} else {
			ds.AppliedSeq = applied[head.DeviceID]
		}
		if ds.HeadSeq > ds.AppliedSeq {
			ds.Behind = ds.HeadSeq - ds.AppliedSeq
		}
		st.Devices = append(st.Devices, ds)
	}
	if st.Quarantined, err = s.store.ListQuarantined(ctx); err != nil {
		return Status{}, err
	}
	return st, nil
}
