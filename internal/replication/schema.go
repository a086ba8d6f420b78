package replication

import (
	"context"
	"encoding/json"
	"fmt"

	"crate/internal/bucket"
	"crate/internal/library"
	"crate/internal/logging"
	"crate/internal/syncerr"
)

type schemaMarker struct {
	MinSchemaVersion uint32 `json:"min_schema_version"`
}

// GetMinSchemaVersion returns the bucket's minimum schema version, or zero
// when no marker is stored.
func (r *Replicator) GetMinSchemaVersion(ctx context.Context) (uint32, error) {
	blob, err := r.bucket.Get(ctx, bucket.MinSchemaKey)
	if bucket.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	plain, err := r.cipher.Decrypt(blob)
	if err != nil {
		return 0, err
	}
	var marker schemaMarker
	if err := json.Unmarshal(plain, &marker); err != nil {
		return 0, syncerr.Wrap(syncerr.ErrProtocol, "replication", "get min schema", "decode marker", err)
	}
	return marker.MinSchemaVersion, nil
}

// SetMinSchemaVersion raises or lowers the bucket minimum. A device cannot
// set a minimum newer than the schema it writes itself.
func (r *Replicator) SetMinSchemaVersion(ctx context.Context, version uint32) error {
	if version > library.SchemaVersion {
		return syncerr.Wrap(syncerr.ErrConfiguration, "replication", "set min schema",
			fmt.Sprintf("version %d exceeds local schema %d", version, library.SchemaVersion), nil)
	}
	plain, err := json.Marshal(schemaMarker{MinSchemaVersion: version})
	if err != nil {
		return fmt.Errorf("encode schema marker: %w", err)
	}
	blob, err := r.cipher.Encrypt(plain)
	if err != nil {
		return err
	}
	if err := r.bucket.Put(ctx, bucket.MinSchemaKey, blob); err != nil {
		return err
	}
	r.logger.Info("minimum schema version set",
		logging.String(logging.FieldEventType, "schema_gate_updated"),
		logging.Int("min_schema_version", int(version)),
	)
	return nil
}
