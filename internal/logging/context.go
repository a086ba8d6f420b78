package logging

import (
	"context"
	"log/slog"

	"crate/internal/reqctx"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldEventType classifies a log line for filtering (e.g. push_completed).
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to do next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldLibraryID is the standardized key for the shared library identifier.
	FieldLibraryID = "library_id"
	// FieldDeviceID is the standardized key for device identifiers.
	FieldDeviceID = "device_id"
	// FieldOperation is the standardized key for sync operation names.
	FieldOperation = "operation"
	// FieldCorrelationID is the standardized key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldSeq is the standardized key for changeset sequence numbers.
	FieldSeq = "seq"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := reqctx.LibraryIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldLibraryID, id))
	}
	if id, ok := reqctx.DeviceIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldDeviceID, id))
	}
	if op, ok := reqctx.OperationFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldOperation, op))
	}
	if rid, ok := reqctx.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
