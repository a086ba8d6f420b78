// Package reqctx stamps library, device and correlation identifiers onto a
// context so log lines emitted deep in the sync stack carry them.
package reqctx

import "context"

type contextKey string

const (
	libraryIDKey contextKey = "library_id"
	deviceIDKey  contextKey = "device_id"
	operationKey contextKey = "operation"
	requestIDKey contextKey = "request_id"
)

// WithLibraryID annotates context with the shared library identifier.
func WithLibraryID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, libraryIDKey, id)
}

// LibraryIDFromContext returns the library identifier if present.
func LibraryIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(libraryIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithDeviceID annotates context with the local device identifier.
func WithDeviceID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, deviceIDKey, id)
}

// DeviceIDFromContext returns the device identifier if present.
func DeviceIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(deviceIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithOperation annotates context with the sync operation name (push, pull, invite).
func WithOperation(ctx context.Context, op string) context.Context {
	if op == "" {
		return ctx
	}
	return context.WithValue(ctx, operationKey, op)
}

// OperationFromContext returns the operation name if present.
func OperationFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(operationKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
