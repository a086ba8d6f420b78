package bucket

import (
	"context"
	"errors"

	"crate/internal/syncerr"
)

// Bucket is a passive key/value blob store with prefix listing.
type Bucket interface {
	// Get returns the object stored at key or an error wrapping
	// syncerr.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every key starting with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ConditionalPutter is implemented by backends that can write an object only
// when nothing is stored at its key yet.
type ConditionalPutter interface {
	// PutIfAbsent stores data and reports true, or reports false without
	// writing when key already exists.
	PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error)
}

// NotFound builds the error adapters return for a missing key.
func NotFound(component, key string) error {
	return syncerr.Wrap(syncerr.ErrNotFound, component, "get", key, nil)
}

// IsNotFound reports whether err describes a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, syncerr.ErrNotFound)
}

// Transport wraps a backend I/O failure as a retryable transport error.
func Transport(component, operation, key string, err error) error {
	if err == nil {
		return nil
	}
	return syncerr.Wrap(syncerr.ErrTransport, component, operation, key, err)
}

// PutIfAbsent writes data at key only when the key is free. Backends without
// native support fall back to a read-before-write check, which is safe as
// long as a single writer owns the key namespace.
func PutIfAbsent(ctx context.Context, b Bucket, key string, data []byte) (bool, error) {
	if cp, ok := b.(ConditionalPutter); ok {
		return cp.PutIfAbsent(ctx, key, data)
	}
	_, err := b.Get(ctx, key)
	switch {
	case err == nil:
		return false, nil
	case !IsNotFound(err):
		return false, err
	}
	if err := b.Put(ctx, key, data); err != nil {
		return false, err
	}
	return true, nil
}
