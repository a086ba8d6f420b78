package testsupport

import (
	"testing"
	"time"

	"crate/internal/config"
	"crate/internal/cryptobox"
	"crate/internal/library"
)

// MustOpenLibrary opens the library database for cfg and registers cleanup.
func MustOpenLibrary(t testing.TB, cfg *config.Config, opts ...library.Option) *library.Store {
	t.Helper()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	store, err := library.Open(cfg.LibraryDBPath(), cfg.Library.DeviceID, opts...)
	if err != nil {
		t.Fatalf("open library: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// NewIdentity generates a fresh signing identity.
func NewIdentity(t testing.TB) *cryptobox.Identity {
	t.Helper()
	id, err := cryptobox.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

// NewLibraryKey generates a fresh symmetric library key.
func NewLibraryKey(t testing.TB) []byte {
	t.Helper()
	key, err := cryptobox.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// Clock is a manually advanced time source for deterministic timestamps.
type Clock struct {
	now time.Time
}

// NewClock starts a clock at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
