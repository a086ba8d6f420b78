// Package logging assembles structured slog loggers and formatting helpers used
// across crate.
//
// It owns the console/JSON handlers, routes file output through a rotating
// writer, and exposes context-aware helpers so sync code can automatically tag
// log lines with library, device, and correlation identifiers. The package
// also provides a no-op logger for tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so new components emit
// data with the same shape as the rest of the system.
package logging
