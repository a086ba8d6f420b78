// Package config loads, normalizes, and validates crate configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks for bucket
// credentials such as CRATE_S3_ACCESS_KEY and CRATE_REDIS_URL. The Config
// type centralizes every knob the CLI and the write-proxy daemon need, so the
// library database, identity file, and bucket backend are discovered in one
// pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, a known bucket backend, and clear validation errors.
package config
