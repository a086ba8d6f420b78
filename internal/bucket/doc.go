// Package bucket defines the object store contract the sync core depends on
// and the key layout shared by every device.
//
// Backends live in subpackages (memory, leveldb, s3, redis) and the proxy
// package provides an HTTP client adapter; backends.Open picks one from
// configuration. Nothing outside those adapters depends on backend types.
package bucket
