// Package proxy fronts a bucket with an HTTP write gate and provides the
// matching bucket client.
//
// Every request carries an EdDSA bearer token signed by the caller's device
// identity and bound to the method, object key and body digest. The server
// loads the membership chain once at startup (and again after each accepted
// membership write) and gates writes on it: with no chain any validly signed
// write passes, a valid chain admits only current members, and an invalid
// chain refuses every write with 503. Reads only need a valid token since
// bucket objects are encrypted or signed on their own.
package proxy
