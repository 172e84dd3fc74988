// Package wire owns the datagram message model and its fixed-size codec.
//
// Ownership boundary:
// - Addr/Message value types
// - binary encode/decode primitives
// - wire-level limits and sentinel errors
package wire
