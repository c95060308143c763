// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration for
// the nmproxy bus protocol.
//
// nmproxy uses two serialization formats with a clear boundary:
//
//   - JSON for external contracts: native messaging host manifests
//     (whose format is fixed by the browser ecosystems) and CLI
//     --json output.
//   - CBOR for the bus protocol: every frame exchanged between the
//     broker and its peers, including method bodies, signal bodies,
//     and error payloads.
//
// This package provides the shared CBOR encoding and decoding modes so
// that both ends of the bus encode identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations (frame bodies):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Protocol types use `cbor` struct tags throughout; nothing in the bus
// protocol is ever serialized as JSON.
package codec
