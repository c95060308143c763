// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the CBOR-encoded frame and payload types for
// the broker's Unix socket protocol. The broker (broker package), the
// client library (lib/client), and the CLI all import this package so
// the wire types are defined once rather than mirrored.
//
// The protocol runs over a SOCK_SEQPACKET Unix socket: each datagram
// carries exactly one CBOR-encoded [Frame], and file descriptors ride
// as SCM_RIGHTS ancillary data on the datagram of the frame that owns
// them. Message boundaries come from the socket type, so frames need
// no length prefix, and a descriptor can never be attributed to the
// wrong frame.
//
// Four frame types exist: "call" (client to broker, carries a method
// name and a serial), "reply" and "error" (broker to client, echo the
// call's serial), and "signal" (broker to client, unsolicited, no
// serial). A session starts with a "hello" call that checks the
// protocol version and assigns the peer its unique name.
package wire
