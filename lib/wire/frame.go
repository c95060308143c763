// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "github.com/nmproxy-project/nmproxy/lib/codec"

// ServiceName is the well-known name of the broker service. It names
// the default socket file and prefixes the stable error identifiers.
const ServiceName = "org.freedesktop.NativeMessagingProxy"

// ObjectPath is the root object path of the broker. Host handles are
// formed by appending a decimal identifier to this path.
const ObjectPath = "/org/freedesktop/nativemessagingproxy"

// ProtocolVersion is the version negotiated during the hello
// handshake. The broker rejects hello calls carrying any other value.
const ProtocolVersion = 1

// MaxFrameSize is the largest datagram either side will send or
// accept. Manifests are small JSON files and every other payload is
// smaller still; the cap bounds the read buffer and rejects
// misbehaving peers before allocation.
const MaxFrameSize = 128 * 1024

// Frame type discriminators.
const (
	// FrameCall is a client-to-broker method invocation. Carries
	// Method, Serial, and an optional Body.
	FrameCall = "call"

	// FrameReply is the successful response to a call. Echoes the
	// call's Serial and carries an optional Body.
	FrameReply = "reply"

	// FrameError is the failure response to a call. Echoes the call's
	// Serial and carries Error (a stable dotted name) and Message.
	FrameError = "error"

	// FrameSignal is an unsolicited broker-to-client notification.
	// Carries Method (the signal name) and a Body, but no Serial.
	FrameSignal = "signal"
)

// Method names accepted by the broker.
const (
	// MethodHello establishes the session. Must be the first call on
	// a connection; every other method fails with InvalidArgument
	// until it succeeds.
	MethodHello = "hello"

	// MethodGetManifest resolves a host manifest and returns its raw
	// bytes.
	MethodGetManifest = "get-manifest"

	// MethodStart resolves a manifest, spawns the host process, and
	// returns a handle plus the three stdio descriptors as SCM_RIGHTS
	// ancillary data on the reply datagram.
	MethodStart = "start"

	// MethodClose terminates a running host by handle.
	MethodClose = "close"

	// MethodStatus reports broker build information and the set of
	// running hosts.
	MethodStatus = "status"
)

// SignalClosed is emitted to the session that started a host once
// that host has fully terminated. The body is a [ClosedSignal].
const SignalClosed = "closed"

// Frame is the unit of transmission on the broker socket. Exactly one
// Frame travels per SOCK_SEQPACKET datagram.
type Frame struct {
	// Type is one of FrameCall, FrameReply, FrameError, FrameSignal.
	Type string `cbor:"type"`

	// Serial correlates replies and errors with the call they answer.
	// The client assigns serials starting at 1 and incrementing per
	// call; the broker echoes the value verbatim. Signal frames omit
	// it.
	Serial uint64 `cbor:"serial,omitempty"`

	// Method is the method name on call frames and the signal name on
	// signal frames. Empty on replies and errors.
	Method string `cbor:"method,omitempty"`

	// Error is the stable dotted error name on error frames, e.g.
	// "org.freedesktop.NativeMessagingProxy.Error.NotFound". Empty on
	// all other frame types.
	Error string `cbor:"error,omitempty"`

	// Message is the human-readable error detail on error frames.
	Message string `cbor:"message,omitempty"`

	// Body is the CBOR-encoded payload. Which payload type applies is
	// determined by Type and Method: a "start" call carries a
	// [StartCall], its reply a [StartReply], a "closed" signal a
	// [ClosedSignal], and so on. Omitted when a message has no
	// payload.
	Body codec.RawMessage `cbor:"body,omitempty"`
}
