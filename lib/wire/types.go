// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// HelloCall is the body of the session-establishing "hello" call.
type HelloCall struct {
	// Version is the protocol version the client speaks. The broker
	// rejects the call with InvalidArgument when it differs from
	// ProtocolVersion, so a client from a future incompatible release
	// fails fast instead of misparsing frames.
	Version uint32 `cbor:"version"`
}

// HelloReply is the body of the reply to a "hello" call.
type HelloReply struct {
	// Peer is the unique name assigned to this connection, in the
	// form ":1.N". All sessions authenticated as the same peer
	// identity share one lifetime: hosts started on any of them are
	// terminated when the identity fully disconnects.
	Peer string `cbor:"peer"`

	// Version is the protocol version the broker speaks.
	Version uint32 `cbor:"version"`
}

// GetManifestCall is the body of a "get-manifest" call.
type GetManifestCall struct {
	// Name is the native messaging host name to resolve, e.g.
	// "com.example.helper". Validated against the host name grammar
	// before any filesystem access.
	Name string `cbor:"name"`

	// Mode selects the manifest search path list: "chromium" uses the
	// Chromium locations, anything else uses the Mozilla locations.
	Mode string `cbor:"mode,omitempty"`
}

// GetManifestReply is the body of the reply to a "get-manifest" call.
type GetManifestReply struct {
	// Manifest is the raw bytes of the manifest file exactly as read
	// from disk. Returning the file verbatim rather than a re-encoded
	// parse preserves fields this broker does not know about.
	Manifest []byte `cbor:"manifest"`
}

// StartCall is the body of a "start" call.
type StartCall struct {
	// Name is the native messaging host name to resolve and launch.
	Name string `cbor:"name"`

	// Extension is the origin passed to the host process so it can
	// verify the caller: a chrome-extension:// URL for chromium mode,
	// an extension ID for mozilla mode.
	Extension string `cbor:"extension"`

	// Mode selects the search path list and the host argv convention:
	// "chromium" invokes the host as [path, origin], anything else as
	// [path, manifestPath, origin].
	Mode string `cbor:"mode,omitempty"`
}

// StartReply is the body of the reply to a "start" call. The reply
// datagram carries three file descriptors as SCM_RIGHTS ancillary
// data, in order: the write end of the host's stdin, the read end of
// its stdout, and the read end of its stderr.
type StartReply struct {
	// Handle identifies the running host for "close" calls and the
	// "closed" signal. Formed from ObjectPath plus a random decimal
	// identifier.
	Handle string `cbor:"handle"`
}

// CloseCall is the body of a "close" call.
type CloseCall struct {
	// Handle is the value returned by the "start" reply. Closing a
	// handle that is unknown or already closed succeeds without
	// effect: by the time a close races a natural exit there is
	// nothing left to distinguish. Every peer on the socket belongs
	// to the same user, so ownership is not checked.
	Handle string `cbor:"handle"`
}

// ClosedSignal is the body of the "closed" signal, sent to the
// session that started the host once the host process has fully
// terminated and its handle is released.
type ClosedSignal struct {
	// Handle is the handle from the "start" reply.
	Handle string `cbor:"handle"`

	// Options describes how the host terminated. Exactly one of the
	// keys "exit-status" (the wait status exit code) or "signal" (the
	// terminating signal number) is present. Use [ExitStatus] and
	// [Signal] to read them without caring about CBOR integer widths.
	Options map[string]any `cbor:"options,omitempty"`
}

// Option keys used in ClosedSignal.Options.
const (
	// OptionExitStatus carries the exit code of a host that exited on
	// its own, including nonzero codes. A nonzero code is not an
	// error: the broker merely reports it.
	OptionExitStatus = "exit-status"

	// OptionSignal carries the signal number that terminated the
	// host, including the SIGKILL delivered by the broker itself on
	// close or disconnect.
	OptionSignal = "signal"
)

// ExitStatus returns the exit-status option if present. CBOR decodes
// unsigned integers into uint64 and negative ones into int64, so the
// accessor normalizes both.
func (s *ClosedSignal) ExitStatus() (int, bool) {
	return optionInt(s.Options, OptionExitStatus)
}

// Signal returns the signal option if present.
func (s *ClosedSignal) Signal() (int, bool) {
	return optionInt(s.Options, OptionSignal)
}

func optionInt(options map[string]any, key string) (int, bool) {
	switch value := options[key].(type) {
	case uint64:
		return int(value), true
	case int64:
		return int(value), true
	case int:
		return value, true
	}
	return 0, false
}

// ExitStatusOptions builds the Options map for a host that exited on
// its own. int64 rather than uint64 so the -1 convention for an
// unclassifiable wait result survives encoding.
func ExitStatusOptions(code int) map[string]any {
	return map[string]any{OptionExitStatus: int64(code)}
}

// SignalOptions builds the Options map for a host terminated by a
// signal.
func SignalOptions(signal int) map[string]any {
	return map[string]any{OptionSignal: int64(signal)}
}

// StatusReply is the body of the reply to a "status" call. The call
// itself has no body.
type StatusReply struct {
	// Version is the broker's build version string.
	Version string `cbor:"version"`

	// Socket is the filesystem path the broker is listening on.
	Socket string `cbor:"socket"`

	// StartedAt is the broker start time in Unix seconds.
	StartedAt int64 `cbor:"started_at"`

	// Peers is the number of peer identities with at least one live
	// session.
	Peers int `cbor:"peers"`

	// Hosts lists the currently running host processes.
	Hosts []HostStatus `cbor:"hosts,omitempty"`
}

// HostStatus describes one running host in a StatusReply.
type HostStatus struct {
	// Handle is the host's handle as returned by "start".
	Handle string `cbor:"handle"`

	// Name is the native messaging host name the manifest resolved.
	Name string `cbor:"name"`

	// Extension is the origin the host was started for.
	Extension string `cbor:"extension"`

	// Mode is the browser mode the host was started in.
	Mode string `cbor:"mode"`

	// PID is the host's process ID.
	PID int `cbor:"pid"`

	// Peer is the unique name of the peer identity that started the
	// host.
	Peer string `cbor:"peer"`

	// StartedAt is the host start time in Unix seconds.
	StartedAt int64 `cbor:"started_at"`
}
