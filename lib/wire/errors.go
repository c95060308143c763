// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
)

// Stable error names carried in error frames. Clients match on the
// name, never on the message text.
const (
	// ErrNameInvalidArgument covers malformed requests: a host name
	// that fails validation, an unknown method, a call before hello,
	// or a handle that does not parse.
	ErrNameInvalidArgument = ServiceName + ".Error.InvalidArgument"

	// ErrNameNotFound means no search path directory yielded a valid
	// manifest for the requested host name.
	ErrNameNotFound = ServiceName + ".Error.NotFound"

	// ErrNameSpawnFailure means a manifest resolved but the host
	// process could not be started.
	ErrNameSpawnFailure = ServiceName + ".Error.SpawnFailure"

	// ErrNameInternal covers everything else. A client retrying an
	// Internal error is allowed but unlikely to fare better.
	ErrNameInternal = ServiceName + ".Error.Internal"
)

// Error is a protocol-level error with a stable dotted name. The
// broker converts dispatch failures into an Error before writing the
// error frame; the client library reconstructs one from each error
// frame it receives. Callers can use errors.As to extract the name:
//
//	var wireErr *wire.Error
//	if errors.As(err, &wireErr) {
//	    if wireErr.Name == wire.ErrNameNotFound { ... }
//	}
type Error struct {
	// Name is one of the ErrName constants.
	Name string

	// Message is the human-readable detail.
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// InvalidArgument builds an ErrNameInvalidArgument error.
func InvalidArgument(format string, args ...any) *Error {
	return &Error{Name: ErrNameInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds an ErrNameNotFound error.
func NotFound(format string, args ...any) *Error {
	return &Error{Name: ErrNameNotFound, Message: fmt.Sprintf(format, args...)}
}

// SpawnFailure builds an ErrNameSpawnFailure error.
func SpawnFailure(format string, args ...any) *Error {
	return &Error{Name: ErrNameSpawnFailure, Message: fmt.Sprintf(format, args...)}
}

// Internal builds an ErrNameInternal error.
func Internal(format string, args ...any) *Error {
	return &Error{Name: ErrNameInternal, Message: fmt.Sprintf(format, args...)}
}

// IsWireError checks whether err is a *Error with the given name.
func IsWireError(err error, name string) bool {
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr.Name == name
	}
	return false
}
