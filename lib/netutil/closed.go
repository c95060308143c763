// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies connection teardown errors.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. A browser tearing down its broker session mid-traffic
// surfaces as any of these depending on what was queued at the time.
//
// A Unix datagram peer that closes with data still in our send queue
// produces ECONNRESET rather than EOF, and writing a reply to a peer
// that just vanished produces EPIPE. All four are ordinary
// disconnects and should not be logged as errors.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
