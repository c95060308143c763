// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package fdpass

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nmproxy-project/nmproxy/lib/codec"
	"github.com/nmproxy-project/nmproxy/lib/wire"
)

// MaxFrameFds is the most descriptors a single frame may carry. The
// protocol only ever attaches three (the host's stdio), so anything
// larger is a protocol violation.
const MaxFrameFds = 8

// oobSpace is sized for MaxFrameFds descriptors plus cmsg headers.
var oobSpace = unix.CmsgSpace(MaxFrameFds * 4)

// Conn is one SOCK_SEQPACKET connection speaking the broker's frame
// protocol. Conn methods are not safe for concurrent use on the same
// direction; the broker serializes writes with a mutex and reads from
// a single goroutine per connection.
type Conn struct {
	unixConn *net.UnixConn
	readBuf  []byte
	oobBuf   []byte
}

func newConn(unixConn *net.UnixConn) *Conn {
	return &Conn{
		unixConn: unixConn,
		readBuf:  make([]byte, wire.MaxFrameSize),
		oobBuf:   make([]byte, oobSpace),
	}
}

// Dial connects to the broker socket at path.
func Dial(path string) (*Conn, error) {
	address := &net.UnixAddr{Name: path, Net: "unixpacket"}
	unixConn, err := net.DialUnix("unixpacket", nil, address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", path, err)
	}
	return newConn(unixConn), nil
}

// WriteFrame encodes frame and sends it as a single datagram, with
// fds attached as SCM_RIGHTS ancillary data. The caller retains
// ownership of fds and should close its copies once WriteFrame
// returns; the kernel has already duplicated them into the datagram.
func (c *Conn) WriteFrame(frame *wire.Frame, fds []int) error {
	if len(fds) > MaxFrameFds {
		return fmt.Errorf("frame carries %d descriptors, limit %d", len(fds), MaxFrameFds)
	}
	data, err := codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(data) > wire.MaxFrameSize {
		return fmt.Errorf("frame is %d bytes, limit %d", len(data), wire.MaxFrameSize)
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	if _, _, err := c.unixConn.WriteMsgUnix(data, oob, nil); err != nil {
		return fmt.Errorf("sending frame: %w", err)
	}
	return nil
}

// ReadFrame receives one datagram and decodes it into a frame. Any
// SCM_RIGHTS descriptors attached to the datagram are returned
// alongside; the caller owns them and must close the ones it does not
// keep. Returns io.EOF once the peer has closed the connection.
func (c *Conn) ReadFrame() (*wire.Frame, []int, error) {
	n, oobn, flags, _, err := c.unixConn.ReadMsgUnix(c.readBuf, c.oobBuf)
	if err != nil {
		return nil, nil, err
	}

	fds, err := parseRights(c.oobBuf[:oobn])
	if err != nil {
		return nil, nil, err
	}

	if flags&unix.MSG_TRUNC != 0 {
		CloseAll(fds)
		return nil, nil, fmt.Errorf("frame exceeds %d bytes", wire.MaxFrameSize)
	}
	if flags&unix.MSG_CTRUNC != 0 {
		CloseAll(fds)
		return nil, nil, fmt.Errorf("frame ancillary data exceeds %d descriptors", MaxFrameFds)
	}

	frame := &wire.Frame{}
	if err := codec.Unmarshal(c.readBuf[:n], frame); err != nil {
		CloseAll(fds)
		return nil, nil, fmt.Errorf("decoding %d-byte frame: %w", n, err)
	}
	return frame, fds, nil
}

// parseRights extracts every SCM_RIGHTS descriptor from the raw
// ancillary data. On a parse failure any descriptors already
// extracted are closed before returning, so a malformed datagram
// cannot leak them.
func parseRights(oob []byte) (fds []int, err error) {
	defer func() {
		if err != nil {
			CloseAll(fds)
			fds = nil
		}
	}()
	if len(oob) == 0 {
		return nil, nil
	}
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing ancillary data: %w", err)
	}
	for _, message := range messages {
		if message.Header.Level != unix.SOL_SOCKET || message.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		parsed, err := unix.ParseUnixRights(&message)
		if err != nil {
			return fds, fmt.Errorf("parsing descriptor rights: %w", err)
		}
		fds = append(fds, parsed...)
	}
	return fds, nil
}

// CloseAll closes every descriptor in fds, ignoring errors. Receivers
// use it to discard descriptors that arrived on a frame they did not
// expect to carry any.
func CloseAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// Close closes the underlying connection. Safe to call from a
// goroutine other than the reader; a blocked ReadFrame returns
// net.ErrClosed.
func (c *Conn) Close() error {
	return c.unixConn.Close()
}

// SetReadDeadline bounds future ReadFrame calls.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.unixConn.SetReadDeadline(t)
}

// SetWriteDeadline bounds future WriteFrame calls.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.unixConn.SetWriteDeadline(t)
}

// LocalAddr returns the local address of the connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.unixConn.LocalAddr()
}

// RemoteAddr returns the remote address of the connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.unixConn.RemoteAddr()
}

// Listener accepts frame protocol connections.
type Listener struct {
	unixListener *net.UnixListener
}

// Listen creates a SOCK_SEQPACKET listener on path. The caller is
// responsible for directory creation, stale socket removal, and
// permissions; this function only binds.
func Listen(path string) (*Listener, error) {
	address := &net.UnixAddr{Name: path, Net: "unixpacket"}
	unixListener, err := net.ListenUnix("unixpacket", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return &Listener{unixListener: unixListener}, nil
}

// Accept waits for the next connection. Returns net.ErrClosed after
// Close.
func (l *Listener) Accept() (*Conn, error) {
	unixConn, err := l.unixListener.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return newConn(unixConn), nil
}

// Close closes the listener and removes the socket file.
func (l *Listener) Close() error {
	return l.unixListener.Close()
}

// Addr returns the listener's address.
func (l *Listener) Addr() net.Addr {
	return l.unixListener.Addr()
}
