// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmproxy-project/nmproxy/lib/codec"
	"github.com/nmproxy-project/nmproxy/lib/fdpass"
	"github.com/nmproxy-project/nmproxy/lib/wire"
)

const (
	// helloTimeout bounds the synchronous handshake in Dial.
	helloTimeout = 10 * time.Second

	// writeTimeout bounds each call frame write. Frames are single
	// datagrams, so a write that does not complete promptly means the
	// broker is gone, not slow.
	writeTimeout = 10 * time.Second

	// closedBuffer is the capacity of the ClosedSignals channel.
	closedBuffer = 16
)

// Client is a connection to the broker. Peer and conn are set by Dial
// and never change; mu guards the pending map. readErr is written
// once by the read loop before readDone closes.
type Client struct {
	conn *fdpass.Conn
	peer string

	writeMu sync.Mutex
	serial  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan pendingReply

	closed   chan *wire.ClosedSignal
	readDone chan struct{}
	readErr  error

	closeOnce sync.Once
}

// pendingReply is one routed reply or error frame, with any
// descriptors that arrived on its datagram.
type pendingReply struct {
	frame *wire.Frame
	fds   []int
}

// Dial connects to the broker socket and performs the hello
// handshake. The returned Client is ready for concurrent calls.
func Dial(socketPath string) (*Client, error) {
	conn, err := fdpass.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing broker at %s: %w", socketPath, err)
	}

	client := &Client{
		conn:     conn,
		pending:  make(map[uint64]chan pendingReply),
		closed:   make(chan *wire.ClosedSignal, closedBuffer),
		readDone: make(chan struct{}),
	}
	if err := client.hello(); err != nil {
		conn.Close()
		return nil, err
	}
	go client.readLoop()
	return client, nil
}

// hello runs synchronously before the read loop starts: the broker
// answers hello inline, so its reply is the first frame on the
// connection and no demultiplexing is needed yet.
func (c *Client) hello() error {
	serial := c.serial.Add(1)
	body, err := codec.Marshal(&wire.HelloCall{Version: wire.ProtocolVersion})
	if err != nil {
		return fmt.Errorf("hello: encoding call: %w", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(helloTimeout))
	frame := &wire.Frame{Type: wire.FrameCall, Serial: serial, Method: wire.MethodHello, Body: body}
	if err := c.conn.WriteFrame(frame, nil); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	reply, fds, err := c.conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	fdpass.CloseAll(fds)
	c.conn.SetReadDeadline(time.Time{})

	if reply.Type == wire.FrameError {
		return fmt.Errorf("hello: %w", &wire.Error{Name: reply.Error, Message: reply.Message})
	}
	if reply.Type != wire.FrameReply || reply.Serial != serial {
		return fmt.Errorf("hello: unexpected %s frame", reply.Type)
	}
	var decoded wire.HelloReply
	if err := codec.Unmarshal(reply.Body, &decoded); err != nil {
		return fmt.Errorf("hello: decoding reply: %w", err)
	}
	c.peer = decoded.Peer
	return nil
}

// Peer returns the unique name the broker assigned to this
// connection, in the form ":1.N".
func (c *Client) Peer() string {
	return c.peer
}

// GetManifest resolves a host manifest and returns its raw bytes
// exactly as the broker read them from disk.
func (c *Client) GetManifest(ctx context.Context, name, mode string) ([]byte, error) {
	frame, fds, err := c.call(ctx, wire.MethodGetManifest, &wire.GetManifestCall{Name: name, Mode: mode})
	if err != nil {
		return nil, fmt.Errorf("get-manifest %q: %w", name, err)
	}
	fdpass.CloseAll(fds)

	var reply wire.GetManifestReply
	if err := codec.Unmarshal(frame.Body, &reply); err != nil {
		return nil, fmt.Errorf("get-manifest %q: decoding reply: %w", name, err)
	}
	return reply.Manifest, nil
}

// StartedHost is a running native messaging host as seen by the
// client: the handle plus the three stdio descriptors received on
// the start reply.
type StartedHost struct {
	// Handle identifies the host for CloseHost and in ClosedSignal.
	Handle string

	// Stdin is the write end of the host's standard input.
	Stdin *os.File

	// Stdout is the read end of the host's standard output.
	Stdout *os.File

	// Stderr is the read end of the host's standard error.
	Stderr *os.File
}

// CloseStdio closes the three stdio files. The host keeps running;
// use [Client.CloseHost] to terminate it.
func (h *StartedHost) CloseStdio() {
	for _, file := range []*os.File{h.Stdin, h.Stdout, h.Stderr} {
		if file != nil {
			file.Close()
		}
	}
}

// Start resolves a manifest and launches the host process. The
// returned StartedHost owns the three stdio files; the caller must
// close them.
func (c *Client) Start(ctx context.Context, request wire.StartCall) (*StartedHost, error) {
	frame, fds, err := c.call(ctx, wire.MethodStart, &request)
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", request.Name, err)
	}
	if len(fds) != 3 {
		fdpass.CloseAll(fds)
		return nil, fmt.Errorf("start %q: reply carried %d descriptors, want 3", request.Name, len(fds))
	}

	var reply wire.StartReply
	if err := codec.Unmarshal(frame.Body, &reply); err != nil {
		fdpass.CloseAll(fds)
		return nil, fmt.Errorf("start %q: decoding reply: %w", request.Name, err)
	}
	return &StartedHost{
		Handle: reply.Handle,
		Stdin:  os.NewFile(uintptr(fds[0]), "host-stdin"),
		Stdout: os.NewFile(uintptr(fds[1]), "host-stdout"),
		Stderr: os.NewFile(uintptr(fds[2]), "host-stderr"),
	}, nil
}

// CloseHost terminates a running host. Unknown and already-released
// handles succeed; a malformed handle is an error.
func (c *Client) CloseHost(ctx context.Context, handle string) error {
	_, fds, err := c.call(ctx, wire.MethodClose, &wire.CloseCall{Handle: handle})
	if err != nil {
		return fmt.Errorf("close %q: %w", handle, err)
	}
	fdpass.CloseAll(fds)
	return nil
}

// Status reports broker build information and the running hosts.
func (c *Client) Status(ctx context.Context) (*wire.StatusReply, error) {
	frame, fds, err := c.call(ctx, wire.MethodStatus, nil)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	fdpass.CloseAll(fds)

	var reply wire.StatusReply
	if err := codec.Unmarshal(frame.Body, &reply); err != nil {
		return nil, fmt.Errorf("status: decoding reply: %w", err)
	}
	return &reply, nil
}

// ClosedSignals returns the stream of "closed" signals for hosts this
// connection started. The channel closes when the connection is
// lost. It is buffered; if no receiver keeps up, further signals are
// dropped so the read loop never stalls behind a consumer.
func (c *Client) ClosedSignals() <-chan *wire.ClosedSignal {
	return c.closed
}

// Close tears down the connection. The broker force-terminates every
// host this connection started. Safe to call multiple times and
// concurrently with in-flight calls, which fail.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.readDone
	})
	return nil
}

// call sends one call frame and waits for its reply, racing the
// context and the connection's lifetime. Error frames come back as
// *wire.Error. The caller owns any returned descriptors.
func (c *Client) call(ctx context.Context, method string, body any) (*wire.Frame, []int, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = codec.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding call: %w", err)
		}
	}

	serial := c.serial.Add(1)
	waiter := make(chan pendingReply, 1)
	c.mu.Lock()
	c.pending[serial] = waiter
	c.mu.Unlock()

	frame := &wire.Frame{Type: wire.FrameCall, Serial: serial, Method: method, Body: encoded}
	if err := c.send(frame); err != nil {
		c.forget(serial)
		return nil, nil, err
	}

	select {
	case reply := <-waiter:
		if reply.frame.Type == wire.FrameError {
			fdpass.CloseAll(reply.fds)
			return nil, nil, &wire.Error{Name: reply.frame.Error, Message: reply.frame.Message}
		}
		return reply.frame, reply.fds, nil
	case <-ctx.Done():
		c.forget(serial)
		// The reply may have been routed before the unregister; its
		// descriptors must not leak.
		select {
		case reply := <-waiter:
			fdpass.CloseAll(reply.fds)
		default:
		}
		return nil, nil, ctx.Err()
	case <-c.readDone:
		return nil, nil, c.readErr
	}
}

func (c *Client) send(frame *wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteFrame(frame, nil); err != nil {
		return fmt.Errorf("writing %s call: %w", frame.Method, err)
	}
	return nil
}

func (c *Client) forget(serial uint64) {
	c.mu.Lock()
	delete(c.pending, serial)
	c.mu.Unlock()
}

// readLoop is the single reader of the connection. It routes replies
// and errors to their waiting calls and signals to the closed
// channel, and tears the client down on any read failure.
func (c *Client) readLoop() {
	for {
		frame, fds, err := c.conn.ReadFrame()
		if err != nil {
			c.fail(err)
			return
		}
		switch frame.Type {
		case wire.FrameReply, wire.FrameError:
			c.deliver(frame, fds)
		case wire.FrameSignal:
			c.handleSignal(frame, fds)
		default:
			fdpass.CloseAll(fds)
		}
	}
}

func (c *Client) deliver(frame *wire.Frame, fds []int) {
	c.mu.Lock()
	waiter, ok := c.pending[frame.Serial]
	if ok {
		delete(c.pending, frame.Serial)
	}
	c.mu.Unlock()

	if !ok {
		// The call gave up on its context. The broker's reply still
		// owns descriptors.
		fdpass.CloseAll(fds)
		return
	}
	waiter <- pendingReply{frame: frame, fds: fds}
}

func (c *Client) handleSignal(frame *wire.Frame, fds []int) {
	fdpass.CloseAll(fds)
	if frame.Method != wire.SignalClosed {
		return
	}
	var signal wire.ClosedSignal
	if err := codec.Unmarshal(frame.Body, &signal); err != nil {
		return
	}
	select {
	case c.closed <- &signal:
	default:
		// The read loop must never block behind a consumer.
	}
}

// fail records the terminal error and wakes everything: pending calls
// see readDone, signal consumers see their channel close.
func (c *Client) fail(err error) {
	switch {
	case errors.Is(err, net.ErrClosed):
		err = errors.New("client closed")
	case errors.Is(err, io.EOF):
		err = errors.New("broker closed the connection")
	}
	c.readErr = err
	close(c.readDone)
	close(c.closed)
	c.conn.Close()
}
