// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nmproxy-project/nmproxy/lib/codec"
	"github.com/nmproxy-project/nmproxy/lib/fdpass"
	"github.com/nmproxy-project/nmproxy/lib/netutil"
	"github.com/nmproxy-project/nmproxy/lib/wire"
)

// writeTimeout bounds every frame write. A peer that stops reading
// must not be able to wedge a supervisor or a reply forever.
const writeTimeout = 10 * time.Second

// session is one client connection. Its context is the peer lifetime
// token: request handlers and host supervisors race against it, and
// it is cancelled on disconnect or broker shutdown. Concurrent
// request goroutines serialize frame writes through writeMu.
type session struct {
	broker *Broker
	conn   *fdpass.Conn

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	writeMu sync.Mutex

	mu     sync.Mutex
	name   string // ":1.N", empty until hello completes
	logger *slog.Logger
}

// serveSession runs a session to completion: the read loop until the
// peer disconnects, the serve context ends, or the connection turns
// out to speak garbage.
func (b *Broker) serveSession(ctx context.Context, conn *fdpass.Conn) {
	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		broker: b,
		conn:   conn,
		ctx:    sessCtx,
		cancel: cancel,
		logger: b.logger,
	}
	defer sess.close()

	// Unblock the read loop when the peer lifetime ends for any
	// reason other than the peer closing its end.
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	sess.run()
}

// close ends the peer lifetime: cancels the session context (which
// fires every supervisor racing against this peer) and removes the
// session from the broker's peer table. Idempotent.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
		s.broker.unregisterSession(s)
	})
}

// run reads frames until the connection ends. A read error other than
// a normal disconnect means the peer sent a malformed datagram; the
// session is dropped rather than guessed at, which the peer
// experiences exactly like a broker-side disconnect.
func (s *session) run() {
	for {
		frame, fds, err := s.conn.ReadFrame()
		if err != nil {
			logger := s.sessionLogger()
			switch {
			case netutil.IsExpectedCloseError(err):
				logger.Debug("peer disconnected", "peer", s.peerName())
			case s.ctx.Err() != nil:
				// Shutdown closed the connection under us.
			default:
				logger.Warn("dropping session", "peer", s.peerName(), "error", err)
			}
			return
		}
		// Calls never carry descriptors; discard any that arrive.
		fdpass.CloseAll(fds)
		s.handleFrame(frame)
	}
}

// handleFrame routes one inbound frame. hello runs inline so its
// reply is written before any later frame is read; every other method
// runs in its own goroutine, racing the peer lifetime token.
func (s *session) handleFrame(frame *wire.Frame) {
	if frame.Type != wire.FrameCall {
		s.sessionLogger().Warn("ignoring non-call frame", "type", frame.Type, "peer", s.peerName())
		return
	}

	if frame.Method == wire.MethodHello {
		s.handleHello(frame)
		return
	}

	if s.peerName() == "" {
		s.sendError(frame.Serial, wire.InvalidArgument("hello required before %q", frame.Method))
		return
	}

	var handler func(*wire.Frame)
	switch frame.Method {
	case wire.MethodGetManifest:
		handler = s.handleGetManifest
	case wire.MethodStart:
		handler = s.handleStart
	case wire.MethodClose:
		handler = s.handleClose
	case wire.MethodStatus:
		handler = s.handleStatus
	default:
		s.sendError(frame.Serial, wire.InvalidArgument("unknown method %q", frame.Method))
		return
	}

	s.broker.wg.Add(1)
	go func() {
		defer s.broker.wg.Done()
		handler(frame)
	}()
}

// peerName returns the unique name assigned at hello, or "" before
// the handshake completes.
func (s *session) peerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *session) sessionLogger() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// setPeerName records the name assigned at hello and rebinds the
// session logger to carry it.
func (s *session) setPeerName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	s.logger = s.logger.With("peer", name)
}

// send writes one frame under the write lock with a deadline.
func (s *session) send(frame *wire.Frame, fds []int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteFrame(frame, fds)
}

// sendReply writes a reply frame. body may be nil for methods whose
// reply carries no payload; fds are attached as SCM_RIGHTS ancillary
// data. Send failures are logged and swallowed: the peer vanishing
// mid-reply is an ordinary disconnect, handled by the read loop.
func (s *session) sendReply(serial uint64, body any, fds []int) {
	frame := &wire.Frame{Type: wire.FrameReply, Serial: serial}
	if body != nil {
		encoded, err := codec.Marshal(body)
		if err != nil {
			s.sessionLogger().Error("encoding reply body", "serial", serial, "error", err)
			s.sendError(serial, wire.Internal("encoding reply: %v", err))
			return
		}
		frame.Body = encoded
	}
	if err := s.send(frame, fds); err != nil {
		s.sessionLogger().Debug("sending reply", "serial", serial, "error", err)
	}
}

// sendError writes an error frame. Errors that are not a wire.Error
// are reported under the Internal name.
func (s *session) sendError(serial uint64, err error) {
	frame := &wire.Frame{Type: wire.FrameError, Serial: serial}
	var wireErr *wire.Error
	if errors.As(err, &wireErr) {
		frame.Error = wireErr.Name
		frame.Message = wireErr.Message
	} else {
		frame.Error = wire.ErrNameInternal
		frame.Message = err.Error()
	}
	if sendErr := s.send(frame, nil); sendErr != nil {
		s.sessionLogger().Debug("sending error reply", "serial", serial, "name", frame.Error, "error", sendErr)
	}
}

// sendSignal writes a signal frame. Unlike replies the error is
// returned: the closed-signal path logs delivery failures itself.
func (s *session) sendSignal(name string, body any) error {
	encoded, err := codec.Marshal(body)
	if err != nil {
		return err
	}
	return s.send(&wire.Frame{Type: wire.FrameSignal, Method: name, Body: encoded}, nil)
}
