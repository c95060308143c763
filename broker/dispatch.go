// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nmproxy-project/nmproxy/lib/codec"
	"github.com/nmproxy-project/nmproxy/lib/hostproc"
	"github.com/nmproxy-project/nmproxy/lib/manifest"
	"github.com/nmproxy-project/nmproxy/lib/wire"
)

// decodeBody unmarshals a call body, mapping malformed CBOR to
// InvalidArgument. The undecodable payload is logged in diagnostic
// notation at debug level.
func decodeBody[T any](frame *wire.Frame, logger *slog.Logger) (*T, error) {
	var body T
	if err := codec.Unmarshal(frame.Body, &body); err != nil {
		if diagnostic, diagErr := codec.Diagnose(frame.Body); diagErr == nil {
			logger.Debug("undecodable call body", "method", frame.Method, "body", diagnostic)
		}
		return nil, wire.InvalidArgument("malformed %s body: %v", frame.Method, err)
	}
	return &body, nil
}

// handleHello completes the session handshake: version check, peer
// name assignment, reply. Runs inline in the read loop, so the reply
// is on the wire before any later call on this connection is read.
func (s *session) handleHello(frame *wire.Frame) {
	call, err := decodeBody[wire.HelloCall](frame, s.sessionLogger())
	if err != nil {
		s.sendError(frame.Serial, err)
		return
	}

	if call.Version != wire.ProtocolVersion {
		s.sendError(frame.Serial, wire.InvalidArgument(
			"unsupported protocol version %d, broker speaks %d", call.Version, wire.ProtocolVersion))
		return
	}

	if s.peerName() != "" {
		s.sendError(frame.Serial, wire.InvalidArgument("hello already completed"))
		return
	}

	name := s.broker.registerSession(s)
	s.setPeerName(name)
	s.sessionLogger().Debug("session established")

	s.sendReply(frame.Serial, &wire.HelloReply{Peer: name, Version: wire.ProtocolVersion}, nil)
}

// resolveError maps a manifest resolution failure to a wire error.
func resolveError(name string, err error) error {
	switch {
	case errors.Is(err, manifest.ErrInvalidName):
		return wire.InvalidArgument("invalid host name %q", name)
	case errors.Is(err, manifest.ErrNotFound):
		return wire.NotFound("no manifest found for %q", name)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return wire.Internal("request cancelled")
	default:
		return wire.Internal("resolving %q: %v", name, err)
	}
}

// handleGetManifest resolves a manifest and returns its raw bytes.
func (s *session) handleGetManifest(frame *wire.Frame) {
	call, err := decodeBody[wire.GetManifestCall](frame, s.sessionLogger())
	if err != nil {
		s.sendError(frame.Serial, err)
		return
	}

	resolution, err := s.broker.resolver.Resolve(s.ctx, call.Name, manifest.ParseEcosystem(call.Mode))
	if err != nil {
		s.sendError(frame.Serial, resolveError(call.Name, err))
		return
	}

	s.sendReply(frame.Serial, &wire.GetManifestReply{Manifest: resolution.Raw}, nil)
}

// handleStart resolves a manifest, launches the host, and replies
// with the handle and the three stdio descriptors. The reply is sent
// as soon as the host is running; how it eventually terminates is
// reported later by the "closed" signal. After the reply this
// goroutine becomes the host's supervisor.
func (s *session) handleStart(frame *wire.Frame) {
	call, err := decodeBody[wire.StartCall](frame, s.sessionLogger())
	if err != nil {
		s.sendError(frame.Serial, err)
		return
	}

	ecosystem := manifest.ParseEcosystem(call.Mode)
	resolution, err := s.broker.resolver.Resolve(s.ctx, call.Name, ecosystem)
	if err != nil {
		s.sendError(frame.Serial, resolveError(call.Name, err))
		return
	}

	logger := s.sessionLogger()
	host, err := hostproc.Launch(logger, hostproc.Spec{
		Executable:   resolution.Manifest.Path,
		ManifestPath: resolution.Path,
		Origin:       call.Extension,
		Ecosystem:    ecosystem,
	})
	if err != nil {
		s.sendError(frame.Serial, wire.SpawnFailure("launching %q: %v", call.Name, err))
		return
	}

	handleCtx, handleCancel := context.WithCancel(context.Background())
	sh := &supervisedHost{
		host:      host,
		owner:     s,
		name:      call.Name,
		extension: call.Extension,
		mode:      string(ecosystem),
		cancel:    handleCancel,
	}

	id, err := s.broker.handles.register(sh)
	if err != nil {
		handleCancel()
		host.ForceKill()
		host.CloseStdio()
		s.sendError(frame.Serial, wire.Internal("allocating handle: %v", err))
		return
	}
	handle := wire.FormatHandle(id)

	// Reply before supervising: the browser needs its descriptors
	// immediately. The kernel keeps the in-flight copies alive, so
	// the broker-side pipe ends are closed right after the send.
	stdin, stdout, stderr := host.Stdio()
	s.sendReply(frame.Serial, &wire.StartReply{Handle: handle},
		[]int{int(stdin.Fd()), int(stdout.Fd()), int(stderr.Fd())})
	host.CloseStdio()

	logger.Info("host started",
		"name", call.Name,
		"handle", handle,
		"pid", host.PID(),
		"mode", ecosystem,
		"binary_hash", host.BinaryHash(),
	)

	s.broker.supervise(sh, handleCtx)
}

// supervise blocks until the host exits on its own, its handle is
// closed, or the starting peer's lifetime ends, then runs the
// teardown. Exactly one of the three arms fires first; finish is
// idempotent regardless.
func (b *Broker) supervise(sh *supervisedHost, handleCtx context.Context) {
	select {
	case <-sh.host.Done():
	case <-handleCtx.Done():
	case <-sh.owner.ctx.Done():
	}
	b.finish(sh)
}

// finish tears a host down exactly once: kill its process group,
// wait for the reaper, send the "closed" signal to the session that
// started it, release the handle. Force-killing a host that already
// exited is a no-op, so the same sequence serves natural exits,
// closes, disconnects, and shutdown.
func (b *Broker) finish(sh *supervisedHost) {
	sh.finishOnce.Do(func() {
		sh.host.ForceKill()
		<-sh.host.Done()

		handle := wire.FormatHandle(sh.id)
		signal := &wire.ClosedSignal{Handle: handle}
		if code, ok := sh.host.ExitStatus(); ok {
			signal.Options = wire.ExitStatusOptions(code)
		} else if sig, ok := sh.host.ExitSignal(); ok {
			signal.Options = wire.SignalOptions(sig)
		}

		// Best-effort: the starting peer may already be gone, which
		// is one of the reasons a host gets torn down.
		if err := sh.owner.sendSignal(wire.SignalClosed, signal); err != nil {
			b.logger.Debug("sending closed signal", "handle", handle, "error", err)
		}

		b.handles.unregister(sh.id)

		exitCode, _ := sh.host.ExitStatus()
		exitSignal, signaled := sh.host.ExitSignal()
		b.logger.Info("host closed",
			"name", sh.name,
			"handle", handle,
			"pid", sh.host.PID(),
			"exit_code", exitCode,
			"signal", exitSignal,
			"signaled", signaled,
		)
	})
}

// handleClose cancels a handle. Always succeeds once the handle
// parses: closing an unknown or already-released handle is
// indistinguishable from losing the race against a natural exit, so
// both report success. Teardown continues asynchronously; completion
// is announced by the "closed" signal.
func (s *session) handleClose(frame *wire.Frame) {
	call, err := decodeBody[wire.CloseCall](frame, s.sessionLogger())
	if err != nil {
		s.sendError(frame.Serial, err)
		return
	}

	id, err := wire.ParseHandle(call.Handle)
	if err != nil {
		s.sendError(frame.Serial, wire.InvalidArgument("malformed handle %q", call.Handle))
		return
	}

	s.broker.handles.cancel(id)
	s.sendReply(frame.Serial, nil, nil)
}

// handleStatus reports broker build information and the live hosts.
func (s *session) handleStatus(frame *wire.Frame) {
	s.sendReply(frame.Serial, s.broker.statusReply(), nil)
}
