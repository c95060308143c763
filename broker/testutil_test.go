// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/nmproxy-project/nmproxy/lib/codec"
	"github.com/nmproxy-project/nmproxy/lib/fdpass"
	"github.com/nmproxy-project/nmproxy/lib/manifest"
	"github.com/nmproxy-project/nmproxy/lib/testutil"
	"github.com/nmproxy-project/nmproxy/lib/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startedBroker is a running broker serving a temp socket, with its
// manifest search path pointed at a writable fixture directory.
type startedBroker struct {
	*Broker
	manifestDir string
	cancel      context.CancelFunc
	done        chan struct{}
}

// startTestBroker runs a broker whose chromium and mozilla search
// paths both point at a single fixture directory.
func startTestBroker(t *testing.T) *startedBroker {
	t.Helper()
	manifestDir := t.TempDir()
	return startTestBrokerDirs(t, manifestDir, []string{manifestDir}, []string{manifestDir})
}

// startTestBrokerDirs runs a broker with explicit per-ecosystem
// search paths.
func startTestBrokerDirs(t *testing.T, manifestDir string, chromiumDirs, mozillaDirs []string) *startedBroker {
	t.Helper()

	logger := testLogger()
	socketPath := filepath.Join(testutil.SocketDir(t), "broker.sock")

	b, err := New(Config{
		SocketPath: socketPath,
		Resolver:   manifest.NewResolver(logger, chromiumDirs, mozillaDirs),
		Logger:     logger,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(false); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 10*time.Second, "broker shutdown")
	})

	return &startedBroker{Broker: b, manifestDir: manifestDir, cancel: cancel, done: done}
}

// writeHostManifest installs an executable shell script host and a
// manifest naming it, returning the executable path.
func writeHostManifest(t *testing.T, dir, name, script string) string {
	t.Helper()
	executable := filepath.Join(dir, name+".sh")
	if err := os.WriteFile(executable, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("writing host executable: %v", err)
	}
	content := fmt.Sprintf(`{"name": %q, "description": "test host", "path": %q, "type": "stdio"}`, name, executable)
	if err := os.WriteFile(filepath.Join(dir, name+".json"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return executable
}

func dialBroker(t *testing.T, socketPath string) *fdpass.Conn {
	t.Helper()
	conn, err := fdpass.Dial(socketPath)
	if err != nil {
		t.Fatalf("dialing broker: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// sendCall writes one call frame.
func sendCall(t *testing.T, conn *fdpass.Conn, serial uint64, method string, body any) {
	t.Helper()
	frame := &wire.Frame{Type: wire.FrameCall, Serial: serial, Method: method}
	if body != nil {
		encoded, err := codec.Marshal(body)
		if err != nil {
			t.Fatalf("encoding %s body: %v", method, err)
		}
		frame.Body = encoded
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteFrame(frame, nil); err != nil {
		t.Fatalf("sending %s call: %v", method, err)
	}
}

// readFrame reads one frame with a safety deadline.
func readFrame(t *testing.T, conn *fdpass.Conn) (*wire.Frame, []int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, fds, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return frame, fds
}

// awaitReply reads one frame and requires it to be the reply for
// serial.
func awaitReply(t *testing.T, conn *fdpass.Conn, serial uint64) (*wire.Frame, []int) {
	t.Helper()
	frame, fds := readFrame(t, conn)
	if frame.Type == wire.FrameError {
		fdpass.CloseAll(fds)
		t.Fatalf("call %d failed: %s: %s", serial, frame.Error, frame.Message)
	}
	if frame.Type != wire.FrameReply || frame.Serial != serial {
		fdpass.CloseAll(fds)
		t.Fatalf("expected reply for serial %d, got type=%s serial=%d", serial, frame.Type, frame.Serial)
	}
	return frame, fds
}

// awaitError reads one frame and requires it to be an error frame for
// serial carrying the given stable error name.
func awaitError(t *testing.T, conn *fdpass.Conn, serial uint64, name string) {
	t.Helper()
	frame, fds := readFrame(t, conn)
	fdpass.CloseAll(fds)
	if frame.Type != wire.FrameError || frame.Serial != serial {
		t.Fatalf("expected error for serial %d, got type=%s serial=%d", serial, frame.Type, frame.Serial)
	}
	if frame.Error != name {
		t.Fatalf("expected error %s, got %s (%s)", name, frame.Error, frame.Message)
	}
}

func decodeReply[T any](t *testing.T, frame *wire.Frame) *T {
	t.Helper()
	var body T
	if err := codec.Unmarshal(frame.Body, &body); err != nil {
		t.Fatalf("decoding %s body: %v", frame.Type, err)
	}
	return &body
}

// helloSession completes the handshake and returns the assigned peer
// name.
func helloSession(t *testing.T, conn *fdpass.Conn) string {
	t.Helper()
	sendCall(t, conn, 1, wire.MethodHello, &wire.HelloCall{Version: wire.ProtocolVersion})
	frame, fds := awaitReply(t, conn, 1)
	fdpass.CloseAll(fds)
	return decodeReply[wire.HelloReply](t, frame).Peer
}

// startHost performs a start call and returns the handle plus the
// three received stdio descriptors wrapped as files, in wire order:
// stdin write end, stdout read end, stderr read end.
func startHost(t *testing.T, conn *fdpass.Conn, serial uint64, name, mode string) (string, [3]*os.File) {
	t.Helper()
	sendCall(t, conn, serial, wire.MethodStart, &wire.StartCall{
		Name:      name,
		Extension: "chrome-extension://nmproxytest/",
		Mode:      mode,
	})
	frame, fds := awaitReply(t, conn, serial)
	if len(fds) != 3 {
		fdpass.CloseAll(fds)
		t.Fatalf("expected 3 descriptors on the start reply, got %d", len(fds))
	}
	reply := decodeReply[wire.StartReply](t, frame)
	if _, err := wire.ParseHandle(reply.Handle); err != nil {
		fdpass.CloseAll(fds)
		t.Fatalf("start returned malformed handle %q: %v", reply.Handle, err)
	}

	var stdio [3]*os.File
	labels := [3]string{"host-stdin", "host-stdout", "host-stderr"}
	for i, fd := range fds {
		stdio[i] = os.NewFile(uintptr(fd), labels[i])
	}
	t.Cleanup(func() {
		for _, file := range stdio {
			file.Close()
		}
	})
	return reply.Handle, stdio
}

// awaitClosedSignal reads one frame and requires the "closed" signal.
func awaitClosedSignal(t *testing.T, conn *fdpass.Conn) *wire.ClosedSignal {
	t.Helper()
	frame, fds := readFrame(t, conn)
	fdpass.CloseAll(fds)
	if frame.Type != wire.FrameSignal || frame.Method != wire.SignalClosed {
		t.Fatalf("expected closed signal, got type=%s method=%s error=%s", frame.Type, frame.Method, frame.Error)
	}
	return decodeReply[wire.ClosedSignal](t, frame)
}

// awaitReplyAndClosed collects the reply for serial and the "closed"
// signal, in whichever order they arrive. Close teardown runs
// concurrently with the close reply, so tests must not assume one.
func awaitReplyAndClosed(t *testing.T, conn *fdpass.Conn, serial uint64) *wire.ClosedSignal {
	t.Helper()
	var closed *wire.ClosedSignal
	sawReply := false
	for closed == nil || !sawReply {
		frame, fds := readFrame(t, conn)
		fdpass.CloseAll(fds)
		switch frame.Type {
		case wire.FrameReply:
			if frame.Serial != serial {
				t.Fatalf("unexpected reply serial %d, want %d", frame.Serial, serial)
			}
			sawReply = true
		case wire.FrameSignal:
			if frame.Method != wire.SignalClosed {
				t.Fatalf("unexpected signal %q", frame.Method)
			}
			closed = decodeReply[wire.ClosedSignal](t, frame)
		default:
			t.Fatalf("unexpected frame type=%s error=%s message=%s", frame.Type, frame.Error, frame.Message)
		}
	}
	return closed
}

// brokerStatus performs a status call.
func brokerStatus(t *testing.T, conn *fdpass.Conn, serial uint64) *wire.StatusReply {
	t.Helper()
	sendCall(t, conn, serial, wire.MethodStatus, nil)
	frame, fds := awaitReply(t, conn, serial)
	fdpass.CloseAll(fds)
	return decodeReply[wire.StatusReply](t, frame)
}

// waitProcessGone polls until pid no longer exists. The broker reaps
// its hosts, so a killed host disappears rather than lingering as a
// zombie.
func waitProcessGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %d still alive", pid)
}
