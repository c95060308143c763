// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nmproxy-project/nmproxy/broker"
	"github.com/nmproxy-project/nmproxy/lib/manifest"
	"github.com/nmproxy-project/nmproxy/lib/testutil"
	"github.com/nmproxy-project/nmproxy/lib/wire"
)

type testBroker struct {
	socketPath  string
	manifestDir string

	// stop shuts the broker down; idempotent so tests can trigger it
	// early and the cleanup can run it again.
	stop func()
}

func startTestBroker(t *testing.T) *testBroker {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manifestDir := t.TempDir()
	socketPath := filepath.Join(testutil.SocketDir(t), "broker.sock")

	b, err := broker.New(broker.Config{
		SocketPath: socketPath,
		Resolver:   manifest.NewResolver(logger, []string{manifestDir}, []string{manifestDir}),
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

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			testutil.RequireClosed(t, done, 10*time.Second, "broker shutdown")
		})
	}
	t.Cleanup(stop)

	return &testBroker{socketPath: socketPath, manifestDir: manifestDir, stop: stop}
}

func writeHostManifest(t *testing.T, dir, name, script string) {
	t.Helper()
	executable := filepath.Join(dir, name+".sh")
	if err := os.WriteFile(executable, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("writing host executable: %v", err)
	}
	content := fmt.Sprintf(`{"name": %q, "description": "test host", "path": %q, "type": "stdio"}`, name, executable)
	if err := os.WriteFile(filepath.Join(dir, name+".json"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
}

func dialTestBroker(t *testing.T, socketPath string) *Client {
	t.Helper()
	c, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialAssignsPeerName(t *testing.T) {
	tb := startTestBroker(t)

	first := dialTestBroker(t, tb.socketPath)
	second := dialTestBroker(t, tb.socketPath)

	if !strings.HasPrefix(first.Peer(), ":1.") {
		t.Errorf("peer name %q does not have unique-name form", first.Peer())
	}
	if first.Peer() == second.Peer() {
		t.Errorf("both connections got peer name %q", first.Peer())
	}
}

func TestDialMissingSocket(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "nowhere.sock"))
	if err == nil {
		t.Fatal("expected dialing a missing socket to fail")
	}
}

func TestGetManifest(t *testing.T) {
	tb := startTestBroker(t)
	raw := `{"name": "com.example.echo", "path": "/usr/bin/true", "type": "stdio"}`
	if err := os.WriteFile(filepath.Join(tb.manifestDir, "com.example.echo.json"), []byte(raw), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}

	c := dialTestBroker(t, tb.socketPath)
	got, err := c.GetManifest(context.Background(), "com.example.echo", "chromium")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if string(got) != raw {
		t.Errorf("manifest bytes = %q, want %q", got, raw)
	}
}

func TestGetManifestNotFound(t *testing.T) {
	tb := startTestBroker(t)
	c := dialTestBroker(t, tb.socketPath)

	_, err := c.GetManifest(context.Background(), "com.example.absent", "")
	if !wire.IsWireError(err, wire.ErrNameNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestStartEchoRoundTrip(t *testing.T) {
	tb := startTestBroker(t)
	writeHostManifest(t, tb.manifestDir, "com.example.cat", "exec cat")

	c := dialTestBroker(t, tb.socketPath)
	host, err := c.Start(context.Background(), wire.StartCall{
		Name:      "com.example.cat",
		Extension: "chrome-extension://clienttest/",
		Mode:      "chromium",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.CloseStdio()

	if _, err := host.Stdin.Write([]byte("ping\n")); err != nil {
		t.Fatalf("writing to host stdin: %v", err)
	}
	line := make([]byte, 5)
	if _, err := io.ReadFull(host.Stdout, line); err != nil {
		t.Fatalf("reading host stdout: %v", err)
	}
	if string(line) != "ping\n" {
		t.Errorf("host echoed %q, want %q", line, "ping\n")
	}

	// Closing stdin ends cat; the broker reports a clean exit.
	host.Stdin.Close()
	signal := awaitClosed(t, c)
	if signal.Handle != host.Handle {
		t.Errorf("closed signal for handle %q, want %q", signal.Handle, host.Handle)
	}
	if status, ok := signal.ExitStatus(); !ok || status != 0 {
		t.Errorf("exit status = (%d, %v), want (0, true)", status, ok)
	}
}

func TestCloseHostKills(t *testing.T) {
	tb := startTestBroker(t)
	writeHostManifest(t, tb.manifestDir, "com.example.sleeper", "exec sleep 300")

	c := dialTestBroker(t, tb.socketPath)
	host, err := c.Start(context.Background(), wire.StartCall{
		Name:      "com.example.sleeper",
		Extension: "chrome-extension://clienttest/",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.CloseStdio()

	if err := c.CloseHost(context.Background(), host.Handle); err != nil {
		t.Fatalf("CloseHost: %v", err)
	}
	signal := awaitClosed(t, c)
	if number, ok := signal.Signal(); !ok || number != int(syscall.SIGKILL) {
		t.Errorf("signal = (%d, %v), want (SIGKILL, true)", number, ok)
	}

	// The handle is gone; closing again still succeeds.
	if err := c.CloseHost(context.Background(), host.Handle); err != nil {
		t.Errorf("closing a released handle: %v", err)
	}
}

func TestCloseHostMalformedHandle(t *testing.T) {
	tb := startTestBroker(t)
	c := dialTestBroker(t, tb.socketPath)

	err := c.CloseHost(context.Background(), "not-a-handle")
	if !wire.IsWireError(err, wire.ErrNameInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestStatusListsHosts(t *testing.T) {
	tb := startTestBroker(t)
	writeHostManifest(t, tb.manifestDir, "com.example.sleeper", "exec sleep 300")

	c := dialTestBroker(t, tb.socketPath)
	host, err := c.Start(context.Background(), wire.StartCall{
		Name:      "com.example.sleeper",
		Extension: "chrome-extension://clienttest/",
		Mode:      "chromium",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.CloseStdio()

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Version != "test" {
		t.Errorf("version = %q, want %q", status.Version, "test")
	}
	if status.Socket != tb.socketPath {
		t.Errorf("socket = %q, want %q", status.Socket, tb.socketPath)
	}

	var found bool
	for _, row := range status.Hosts {
		if row.Handle != host.Handle {
			continue
		}
		found = true
		if row.Name != "com.example.sleeper" {
			t.Errorf("host name = %q", row.Name)
		}
		if row.Peer != c.Peer() {
			t.Errorf("host peer = %q, want %q", row.Peer, c.Peer())
		}
		if row.PID <= 0 {
			t.Errorf("host pid = %d", row.PID)
		}
	}
	if !found {
		t.Fatalf("started host %q missing from status: %+v", host.Handle, status.Hosts)
	}
}

func TestConcurrentCalls(t *testing.T) {
	tb := startTestBroker(t)
	c := dialTestBroker(t, tb.socketPath)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Status(context.Background()); err != nil {
				t.Errorf("Status: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetManifest(context.Background(), "com.example.absent", "")
			if !wire.IsWireError(err, wire.ErrNameNotFound) {
				t.Errorf("expected NotFound, got %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestClientCloseKillsHosts(t *testing.T) {
	tb := startTestBroker(t)
	writeHostManifest(t, tb.manifestDir, "com.example.sleeper", "exec sleep 300")

	c := dialTestBroker(t, tb.socketPath)
	host, err := c.Start(context.Background(), wire.StartCall{
		Name:      "com.example.sleeper",
		Extension: "chrome-extension://clienttest/",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer host.CloseStdio()

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	var pid int
	for _, row := range status.Hosts {
		if row.Handle == host.Handle {
			pid = row.PID
		}
	}
	if pid == 0 {
		t.Fatalf("started host missing from status")
	}

	c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("host %d survived its client", pid)
}

func TestBrokerShutdownFailsCalls(t *testing.T) {
	tb := startTestBroker(t)
	c := dialTestBroker(t, tb.socketPath)

	tb.stop()

	// The signal channel closes when the connection dies.
	select {
	case _, ok := <-c.ClosedSignals():
		if ok {
			t.Fatal("unexpected closed signal")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("signal channel did not close after broker shutdown")
	}

	if _, err := c.Status(context.Background()); err == nil {
		t.Fatal("expected status to fail after broker shutdown")
	}
}

func awaitClosed(t *testing.T, c *Client) *wire.ClosedSignal {
	t.Helper()
	return testutil.RequireReceive(t, c.ClosedSignals(), 10*time.Second, "closed signal")
}
