// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nmproxy-project/nmproxy/lib/manifest"
	"github.com/nmproxy-project/nmproxy/lib/testutil"
)

// serveBroker runs b.Serve in the background and returns the cancel
// that stops it plus the channel that closes when Serve returns.
func serveBroker(t *testing.T, b *Broker) (context.CancelFunc, chan struct{}) {
	t.Helper()
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
	return cancel, done
}

func TestStartRefusesLiveSocket(t *testing.T) {
	tb := startTestBroker(t)

	logger := testLogger()
	second, err := New(Config{
		SocketPath: tb.SocketPath(),
		Resolver:   manifest.NewResolver(logger, nil, nil),
		Logger:     logger,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = second.Start(false)
	if err == nil {
		t.Fatal("expected starting on a live socket to fail")
	}
	if !strings.Contains(err.Error(), "--replace") {
		t.Errorf("error should point at --replace, got %q", err)
	}

	// The incumbent is unharmed.
	conn := dialBroker(t, tb.SocketPath())
	helloSession(t, conn)
}

func TestStartRemovesStaleSocket(t *testing.T) {
	logger := testLogger()
	socketPath := filepath.Join(testutil.SocketDir(t), "broker.sock")

	// Fabricate the aftermath of a crashed broker: a socket file with
	// nothing accepting behind it.
	stale, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: socketPath, Net: "unixpacket"})
	if err != nil {
		t.Fatalf("binding stale socket: %v", err)
	}
	stale.SetUnlinkOnClose(false)
	stale.Close()
	if _, err := os.Stat(socketPath); err != nil {
		t.Fatalf("stale socket file missing: %v", err)
	}

	b, err := New(Config{
		SocketPath: socketPath,
		Resolver:   manifest.NewResolver(logger, nil, nil),
		Logger:     logger,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(false); err != nil {
		t.Fatalf("start over a stale socket: %v", err)
	}
	serveBroker(t, b)

	conn := dialBroker(t, socketPath)
	helloSession(t, conn)
}

func TestReplaceTakesOverAndIncumbentStops(t *testing.T) {
	logger := testLogger()
	manifestDir := t.TempDir()
	socketPath := filepath.Join(testutil.SocketDir(t), "broker.sock")
	resolver := manifest.NewResolver(logger, []string{manifestDir}, []string{manifestDir})

	incumbent, err := New(Config{
		SocketPath: socketPath,
		Resolver:   resolver,
		Logger:     logger,
		Version:    "incumbent",
	})
	if err != nil {
		t.Fatalf("New incumbent: %v", err)
	}
	if err := incumbent.Start(false); err != nil {
		t.Fatalf("starting incumbent: %v", err)
	}
	_, incumbentDone := serveBroker(t, incumbent)

	replacement, err := New(Config{
		SocketPath: socketPath,
		Resolver:   resolver,
		Logger:     logger,
		Version:    "replacement",
	})
	if err != nil {
		t.Fatalf("New replacement: %v", err)
	}
	if err := replacement.Start(true); err != nil {
		t.Fatalf("replacing start: %v", err)
	}
	serveBroker(t, replacement)

	// The incumbent notices its socket file is gone and stops on its
	// own; its context is never cancelled here.
	testutil.RequireClosed(t, incumbentDone, 10*time.Second, "incumbent shutdown")

	// The incumbent's exit must not have removed the replacement's
	// freshly bound socket.
	conn := dialBroker(t, socketPath)
	helloSession(t, conn)
	if got := brokerStatus(t, conn, 2).Version; got != "replacement" {
		t.Errorf("status version = %q, want %q", got, "replacement")
	}
}

func TestShutdownKillsRunningHosts(t *testing.T) {
	tb := startTestBroker(t)
	writeHostManifest(t, tb.manifestDir, "com.example.sleeper", "exec sleep 300")

	conn := dialBroker(t, tb.SocketPath())
	helloSession(t, conn)
	handle, _ := startHost(t, conn, 2, "com.example.sleeper", "chromium")

	status := brokerStatus(t, conn, 3)
	var pid int
	for _, host := range status.Hosts {
		if host.Handle == handle {
			pid = host.PID
		}
	}
	if pid == 0 {
		t.Fatalf("started host missing from status: %+v", status.Hosts)
	}

	tb.cancel()
	testutil.RequireClosed(t, tb.done, 10*time.Second, "broker shutdown")

	waitProcessGone(t, pid)
	if _, err := os.Stat(tb.SocketPath()); !os.IsNotExist(err) {
		t.Errorf("socket file still present after shutdown (stat: %v)", err)
	}
}

func TestMalformedDatagramDropsSession(t *testing.T) {
	tb := startTestBroker(t)

	raw, err := net.Dial("unixpacket", tb.SocketPath())
	if err != nil {
		t.Fatalf("dialing broker: %v", err)
	}
	defer raw.Close()
	if _, err := raw.Write([]byte("\xff\xffnot a frame")); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}

	// The broker closes the session rather than answering.
	raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := raw.Read(make([]byte, 16)); err == nil {
		t.Fatal("expected the session to be dropped")
	}

	// Other sessions are unaffected.
	conn := dialBroker(t, tb.SocketPath())
	helloSession(t, conn)
}
