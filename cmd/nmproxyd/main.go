// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Nmproxyd is the native messaging broker daemon. It owns the broker
// socket, resolves native messaging host manifests on behalf of
// sandboxed browsers, and launches host processes whose lifetimes are
// coupled to the requesting connection.
//
// On startup:
//  1. Loads configuration (--config or NMPROXY_CONFIG, optional) and
//     applies the XNMP_HOST_LOCATIONS search path override.
//  2. Binds the broker socket, taking it over from a running broker
//     when --replace is set.
//  3. Serves until SIGINT, SIGTERM, SIGHUP, or until a --replace
//     successor takes the socket, then force-terminates every running
//     host and exits 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/nmproxy-project/nmproxy/broker"
	"github.com/nmproxy-project/nmproxy/lib/binhash"
	"github.com/nmproxy-project/nmproxy/lib/config"
	"github.com/nmproxy-project/nmproxy/lib/manifest"
	"github.com/nmproxy-project/nmproxy/lib/process"
	"github.com/nmproxy-project/nmproxy/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	waitForDebugger()

	var (
		socketPath  string
		configPath  string
		replace     bool
		verbose     bool
		showVersion bool
	)
	flag.StringVar(&socketPath, "socket", "", "broker socket path (overrides NMPROXY_SOCKET and the config file)")
	flag.StringVar(&configPath, "config", "", "configuration file path (overrides NMPROXY_CONFIG)")
	flag.BoolVar(&replace, "replace", false, "take the socket over from a running broker")
	flag.BoolVar(&verbose, "verbose", false, "log at debug level")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("nmproxyd %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.Socket = socketPath
	} else if env := os.Getenv(config.EnvSocket); env != "" {
		cfg.Socket = env
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	slog.SetDefault(logger)

	chromiumPaths, mozillaPaths, err := cfg.EffectiveSearchPaths()
	if err != nil {
		return fmt.Errorf("search paths: %w", err)
	}
	logger.Info("manifest search paths resolved",
		"chromium", chromiumPaths,
		"mozilla", mozillaPaths,
	)

	// The binary hash ties log output to a specific build when several
	// broker versions are installed side by side.
	if executablePath, execErr := os.Executable(); execErr == nil {
		if digest, hashErr := binhash.HashFile(executablePath); hashErr == nil {
			logger.Info("broker binary identity",
				"path", executablePath,
				"hash", binhash.FormatDigest(digest),
			)
		} else {
			logger.Warn("failed to hash broker binary", "error", hashErr)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	b, err := broker.New(broker.Config{
		SocketPath: cfg.Socket,
		Resolver:   manifest.NewResolver(logger, chromiumPaths, mozillaPaths),
		Logger:     logger,
		Version:    version.Short(),
	})
	if err != nil {
		return err
	}
	if err := b.Start(replace); err != nil {
		return err
	}

	notifySystemd("READY=1")

	return b.Serve(ctx)
}

// waitForDebugger stops the process before any real work when
// NMPROXY_WAIT_FOR_DEBUGGER is set, so a debugger can attach from the
// first frame. Execution resumes when the debugger continues the
// process.
func waitForDebugger() {
	if os.Getenv("NMPROXY_WAIT_FOR_DEBUGGER") == "" {
		return
	}
	pid := os.Getpid()
	fmt.Fprintf(os.Stderr, "nmproxyd (PID %d) is waiting for a debugger. Use `gdb -p %d` to connect.\n", pid, pid)
	if err := unix.Kill(pid, unix.SIGSTOP); err != nil {
		fmt.Fprintf(os.Stderr, "failed waiting for debugger: %v\n", err)
		os.Exit(1)
	}
}

// notifySystemd reports state to systemd's sd_notify socket. A no-op
// when NOTIFY_SOCKET is unset.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}
	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte(state))
}
