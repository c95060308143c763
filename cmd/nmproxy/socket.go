// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/nmproxy-project/nmproxy/lib/client"
	"github.com/nmproxy-project/nmproxy/lib/config"
)

// callTimeout bounds a single request/reply exchange with the broker.
// Everything the CLI does is local socket traffic plus at most one
// process spawn, so ten seconds means something is wrong.
const callTimeout = 10 * time.Second

// resolveSocketPath returns the broker socket path for a command. An
// explicit --socket flag wins, then NMPROXY_SOCKET, then the standard
// location under the user's runtime directory.
func resolveSocketPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(config.EnvSocket); path != "" {
		return path
	}
	return config.DefaultSocketPath()
}

// dialBroker connects to the broker and performs the handshake. A
// failure here almost always means the daemon is not running, so the
// error says so.
func dialBroker(socketPath string) (*client.Client, error) {
	c, err := client.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker at %s (is nmproxyd running?): %w", socketPath, err)
	}
	return c, nil
}
