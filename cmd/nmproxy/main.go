// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Nmproxy is the operator CLI for the native messaging broker. It
// speaks the broker's socket protocol to inspect running hosts,
// resolve manifests, launch a host from a terminal, and close
// handles.
package main

import (
	"fmt"
	"os"

	"github.com/nmproxy-project/nmproxy/cmd/nmproxy/cli"
	"github.com/nmproxy-project/nmproxy/lib/process"
	"github.com/nmproxy-project/nmproxy/lib/version"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output (like start, which
		// propagates the host's exit status) return an ExitError with
		// the desired exit code. Don't print a redundant "error:"
		// line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}

func run() error {
	return root().Execute(os.Args[1:])
}

// root builds the complete nmproxy CLI command tree.
func root() *cli.Command {
	return &cli.Command{
		Name: "nmproxy",
		Description: `NMProxy: broker for browser native messaging hosts.

Inspect and control a running nmproxyd broker over its Unix socket.
The socket location comes from --socket, then $NMPROXY_SOCKET, then
the standard runtime directory.`,
		Subcommands: []*cli.Command{
			statusCommand(),
			manifestCommand(),
			startCommand(),
			closeCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("nmproxy %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Show broker status and running hosts",
				Command:     "nmproxy status",
			},
			{
				Description: "Resolve a manifest the way a Chromium browser would",
				Command:     "nmproxy get-manifest org.example.host",
			},
			{
				Description: "Run a host against a test origin, bridging its stdio",
				Command:     "nmproxy start org.example.host chrome-extension://knldjmfmopnpolahpmmgbagdohdnhkik/ > frames.bin",
			},
			{
				Description: "Force-close a running host by handle",
				Command:     "nmproxy close /org/freedesktop/nativemessagingproxy/7423986215",
			},
		},
	}
}
