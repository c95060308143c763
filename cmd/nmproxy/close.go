// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/nmproxy-project/nmproxy/cmd/nmproxy/cli"
)

func closeCommand() *cli.Command {
	var socketPath string

	return &cli.Command{
		Name:    "close",
		Summary: "Force-close a running host by handle",
		Description: `Close a host handle on the broker. If the host process is still
running the broker kills it, delivers the closed signal to the peer
that started it, and releases the handle.

Closing a handle that no longer exists succeeds; close is the cleanup
path and cleanup must never fail for being late.`,
		Usage: "nmproxy close <handle> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("close", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "", "broker socket path")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one handle, got %d arguments", len(args))
			}
			return runClose(socketPath, args[0])
		},
	}
}

func runClose(socketPath, handle string) error {
	c, err := dialBroker(resolveSocketPath(socketPath))
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	return c.CloseHost(ctx, handle)
}
