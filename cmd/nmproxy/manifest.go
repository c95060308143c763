// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/nmproxy-project/nmproxy/cmd/nmproxy/cli"
	"github.com/nmproxy-project/nmproxy/lib/manifest"
)

// manifestParams holds the parameters for the get-manifest command.
type manifestParams struct {
	socket string
	mode   string
}

func manifestCommand() *cli.Command {
	var params manifestParams

	return &cli.Command{
		Name:    "get-manifest",
		Summary: "Resolve and print a host manifest",
		Description: `Ask the broker to resolve a native messaging host manifest by name,
exactly as it would for a browser's start request, and print the raw
manifest JSON.

The broker searches its configured directories in order and returns
the first manifest whose contents validate for the requested name.
The --mode flag selects which browser family's directory list is
searched.`,
		Usage: "nmproxy get-manifest <host> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("get-manifest", pflag.ContinueOnError)
			flagSet.StringVar(&params.socket, "socket", "", "broker socket path")
			flagSet.StringVar(&params.mode, "mode", string(manifest.Chromium), "manifest search list: chromium or mozilla")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one host name, got %d arguments", len(args))
			}
			return runGetManifest(&params, args[0])
		},
	}
}

func runGetManifest(params *manifestParams, name string) error {
	c, err := dialBroker(resolveSocketPath(params.socket))
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	manifestBytes, err := c.GetManifest(ctx, name, params.mode)
	if err != nil {
		return err
	}

	// The manifest is served byte for byte as it sits on disk; it is
	// already JSON, so no re-encoding.
	if _, err := os.Stdout.Write(manifestBytes); err != nil {
		return err
	}
	if len(manifestBytes) > 0 && manifestBytes[len(manifestBytes)-1] != '\n' {
		fmt.Println()
	}
	return nil
}
