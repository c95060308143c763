// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/nmproxy-project/nmproxy/cmd/nmproxy/cli"
)

// statusParams holds the parameters for the status command.
type statusParams struct {
	socket string
	json   bool
}

func statusCommand() *cli.Command {
	var params statusParams

	return &cli.Command{
		Name:    "status",
		Summary: "Show broker status and running hosts",
		Description: `Show the broker's version, socket, connected peers, and every
native messaging host it is currently running.`,
		Usage: "nmproxy status [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flagSet.StringVar(&params.socket, "socket", "", "broker socket path")
			flagSet.BoolVar(&params.json, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			return runStatus(&params)
		},
	}
}

func runStatus(params *statusParams) error {
	c, err := dialBroker(resolveSocketPath(params.socket))
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	reply, err := c.Status(ctx)
	if err != nil {
		return err
	}

	if params.json {
		return cli.WriteJSON(reply)
	}

	fmt.Printf("Broker:  nmproxyd %s\n", reply.Version)
	fmt.Printf("Socket:  %s\n", reply.Socket)
	fmt.Printf("Started: %s\n", time.Unix(reply.StartedAt, 0).Format(time.RFC3339))
	fmt.Printf("Peers:   %d\n", reply.Peers)

	if len(reply.Hosts) == 0 {
		fmt.Println("\nNo hosts running.")
		return nil
	}

	fmt.Println()
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "HANDLE\tHOST\tMODE\tPID\tPEER\tORIGIN")
	for _, host := range reply.Hosts {
		origin := host.Extension
		if origin == "" {
			origin = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\n",
			host.Handle, host.Name, host.Mode, host.PID, host.Peer, origin)
	}
	writer.Flush()

	return nil
}
