// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/nmproxy-project/nmproxy/cmd/nmproxy/cli"
	"github.com/nmproxy-project/nmproxy/lib/manifest"
	"github.com/nmproxy-project/nmproxy/lib/wire"
)

// startParams holds the parameters for the start command.
type startParams struct {
	socket string
	mode   string
}

func startCommand() *cli.Command {
	var params startParams

	return &cli.Command{
		Name:    "start",
		Summary: "Start a host and bridge its stdio to this terminal",
		Description: `Start a native messaging host through the broker and bridge its
stdin, stdout, and stderr to this process. The command exits when the
host does, propagating the host's exit status; Ctrl-C closes the
handle, which kills the host.

Host stdout is the length-prefixed binary native messaging stream, so
the command refuses to run with stdout on a terminal. Redirect it.`,
		Usage: "nmproxy start <host> <origin> [flags]",
		Examples: []cli.Example{
			{
				Description: "Capture a host's messaging frames for inspection",
				Command:     "nmproxy start org.example.host chrome-extension://knldjmfmopnpolahpmmgbagdohdnhkik/ > frames.bin",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("start", pflag.ContinueOnError)
			flagSet.StringVar(&params.socket, "socket", "", "broker socket path")
			flagSet.StringVar(&params.mode, "mode", string(manifest.Chromium), "manifest search list and argv convention: chromium or mozilla")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <host> and <origin>, got %d arguments", len(args))
			}
			return runStart(&params, args[0], args[1])
		},
	}
}

func runStart(params *startParams, name, origin string) error {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("refusing to write the host's binary stdout to a terminal; redirect it (e.g. > frames.bin)")
	}

	c, err := dialBroker(resolveSocketPath(params.socket))
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	started, err := c.Start(ctx, wire.StartCall{Name: name, Extension: origin, Mode: params.mode})
	cancel()
	if err != nil {
		return err
	}

	logger := cli.NewCommandLogger().With("command", "start", "host", name)
	logger.Info("host started", "handle", started.Handle, "peer", c.Peer())

	// Pump the host's stdio. Only the output pumps are joined before
	// exit: the stdin pump may sit in a read of local stdin forever
	// (a terminal with no input) and the process exiting reclaims it.
	var outputs sync.WaitGroup
	outputs.Add(2)
	go func() {
		defer outputs.Done()
		io.Copy(os.Stdout, started.Stdout)
	}()
	go func() {
		defer outputs.Done()
		io.Copy(os.Stderr, started.Stderr)
	}()
	go func() {
		// Local EOF closes the host's stdin so the host sees the
		// stream end. A write failure means the host already exited.
		io.Copy(started.Stdin, os.Stdin)
		started.Stdin.Close()
	}()

	// Ctrl-C closes the handle. The broker kills the host and the
	// closed signal below carries the terminating signal, so the
	// loop keeps waiting for it rather than returning here.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	for {
		select {
		case <-interrupt:
			signal.Stop(interrupt)
			closeCtx, closeCancel := context.WithTimeout(context.Background(), callTimeout)
			err := c.CloseHost(closeCtx, started.Handle)
			closeCancel()
			if err != nil {
				return fmt.Errorf("closing host after interrupt: %w", err)
			}
		case closed, ok := <-c.ClosedSignals():
			if !ok {
				return errors.New("connection to broker lost")
			}
			if closed.Handle != started.Handle {
				continue
			}
			outputs.Wait()
			return hostExitError(logger, closed)
		}
	}
}

// hostExitError converts a closed signal into the CLI's exit status:
// nil for a clean exit, the host's own code for a nonzero exit, and
// the shell convention of 128 plus the signal number when the host
// died by signal.
func hostExitError(logger *slog.Logger, closed *wire.ClosedSignal) error {
	if status, ok := closed.ExitStatus(); ok {
		if status == 0 {
			return nil
		}
		logger.Info("host exited", "status", status)
		return &cli.ExitError{Code: status}
	}
	if sig, ok := closed.Signal(); ok {
		logger.Info("host killed", "signal", sig)
		return &cli.ExitError{Code: 128 + sig}
	}
	return nil
}
