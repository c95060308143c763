// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the nmproxy CLI.
//
// The central type is [Command], which represents a named subcommand with
// optional nested [Command.Subcommands], a [pflag.FlagSet] factory, and a
// Run function. Commands are assembled into a tree in cmd/nmproxy/main.go
// and dispatched via [Command.Execute], which handles flag parsing,
// subcommand routing, and structured help output with examples.
//
// When a user types an unknown subcommand or flag, the framework computes
// Levenshtein edit distance against all known names and suggests the
// closest match (threshold: distance <= 3). This is implemented in
// suggest.go.
//
// Commands that have already written their own output return [ExitError]
// to set the process exit code without an extra "error:" line; the start
// command uses this to propagate the host's exit status to the shell.
package cli
