// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string

	root := &Command{
		Name: "nmproxy",
		Subcommands: []*Command{
			{
				Name: "version",
				Run: func(args []string) error {
					called = "version"
					return nil
				},
			},
			{
				Name: "status",
				Run: func(args []string) error {
					called = "status"
					return nil
				},
			},
		},
	}

	if err := root.Execute([]string{"status"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "status" {
		t.Errorf("dispatched to %q, want %q", called, "status")
	}
}

func TestCommand_Execute_PassesRemainingArgs(t *testing.T) {
	var receivedArgs []string

	root := &Command{
		Name: "nmproxy",
		Subcommands: []*Command{
			{
				Name: "get-manifest",
				Run: func(args []string) error {
					receivedArgs = args
					return nil
				},
			},
		},
	}

	if err := root.Execute([]string{"get-manifest", "org.example.host"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if len(receivedArgs) != 1 || receivedArgs[0] != "org.example.host" {
		t.Errorf("args = %v, want [org.example.host]", receivedArgs)
	}
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var socketPath string
	var target string

	command := &Command{
		Name: "get-manifest",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("get-manifest", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", "/default.sock", "socket path")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				target = args[0]
			}
			return nil
		},
	}

	if err := command.Execute([]string{"--socket", "/custom.sock", "org.example.host"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if socketPath != "/custom.sock" {
		t.Errorf("socketPath = %q, want %q", socketPath, "/custom.sock")
	}
	if target != "org.example.host" {
		t.Errorf("target = %q, want %q", target, "org.example.host")
	}
}

func TestCommand_Execute_UnknownFlagSuggestion(t *testing.T) {
	command := &Command{
		Name: "status",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flagSet.Bool("json", false, "output as JSON")
			flagSet.String("socket", "/default.sock", "socket path")
			return flagSet
		},
		Run: func(args []string) error { return nil },
	}

	err := command.Execute([]string{"--sockte"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "did you mean --socket") {
		t.Errorf("error = %q, want suggestion for '--socket'", errStr)
	}
	// Suggestion should be on the same line as the error, not buried.
	if !strings.Contains(errStr, "sockte") {
		t.Errorf("error = %q, should mention the bad flag", errStr)
	}
	// Should include a pointer to --help.
	if !strings.Contains(errStr, "--help") {
		t.Errorf("error = %q, should point to --help", errStr)
	}
}

func TestCommand_Execute_UnknownFlagNoSuggestion(t *testing.T) {
	command := &Command{
		Name: "status",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flagSet.Bool("json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error { return nil },
	}

	err := command.Execute([]string{"--zzzzzzzzz"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %q, should not suggest for distant flag", err.Error())
	}
	if !strings.Contains(err.Error(), "--help") {
		t.Errorf("error = %q, should point to --help", err.Error())
	}
}

func TestCommand_Execute_UnknownSubcommandSuggestion(t *testing.T) {
	root := &Command{
		Name: "nmproxy",
		Subcommands: []*Command{
			{Name: "status"},
			{Name: "start"},
			{Name: "version"},
		},
	}

	err := root.Execute([]string{"statsu"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if !strings.Contains(err.Error(), "did you mean \"status\"") {
		t.Errorf("error = %q, want suggestion for 'status'", err.Error())
	}
}

func TestCommand_Execute_UnknownSubcommandNoSuggestion(t *testing.T) {
	root := &Command{
		Name: "nmproxy",
		Subcommands: []*Command{
			{Name: "status"},
			{Name: "start"},
		},
	}

	err := root.Execute([]string{"zzzzzzz"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %q, should not contain suggestion for distant input", err.Error())
	}
}

func TestCommand_Execute_HelpFlag(t *testing.T) {
	for _, helpArg := range []string{"-h", "--help", "help"} {
		t.Run(helpArg, func(t *testing.T) {
			root := &Command{
				Name:    "nmproxy",
				Summary: "Native messaging broker client",
				Subcommands: []*Command{
					{Name: "status", Summary: "Show broker status"},
				},
			}

			err := root.Execute([]string{helpArg})
			if err != nil {
				t.Errorf("Execute(%q) error: %v", helpArg, err)
			}
		})
	}
}

func TestCommand_Execute_NoArgsShowsHelp(t *testing.T) {
	root := &Command{
		Name: "nmproxy",
		Subcommands: []*Command{
			{Name: "status", Summary: "Show broker status"},
		},
	}

	err := root.Execute([]string{})
	if err == nil {
		t.Fatal("Execute() = nil, want error for missing subcommand")
	}
	if !strings.Contains(err.Error(), "subcommand required") {
		t.Errorf("error = %q, want 'subcommand required'", err.Error())
	}
}

func TestCommand_PrintHelp(t *testing.T) {
	command := &Command{
		Name:        "nmproxy",
		Description: "Client for the native messaging broker.",
		Subcommands: []*Command{
			{Name: "status", Summary: "Show broker status"},
			{Name: "get-manifest", Summary: "Resolve and print a host manifest"},
			{Name: "version", Summary: "Print version information"},
		},
		Examples: []Example{
			{
				Description: "Show running hosts",
				Command:     "nmproxy status",
			},
			{
				Description: "Resolve a manifest the way the broker would",
				Command:     "nmproxy get-manifest org.example.host",
			},
		},
	}

	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	output := buffer.String()

	// Verify structural elements are present.
	for _, want := range []string{
		"Client for the native messaging broker.",
		"Usage:",
		"nmproxy <command> [flags]",
		"Commands:",
		"status",
		"Show broker status",
		"get-manifest",
		"Resolve and print a host manifest",
		"Examples:",
		"nmproxy status",
		"nmproxy get-manifest org.example.host",
		"Run 'nmproxy <command> --help'",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q\n\nFull output:\n%s", want, output)
		}
	}
}

func TestCommand_PrintHelp_WithFlags(t *testing.T) {
	command := &Command{
		Name:    "get-manifest",
		Summary: "Resolve and print a host manifest",
		Usage:   "nmproxy get-manifest <host> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("get-manifest", pflag.ContinueOnError)
			flagSet.String("socket", "/run/nmproxy/broker.sock", "broker socket path")
			flagSet.String("mode", "chromium", "manifest search mode")
			return flagSet
		},
	}

	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	output := buffer.String()

	for _, want := range []string{
		"nmproxy get-manifest <host> [flags]",
		"Flags:",
		"socket",
		"mode",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q\n\nFull output:\n%s", want, output)
		}
	}
}

func TestCommand_FullName(t *testing.T) {
	root := &Command{Name: "nmproxy"}
	manifest := &Command{Name: "get-manifest", parent: root}

	if got := root.fullName(); got != "nmproxy" {
		t.Errorf("root.fullName() = %q, want %q", got, "nmproxy")
	}
	if got := manifest.fullName(); got != "nmproxy get-manifest" {
		t.Errorf("manifest.fullName() = %q, want %q", got, "nmproxy get-manifest")
	}
}
