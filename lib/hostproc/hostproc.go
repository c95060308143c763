// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package hostproc

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nmproxy-project/nmproxy/lib/binhash"
	"github.com/nmproxy-project/nmproxy/lib/manifest"
)

// Spec describes one host launch.
type Spec struct {
	// Executable is the host binary, taken from the manifest's path
	// field. Already validated to be absolute.
	Executable string

	// ManifestPath is the absolute path of the manifest file that
	// resolved the host. Mozilla hosts receive it as their first
	// argument.
	ManifestPath string

	// Origin identifies the caller to the host: a
	// chrome-extension:// origin for Chromium, an extension ID for
	// Mozilla.
	Origin string

	// Ecosystem selects the invocation convention.
	Ecosystem manifest.Ecosystem
}

// Argv returns the ecosystem-mandated argument vector. Chromium hosts
// are invoked as [path, origin]; Mozilla hosts as
// [path, manifestPath, origin].
func (s *Spec) Argv() []string {
	if s.Ecosystem == manifest.Chromium {
		return []string{s.Executable, s.Origin}
	}
	return []string{s.Executable, s.ManifestPath, s.Origin}
}

// Host is a running native messaging host process.
type Host struct {
	spec       Spec
	cmd        *exec.Cmd
	logger     *slog.Logger
	startedAt  time.Time
	binaryHash string

	// Broker-side pipe ends, handed to the peer as raw descriptors
	// and then closed via CloseStdio.
	stdin  *os.File // write end of the host's stdin
	stdout *os.File // read end of the host's stdout
	stderr *os.File // read end of the host's stderr

	done       chan struct{} // closed once the process is reaped
	exitCode   int           // set before done is closed; -1 when unclassifiable
	signaled   bool          // set before done is closed
	exitSignal int           // set before done is closed, valid when signaled

	killOnce  sync.Once
	stdioOnce sync.Once
}

// Launch validates the executable, spawns it with the ecosystem's
// argument vector, and starts the reaper. The returned Host's stdio
// descriptors belong to the caller until CloseStdio; the process
// itself runs until it exits or ForceKill fires.
func Launch(logger *slog.Logger, spec Spec) (*Host, error) {
	if err := validateExecutable(spec.Executable); err != nil {
		return nil, fmt.Errorf("host executable: %w", err)
	}

	// The digest ties the audit log to the binary content actually
	// served, independent of later package upgrades.
	binaryHash := ""
	if digest, err := binhash.HashFile(spec.Executable); err == nil {
		binaryHash = binhash.FormatDigest(digest)
	}

	stdinRead, stdinWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		stdinRead.Close()
		stdinWrite.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrRead, stderrWrite, err := os.Pipe()
	if err != nil {
		stdinRead.Close()
		stdinWrite.Close()
		stdoutRead.Close()
		stdoutWrite.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	argv := spec.Argv()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = stdinRead
	cmd.Stdout = stdoutWrite
	cmd.Stderr = stderrWrite
	// Own process group so forced termination reaches the host and
	// any children it spawned (negative PID = the whole group).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdinRead.Close()
		stdinWrite.Close()
		stdoutRead.Close()
		stdoutWrite.Close()
		stderrRead.Close()
		stderrWrite.Close()
		return nil, fmt.Errorf("spawning %s: %w", argv[0], err)
	}

	// The child holds its own copies of these three ends now.
	// Closing ours makes pipe EOF track the child's lifetime.
	stdinRead.Close()
	stdoutWrite.Close()
	stderrWrite.Close()

	host := &Host{
		spec:       spec,
		cmd:        cmd,
		logger:     logger,
		startedAt:  time.Now(),
		binaryHash: binaryHash,
		stdin:      stdinWrite,
		stdout:     stdoutRead,
		stderr:     stderrRead,
		done:       make(chan struct{}),
	}

	logger.Info("native messaging host started",
		"executable", spec.Executable,
		"pid", cmd.Process.Pid,
		"ecosystem", spec.Ecosystem,
		"sha256", binaryHash)

	go host.reap()
	return host, nil
}

// reap waits for the process and records how it terminated. The exit
// fields are set before done is closed, so any reader of Done may
// read them without further synchronization.
func (h *Host) reap() {
	waitErr := h.cmd.Wait()

	var exitError *exec.ExitError
	switch {
	case waitErr == nil:
		h.exitCode = 0
	case errors.As(waitErr, &exitError):
		status := exitError.Sys().(syscall.WaitStatus)
		if status.Signaled() {
			h.signaled = true
			h.exitSignal = int(status.Signal())
		} else {
			h.exitCode = status.ExitStatus()
		}
	default:
		h.logger.Warn("waiting for host failed",
			"executable", h.spec.Executable,
			"pid", h.cmd.Process.Pid,
			"error", waitErr)
		h.exitCode = -1
	}
	close(h.done)

	h.logger.Debug("native messaging host terminated",
		"executable", h.spec.Executable,
		"pid", h.cmd.Process.Pid,
		"exit_code", h.exitCode,
		"signaled", h.signaled)
}

// Done is closed once the host process has been reaped.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// ExitStatus returns the host's exit code. ok is false when the host
// was terminated by a signal instead. Valid only after Done is
// closed.
func (h *Host) ExitStatus() (code int, ok bool) {
	if h.signaled {
		return 0, false
	}
	return h.exitCode, true
}

// ExitSignal returns the signal that terminated the host. ok is false
// when the host exited on its own. Valid only after Done is closed.
func (h *Host) ExitSignal() (signal int, ok bool) {
	if !h.signaled {
		return 0, false
	}
	return h.exitSignal, true
}

// PID returns the host's process ID.
func (h *Host) PID() int {
	return h.cmd.Process.Pid
}

// StartedAt returns the host's launch time.
func (h *Host) StartedAt() time.Time {
	return h.startedAt
}

// BinaryHash returns the hex SHA256 of the host executable, or ""
// when hashing failed at launch.
func (h *Host) BinaryHash() string {
	return h.binaryHash
}

// Stdio returns the broker-side pipe ends: the write end of the
// host's stdin and the read ends of its stdout and stderr. Ownership
// stays with the Host; use CloseStdio once the descriptors have been
// handed off.
func (h *Host) Stdio() (stdin, stdout, stderr *os.File) {
	return h.stdin, h.stdout, h.stderr
}

// CloseStdio closes the broker-side pipe ends. Called after the
// descriptors have been duplicated to the peer (or after a failed
// reply), leaving the peer's copies as the only live ends.
// Subsequent calls are no-ops.
func (h *Host) CloseStdio() {
	h.stdioOnce.Do(func() {
		h.stdin.Close()
		h.stdout.Close()
		h.stderr.Close()
	})
}

// ForceKill terminates the host's process group with SIGKILL. No-op
// if the group is already gone; safe to call unconditionally during
// cleanup and safe to call more than once.
func (h *Host) ForceKill() {
	h.killOnce.Do(func() {
		processGroupID := -h.cmd.Process.Pid
		if err := syscall.Kill(processGroupID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			h.logger.Warn("killing host process group failed",
				"pid", h.cmd.Process.Pid, "error", err)
			// Fall back to the single process.
			_ = h.cmd.Process.Kill()
		}
	})
}

// validateExecutable rejects paths that cannot possibly exec before
// any pipes or process slots are spent on them.
func validateExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%q is not a regular file (mode %s)", path, info.Mode())
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("%q is not executable (mode %s)", path, info.Mode())
	}
	return nil
}
