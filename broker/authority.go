// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchSocket watches the listen socket's parent directory and
// reports when the socket file is removed, renamed away, or replaced
// by another process binding the same path. The returned channel
// closes at most once; the stop function releases the watcher and may
// be called regardless of whether the channel fired.
//
// This is how broker takeover works without a bus daemon arbitrating
// the name: a new broker started with --replace removes the file and
// binds its own socket, and the incumbent observes the removal and
// shuts down. The directory is watched rather than the file because
// remove and rename events for a path are delivered on its parent.
func watchSocket(socketPath string, logger *slog.Logger) (<-chan struct{}, func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	if err := watcher.Add(filepath.Dir(socketPath)); err != nil {
		watcher.Close()
		return nil, nil, err
	}

	lost := make(chan struct{})
	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != socketPath {
					continue
				}
				// Create fires when a replacement already bound a
				// fresh socket at the path; the removal of ours may
				// have been coalesced away.
				if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) || event.Op.Has(fsnotify.Create) {
					logger.Debug("listen socket changed on disk", "socket", socketPath, "op", event.Op)
					close(lost)
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("socket watcher error", "socket", socketPath, "error", err)
			}
		}
	}()

	return lost, func() { watcher.Close() }, nil
}
