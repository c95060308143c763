// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest locates and validates native messaging host
// manifests on the broker's trusted search paths.
//
// A manifest is a small JSON file, named <host>.json, that a browser
// ecosystem installs into one of a handful of documented directories.
// The broker searches those directories in a fixed trust order:
// per-user directories come before system ones, and the first
// manifest that fully validates wins. Individual candidate files that
// are missing, unreadable, malformed, or structurally invalid are
// logged and skipped; only exhausting every directory surfaces an
// error to the caller.
//
// Host names, manifest fields, and search paths all come from
// untrusted or semi-trusted input, so everything is validated before
// any path is built or any process is spawned: the host name must
// match a strict grammar, the manifest's name must echo the request,
// its type must be "stdio", and its executable path must be absolute.
package manifest
