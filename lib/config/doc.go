// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the nmproxy
// daemon.
//
// Configuration is loaded from a single file specified by either the
// NMPROXY_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. Unlike most daemons the file itself
// is optional: every field has a working default, and a standard
// installation runs with no file at all.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${XDG_RUNTIME_DIR}, and ${VAR:-default} patterns are
// expanded.
//
// The XNMP_HOST_LOCATIONS environment variable is not read at load
// time. It is applied by [Config.EffectiveSearchPaths], where it
// replaces the manifest search lists of both browser ecosystems,
// including when set to the empty string (search nowhere).
//
// Key exports:
//
//   - [Config] -- socket path, log level, manifest search overrides
//   - [Default] -- returns a Config with working defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends only on [lib/manifest] for the built-in search
// lists and [lib/wire] for the service name.
package config
