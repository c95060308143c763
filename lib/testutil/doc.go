// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for nmproxy packages.
//
// [SocketDir] creates a temporary directory in /tmp suitable for Unix
// domain sockets. This exists because Unix domain sockets have a
// 108-byte path limit (sun_path in sockaddr_un), and CI systems set
// TMPDIR to deeply nested paths that exceed this limit, making
// t.TempDir() unsuitable for socket files. The directory is
// automatically removed when the test completes.
//
// The Require* helpers wrap channel operations with timeouts so that a
// wedged broker or supervisor goroutine fails a test instead of
// hanging the whole run.
package testutil
