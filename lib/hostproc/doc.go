// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostproc spawns and supervises native messaging host
// processes.
//
// A host is launched with the argument vector its browser ecosystem
// mandates, its three standard streams connected to fresh pipes. The
// broker-side pipe ends are handed to the requesting peer over the
// bus; the child-side ends are closed in the broker immediately after
// the spawn, so stream EOF tracks process lifetime with no broker
// involvement: when the host exits, the peer's reads return EOF, and
// when the peer closes the stdin descriptor, the host sees EOF on
// stdin.
//
// Each host runs in its own process group. Forced termination kills
// the whole group, so a host that shrugged off its closed pipes, or
// that spawned children sharing the descriptors, cannot linger as an
// orphan.
package hostproc
