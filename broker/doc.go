// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the native messaging proxy daemon: a
// per-user service that resolves native messaging host manifests and
// launches host processes on behalf of browsers that cannot do so
// themselves.
//
// A sandboxed browser (Flatpak, Snap, or similar) has no way to exec
// host binaries that live outside its sandbox. Instead it connects to
// the broker socket, resolves manifests with "get-manifest", and
// launches hosts with "start". The broker spawns the host on the
// browser's behalf and passes the three stdio pipe ends back as
// SCM_RIGHTS descriptors on the reply datagram, so the native
// messaging byte stream flows directly between browser and host with
// no broker in the data path.
//
// Lifetimes are strictly coupled. Every running host belongs to the
// peer session that started it: when that peer calls "close", when
// its connection drops, or when the broker shuts down, the host's
// whole process group is killed and a "closed" signal reports how the
// process terminated. A host exiting on its own triggers the same
// teardown; a nonzero exit code is reported, not treated as an error.
//
// [Broker] is the daemon core: [Broker.Start] binds the listen
// socket, [Broker.Serve] accepts sessions until the context ends or
// another broker takes over the socket. Each session performs a
// "hello" handshake that assigns it a unique peer name of the form
// ":1.N"; all further calls on the connection run concurrently and
// share the session's lifetime.
//
// Wire types, method names, and error names live in [lib/wire];
// manifest resolution in [lib/manifest]; process supervision in
// [lib/hostproc]. This package glues them to the socket.
package broker
