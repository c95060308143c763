// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package client provides a typed client for the broker's Unix
// socket protocol. Browser-side transports and the nmproxy CLI use
// it instead of assembling frames by hand.
//
// A Client owns one connection, and the connection is what the
// broker scopes host lifetimes to: hosts started through a Client
// are force-terminated when the Client closes or its process dies.
// Calls may be issued concurrently; replies are matched by serial.
// "closed" signals arrive on the channel returned by ClosedSignals.
package client
