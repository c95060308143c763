// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash provides SHA256 content hashing for binary files.
//
// The broker hashes host executables at spawn time so the audit log
// records exactly which binary served a session, independent of path
// symlinks or later package upgrades. The daemon also logs its own
// binary digest at startup so operators can correlate a running
// instance with a build artifact.
//
// The API surface is three functions:
//
//   - [HashFile] -- streams a file through SHA256, returning a [32]byte
//     digest with constant memory usage regardless of file size
//   - [FormatDigest] -- converts a [32]byte digest to its canonical
//     hex-encoded string representation used in log output
//   - [ParseDigest] -- parses a hex-encoded digest string back to a
//     [32]byte array, validating length and encoding
//
// This package has no dependencies on other NMProxy packages.
package binhash
