// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package fdpass implements the broker's datagram transport: CBOR
// frames over a SOCK_SEQPACKET Unix socket, with file descriptors
// carried as SCM_RIGHTS ancillary data.
//
// SOCK_SEQPACKET is what makes descriptor passing unambiguous. The
// socket preserves message boundaries, so one ReadFrame call receives
// exactly one frame, and the kernel attaches ancillary data to the
// datagram it was sent with. A stream socket would need explicit
// length framing, and a descriptor arriving mid-stream could attach
// to whichever read happened to consume that byte range.
//
// Descriptor ownership follows the sendmsg contract: the kernel
// duplicates descriptors into the in-flight datagram, so the sender
// may close its copies as soon as WriteFrame returns, and the
// receiver owns the copies ReadFrame yields. Received descriptors
// have close-on-exec set.
package fdpass
