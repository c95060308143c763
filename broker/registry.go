// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nmproxy-project/nmproxy/lib/hostproc"
)

// supervisedHost ties a running host process to the session that
// started it. cancel fires the host's close path; the supervisor
// goroutine observes it and runs finish. All fields are set before
// the host is registered and never change afterwards, except id,
// which register assigns.
type supervisedHost struct {
	id        uint64
	host      *hostproc.Host
	owner     *session
	name      string // host name the manifest resolved
	extension string
	mode      string
	cancel    context.CancelFunc

	// finishOnce guards the teardown sequence: force-kill, closed
	// signal, handle release. Exactly one of the supervisor paths
	// runs it.
	finishOnce sync.Once
}

// handleRegistry maps random handle identifiers to running hosts.
type handleRegistry struct {
	mu    sync.Mutex
	hosts map[uint64]*supervisedHost
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{hosts: make(map[uint64]*supervisedHost)}
}

// register stores the host under a fresh random identifier and
// returns it. On the unlikely collision with a live handle a new
// identifier is drawn.
func (r *handleRegistry) register(sh *supervisedHost) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id, err := randomHandleID()
		if err != nil {
			return 0, err
		}
		if _, taken := r.hosts[id]; taken {
			continue
		}
		sh.id = id
		r.hosts[id] = sh
		return id, nil
	}
}

// cancel fires the close path for a handle. Unknown identifiers are a
// no-op: when a close races a natural exit, the handle may already be
// released and there is nothing left to do.
func (r *handleRegistry) cancel(id uint64) {
	r.mu.Lock()
	sh, ok := r.hosts[id]
	r.mu.Unlock()
	if ok {
		sh.cancel()
	}
}

// cancelAll fires the close path for every registered handle.
func (r *handleRegistry) cancelAll() {
	r.mu.Lock()
	hosts := make([]*supervisedHost, 0, len(r.hosts))
	for _, sh := range r.hosts {
		hosts = append(hosts, sh)
	}
	r.mu.Unlock()

	for _, sh := range hosts {
		sh.cancel()
	}
}

// unregister removes a handle. Idempotent; the identifier is not
// reused while any other live handle holds it, since new identifiers
// are checked against the map.
func (r *handleRegistry) unregister(id uint64) {
	r.mu.Lock()
	delete(r.hosts, id)
	r.mu.Unlock()
}

// snapshot returns the currently registered hosts in no particular
// order.
func (r *handleRegistry) snapshot() []*supervisedHost {
	r.mu.Lock()
	defer r.mu.Unlock()
	hosts := make([]*supervisedHost, 0, len(r.hosts))
	for _, sh := range r.hosts {
		hosts = append(hosts, sh)
	}
	return hosts
}

// randomHandleID draws a 64-bit handle identifier from the system
// CSPRNG. Handles are capabilities of a sort (any peer may close
// them), so they must not be guessable from prior handles.
func randomHandleID() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("reading random handle id: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
