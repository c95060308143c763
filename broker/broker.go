// Copyright 2026 The NMProxy Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nmproxy-project/nmproxy/lib/fdpass"
	"github.com/nmproxy-project/nmproxy/lib/manifest"
	"github.com/nmproxy-project/nmproxy/lib/wire"
)

// Broker owns the listen socket and the full set of live sessions and
// host processes. Immutable-after-Start fields (socketPath, resolver,
// version, listener, startedAt) are set before Serve runs and are
// safe to read without the lock; mu guards the session map and the
// peer name counter. Host handles have their own lock inside
// handleRegistry.
type Broker struct {
	socketPath string
	resolver   *manifest.Resolver
	logger     *slog.Logger
	version    string
	startedAt  time.Time

	listener   *fdpass.Listener
	socketInfo os.FileInfo
	nameLost   <-chan struct{}
	stopWatch  func()

	handles *handleRegistry

	// wg tracks session and request goroutines. Serve waits for it
	// after the listener closes, so shutdown does not return until
	// every host supervisor has finished its teardown.
	wg sync.WaitGroup

	mu         sync.Mutex
	sessions   map[string]*session
	peerSerial uint64
}

// Config configures a Broker.
type Config struct {
	// SocketPath is where the broker listens. The parent directory is
	// created if missing.
	SocketPath string

	// Resolver locates host manifests. Required.
	Resolver *manifest.Resolver

	// Logger receives broker logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Version is the build version reported by the "status" method.
	Version string
}

// New creates a Broker. The socket is not bound until Start.
func New(config Config) (*Broker, error) {
	if config.SocketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	if config.Resolver == nil {
		return nil, fmt.Errorf("manifest resolver is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Broker{
		socketPath: config.SocketPath,
		resolver:   config.Resolver,
		logger:     logger,
		version:    config.Version,
		handles:    newHandleRegistry(),
		sessions:   make(map[string]*session),
	}, nil
}

// Start binds the listen socket and installs the takeover watcher.
//
// A leftover socket file from a crashed broker is removed and
// rebound. When a running broker already owns the file, Start fails
// unless replace is set; with replace the file is removed out from
// under the incumbent, which notices via its own watcher and shuts
// down cleanly. This mirrors bus-name takeover: at most one broker
// serves the name at a time.
func (b *Broker) Start(replace bool) error {
	if err := os.MkdirAll(filepath.Dir(b.socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	if _, err := os.Stat(b.socketPath); err == nil {
		if !replace && socketAlive(b.socketPath) {
			return fmt.Errorf("socket %s is owned by a running broker (use --replace to take over)", b.socketPath)
		}
		if err := os.Remove(b.socketPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing existing socket: %w", err)
		}
	}

	listener, err := fdpass.Listen(b.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", b.socketPath, err)
	}

	// The broker trusts every peer on the socket, so only the owning
	// user may connect.
	if err := os.Chmod(b.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	// Remember which inode we bound so shutdown removes only our own
	// socket file, never a successor's.
	socketInfo, err := os.Stat(b.socketPath)
	if err != nil {
		listener.Close()
		os.Remove(b.socketPath)
		return fmt.Errorf("statting bound socket: %w", err)
	}

	lost, stopWatch, err := watchSocket(b.socketPath, b.logger)
	if err != nil {
		listener.Close()
		os.Remove(b.socketPath)
		return fmt.Errorf("watching socket for takeover: %w", err)
	}

	b.listener = listener
	b.socketInfo = socketInfo
	b.nameLost = lost
	b.stopWatch = stopWatch
	b.startedAt = time.Now()

	b.logger.Info("broker listening", "socket", b.socketPath, "version", b.version)
	return nil
}

// socketAlive reports whether something is accepting connections on
// path. A stale socket file refuses the connection.
func socketAlive(path string) bool {
	conn, err := fdpass.Dial(path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Serve accepts sessions until ctx is cancelled or another broker
// takes over the socket, then force-kills every running host, waits
// for their teardown, and returns.
func (b *Broker) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.nameLost:
			b.logger.Info("listen socket taken over, shutting down", "socket", b.socketPath)
			cancel()
		}
		b.listener.Close()
	}()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				b.shutdown()
				return nil
			default:
			}
			b.logger.Error("accept error", "error", err)
			continue
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serveSession(ctx, conn)
		}()
	}
}

// shutdown runs after the serve context is cancelled and the listener
// is closed. Sessions observe the cancelled context and close their
// connections; host supervisors observe it and tear their hosts down.
// cancelAll additionally fires the close path for any handle whose
// supervisor has not reached its select yet.
func (b *Broker) shutdown() {
	b.stopWatch()
	b.handles.cancelAll()
	b.wg.Wait()

	// After a takeover the path belongs to the successor; remove the
	// file only while it is still the one we bound.
	if info, err := os.Stat(b.socketPath); err == nil && os.SameFile(info, b.socketInfo) {
		os.Remove(b.socketPath)
	}
	b.logger.Info("broker stopped", "socket", b.socketPath)
}

// SocketPath returns the path of the listen socket.
func (b *Broker) SocketPath() string {
	return b.socketPath
}

// registerSession assigns the next unique peer name and records the
// session under it.
func (b *Broker) registerSession(s *session) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peerSerial++
	name := fmt.Sprintf(":1.%d", b.peerSerial)
	b.sessions[name] = s
	return name
}

// unregisterSession removes a session from the peer table. Sessions
// that never completed hello have no name and nothing to remove.
func (b *Broker) unregisterSession(s *session) {
	name := s.peerName()
	if name == "" {
		return
	}
	b.mu.Lock()
	delete(b.sessions, name)
	b.mu.Unlock()
}

// statusReply assembles the reply for the "status" method.
func (b *Broker) statusReply() *wire.StatusReply {
	b.mu.Lock()
	peers := len(b.sessions)
	b.mu.Unlock()

	reply := &wire.StatusReply{
		Version:   b.version,
		Socket:    b.socketPath,
		StartedAt: b.startedAt.Unix(),
		Peers:     peers,
	}
	for _, sh := range b.handles.snapshot() {
		reply.Hosts = append(reply.Hosts, wire.HostStatus{
			Handle:    wire.FormatHandle(sh.id),
			Name:      sh.name,
			Extension: sh.extension,
			Mode:      sh.mode,
			PID:       sh.host.PID(),
			Peer:      sh.owner.peerName(),
			StartedAt: sh.host.StartedAt().Unix(),
		})
	}
	return reply
}
