// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*StreamListener)(nil)
	_ Dialer   = (*StreamDialer)(nil)
)

// StreamListener accepts viewer connections on a TCP or Unix socket.
// TCP requires direct reachability between viewer and host; for NAT
// traversal use WebRTCTransport.
type StreamListener struct {
	listener net.Listener
	// socketPath is removed on Close for Unix listeners.
	socketPath string
}

// NewTCPListener listens on address (e.g., ":7891"). Use ":0" for a
// random available port.
func NewTCPListener(address string) (*StreamListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &StreamListener{listener: listener}, nil
}

// NewUnixListener listens on a Unix socket at path, replacing a stale
// socket file. The socket is created with mode 0600: only the host's
// user can view.
func NewUnixListener(path string) (*StreamListener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restricting socket %s: %w", path, err)
	}
	return &StreamListener{listener: listener, socketPath: path}, nil
}

// Serve accepts connections and dispatches them to handler. Blocks
// until ctx is cancelled or Close is called.
func (l *StreamListener) Serve(ctx context.Context, handler Handler) error {
	return serveListener(ctx, l.listener, handler)
}

// Address returns "host:port" for TCP and the socket path for Unix.
func (l *StreamListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the listener.
func (l *StreamListener) Close() error {
	err := l.listener.Close()
	if l.socketPath != "" {
		os.Remove(l.socketPath)
	}
	return err
}

// StreamDialer opens TCP or Unix connections to a host.
type StreamDialer struct {
	// Network is "tcp" or "unix". Empty means "tcp".
	Network string

	// Timeout is the maximum time to wait for a connection to be
	// established. Zero means no standalone timeout; only the context
	// deadline applies.
	Timeout time.Duration
}

// DialContext opens a connection to address.
func (d *StreamDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	network := d.Network
	if network == "" {
		network = "tcp"
	}
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, network, address)
}
