// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
)

// Handler runs one viewer connection. It owns connection and must
// close it before returning. ctx is cancelled when the listener stops.
type Handler func(ctx context.Context, connection net.Conn)

// Listener accepts inbound viewer connections.
type Listener interface {
	// Serve accepts connections and runs handler for each one in its
	// own goroutine. Blocks until ctx is cancelled or Close is called,
	// then waits for running handlers. Returns nil on clean shutdown.
	Serve(ctx context.Context, handler Handler) error

	// Address returns the address viewers dial. The format is
	// transport-specific: "host:port" for TCP, a socket path for
	// Unix, a peer name for WebRTC.
	Address() string

	// Close shuts down the listener.
	Close() error
}

// Dialer opens connections to a session host.
type Dialer interface {
	// DialContext opens a connection to the host at address, in the
	// format the host's Listener.Address returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// serveListener accepts from listener and runs handler per connection
// until ctx is done or listener is closed.
func serveListener(ctx context.Context, listener net.Listener, handler Handler) error {
	connectionContext, cancel := context.WithCancel(ctx)
	var handlers sync.WaitGroup
	defer func() {
		cancel()
		handlers.Wait()
	}()

	go func() {
		<-connectionContext.Done()
		listener.Close()
	}()

	for {
		connection, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			handler(connectionContext, connection)
		}()
	}
}

// chanListener implements net.Listener by reading connections from a
// channel. Close stops Accept without affecting the producer; closed
// signals that the producer has shut down.
type chanListener struct {
	connections <-chan net.Conn
	closed      <-chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	address     net.Addr
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case conn, ok := <-l.connections:
		if !ok {
			return nil, net.ErrClosed
		}
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *chanListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *chanListener) Addr() net.Addr {
	return l.address
}
