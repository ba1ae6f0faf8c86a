// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPath is the HTTP path a WebSocketListener upgrades.
const WebSocketPath = "/view"

const webSocketHandshakeTimeout = 10 * time.Second

// WebSocketListener accepts viewers as WebSocket connections on an
// HTTP server. The viewer byte stream travels in binary messages;
// message boundaries carry no meaning.
type WebSocketListener struct {
	listener    net.Listener
	server      *http.Server
	upgrader    websocket.Upgrader
	connections chan net.Conn
	closed      chan struct{}
	closeOnce   sync.Once
	logger      *slog.Logger
}

// NewWebSocketListener listens on the TCP address and upgrades
// requests for WebSocketPath.
func NewWebSocketListener(address string, logger *slog.Logger) (*WebSocketListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	l := &WebSocketListener{
		listener:    listener,
		upgrader:    websocket.Upgrader{ReadBufferSize: 16 * 1024, WriteBufferSize: 16 * 1024},
		connections: make(chan net.Conn),
		closed:      make(chan struct{}),
		logger:      logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, l.upgrade)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: webSocketHandshakeTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return l, nil
}

// Serve implements Listener.
func (l *WebSocketListener) Serve(ctx context.Context, handler Handler) error {
	served := make(chan error, 1)
	go func() {
		err := l.server.Serve(l.listener)
		if !errors.Is(err, http.ErrServerClosed) {
			l.Close()
		}
		served <- err
	}()

	err := serveListener(ctx, &chanListener{
		connections: l.connections,
		closed:      l.closed,
		done:        make(chan struct{}),
		address:     l.listener.Addr(),
	}, handler)
	l.Close()
	if serveErr := <-served; err == nil && !errors.Is(serveErr, http.ErrServerClosed) {
		err = serveErr
	}
	return err
}

func (l *WebSocketListener) upgrade(w http.ResponseWriter, r *http.Request) {
	socket, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered with an HTTP error.
		l.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	connection := newWebSocketConn(socket)
	select {
	case l.connections <- connection:
	case <-l.closed:
		connection.Close()
	}
}

// Address returns host:port. Viewers may dial it directly or as a
// ws:// URL.
func (l *WebSocketListener) Address() string {
	return l.listener.Addr().String()
}

// Close stops the HTTP server. Established connections are owned by
// their handlers.
func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.server.Close()
	})
	return nil
}

// WebSocketDialer connects to a WebSocketListener.
type WebSocketDialer struct {
	// Timeout bounds the handshake. Zero means 10 seconds.
	Timeout time.Duration
}

// DialContext accepts a ws:// or wss:// URL, or a host:port that is
// dialed as ws://host:port/view.
func (d *WebSocketDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	url := address
	if !strings.Contains(address, "://") {
		url = "ws://" + address + WebSocketPath
	}
	timeout := d.Timeout
	if timeout == 0 {
		timeout = webSocketHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	socket, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return newWebSocketConn(socket), nil
}

// webSocketConn adapts a WebSocket to net.Conn. Each Write is one
// binary message; Read concatenates binary messages and skips text
// messages.
type webSocketConn struct {
	socket *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWebSocketConn(socket *websocket.Conn) *webSocketConn {
	return &webSocketConn{socket: socket}
}

func (c *webSocketConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.reader == nil {
			messageType, reader, err := c.socket.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = reader
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *webSocketConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.socket.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame, best effort, and closes the socket.
func (c *webSocketConn) Close() error {
	c.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.socket.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		c.closeErr = c.socket.Close()
	})
	return c.closeErr
}

func (c *webSocketConn) LocalAddr() net.Addr  { return c.socket.LocalAddr() }
func (c *webSocketConn) RemoteAddr() net.Addr { return c.socket.RemoteAddr() }

func (c *webSocketConn) SetDeadline(t time.Time) error {
	if err := c.socket.SetReadDeadline(t); err != nil {
		return err
	}
	return c.socket.SetWriteDeadline(t)
}

func (c *webSocketConn) SetReadDeadline(t time.Time) error  { return c.socket.SetReadDeadline(t) }
func (c *webSocketConn) SetWriteDeadline(t time.Time) error { return c.socket.SetWriteDeadline(t) }
