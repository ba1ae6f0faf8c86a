// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/gridcast/lib/codec"
	"github.com/bureau-foundation/gridcast/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs server in the background until the test ends.
func startServer(t *testing.T, server *SocketServer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "server shutdown"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")
}

func TestSocketServerRoundtrip(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(testutil.SocketDir(t), "inspect.sock")
	server := NewSocketServer(socketPath, testLogger())

	type echoRequest struct {
		Width uint16 `cbor:"width"`
	}
	server.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
		var request echoRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		return map[string]any{"width": request.Width * 2}, nil
	})
	server.Handle("fail", func(ctx context.Context, raw []byte) (any, error) {
		return nil, errors.New("history is empty")
	})
	server.Handle("nothing", func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})
	startServer(t, server)

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("socket mode: got %o, want 600", mode)
	}

	client := NewServiceClient(socketPath)
	ctx := context.Background()

	var result struct {
		Width uint16 `cbor:"width"`
	}
	if err := client.Call(ctx, "echo", map[string]any{"width": 40}, &result); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if result.Width != 80 {
		t.Errorf("echo width: got %d, want 80", result.Width)
	}

	if err := client.Call(ctx, "nothing", nil, nil); err != nil {
		t.Errorf("nothing: %v", err)
	}

	err = client.Call(ctx, "fail", nil, nil)
	var serviceError *ServiceError
	if !errors.As(err, &serviceError) {
		t.Fatalf("fail: got %v, want *ServiceError", err)
	}
	if serviceError.Message != "history is empty" {
		t.Errorf("fail message: got %q", serviceError.Message)
	}

	err = client.Call(ctx, "missing", nil, nil)
	if !errors.As(err, &serviceError) {
		t.Fatalf("missing: got %v, want *ServiceError", err)
	}
}

func TestSocketServerMissingAction(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(testutil.SocketDir(t), "inspect.sock")
	server := NewSocketServer(socketPath, testLogger())
	startServer(t, server)

	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := codec.NewEncoder(conn).Encode(map[string]any{"width": 1}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if response.OK || response.Error != "missing required field: action" {
		t.Errorf("got %+v, want missing action error", response)
	}
}

func TestHandleDuplicatePanics(t *testing.T) {
	t.Parallel()

	server := NewSocketServer("/unused", testLogger())
	server.Handle("stats", func(context.Context, []byte) (any, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Error("expected panic for duplicate handler")
		}
	}()
	server.Handle("stats", func(context.Context, []byte) (any, error) { return nil, nil })
}
