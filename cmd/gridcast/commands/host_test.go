// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/muesli/termenv"

	"github.com/bureau-foundation/gridcast/lib/config"
	"github.com/bureau-foundation/gridcast/lib/testutil"
	"github.com/bureau-foundation/gridcast/transport"
)

func hostConfig(t *testing.T) *config.Config {
	t.Helper()
	directory := testutil.SocketDir(t)
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.Session.Width = 40
	cfg.Session.Height = 5
	cfg.Transport.Kind = "unix"
	cfg.Transport.Address = filepath.Join(directory, "view.sock")
	cfg.Inspect.SocketPath = filepath.Join(directory, "inspect.sock")
	return cfg
}

func TestRunHostServesViewers(t *testing.T) {
	t.Parallel()

	cfg := hostConfig(t)

	input, feed := io.Pipe()
	hosted := make(chan error, 1)
	go func() {
		hosted <- runHost(context.Background(), cfg, hostOptions{exitOnEOF: true}, input, io.Discard)
	}()

	// The input reader starts after the listener is open.
	if _, err := io.WriteString(feed, "hello from the host\n"); err != nil {
		t.Fatalf("writing input: %v", err)
	}

	connection, err := (&transport.StreamDialer{Network: "unix"}).DialContext(context.Background(), cfg.Transport.Address)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	output := newWatchedBuffer()
	watched := make(chan error, 1)
	go func() {
		options := watchOptions{subscribe: realtime(40, 5), profile: termenv.Ascii}
		watched <- runWatch(context.Background(), connection, options, output, testLogger())
	}()
	output.waitFor(t, "hello from the host")

	feed.Close()
	if err := testutil.RequireReceive(t, hosted, 5*time.Second, "waiting for host to exit"); err != nil {
		t.Fatalf("runHost: %v", err)
	}
	if err := testutil.RequireReceive(t, watched, 5*time.Second, "waiting for viewer to exit"); err != nil {
		t.Fatalf("runWatch: %v", err)
	}
}

func TestRunHostCommand(t *testing.T) {
	t.Parallel()

	cfg := hostConfig(t)
	hosted := make(chan error, 1)
	go func() {
		options := hostOptions{
			exitOnEOF: true,
			command:   []string{"/bin/sh", "-c", "echo ready; read reply; echo got $reply"},
		}
		hosted <- runHost(context.Background(), cfg, options, strings.NewReader(""), io.Discard)
	}()

	connection := dialHost(t, cfg.Transport.Address)
	output := newWatchedBuffer()
	watched := make(chan error, 1)
	go func() {
		options := watchOptions{
			subscribe: realtime(40, 5),
			profile:   termenv.Ascii,
			input:     strings.NewReader("yes\n"),
		}
		watched <- runWatch(context.Background(), connection, options, output, testLogger())
	}()
	output.waitFor(t, "got yes")

	if err := testutil.RequireReceive(t, hosted, 5*time.Second, "waiting for host to exit"); err != nil {
		t.Fatalf("runHost: %v", err)
	}
	if err := testutil.RequireReceive(t, watched, 5*time.Second, "waiting for viewer to exit"); err != nil {
		t.Fatalf("runWatch: %v", err)
	}
}

// dialHost connects to a host's Unix listener, retrying until the
// host has created it.
func dialHost(t *testing.T, path string) net.Conn {
	t.Helper()
	dialer := &transport.StreamDialer{Network: "unix"}
	deadline := time.Now().Add(5 * time.Second)
	for {
		connection, err := dialer.DialContext(context.Background(), path)
		if err == nil {
			return connection
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", path, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
