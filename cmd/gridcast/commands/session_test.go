// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/lib/clock"
	"github.com/bureau-foundation/gridcast/lib/config"
	"github.com/bureau-foundation/gridcast/session"
	"github.com/bureau-foundation/gridcast/source"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testSession is a broker fed by a line source, with viewer input
// captured in hostOutput.
type testSession struct {
	lines      *source.LineSource
	broker     *session.Broker
	hostOutput *watchedBuffer
}

func newTestSession(t *testing.T, width, height uint16) *testSession {
	t.Helper()
	lines, err := source.NewLineSource(width, height, clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("NewLineSource: %v", err)
	}
	hostOutput := newWatchedBuffer()
	sink := &passthrough{output: hostOutput, lines: lines, logger: testLogger()}
	broker, err := newBroker(config.Default(), lines.Grid(), sink, testLogger())
	if err != nil {
		t.Fatalf("newBroker: %v", err)
	}
	t.Cleanup(broker.Close)
	t.Cleanup(lines.OnMutation(func(g *grid.Grid) {
		if err := broker.Publish(g); err != nil {
			t.Errorf("Publish version %d: %v", g.Version, err)
		}
	}))
	return &testSession{lines: lines, broker: broker, hostOutput: hostOutput}
}

// watchedBuffer is a concurrency-safe buffer that signals every write.
type watchedBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
	wrote  chan struct{}
}

func newWatchedBuffer() *watchedBuffer {
	return &watchedBuffer{wrote: make(chan struct{}, 1)}
}

func (b *watchedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buffer.Write(p)
	select {
	case b.wrote <- struct{}{}:
	default:
	}
	return n, err
}

func (b *watchedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

// waitFor blocks until text has been written.
func (b *watchedBuffer) waitFor(t *testing.T, text string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for !strings.Contains(b.String(), text) {
		select {
		case <-b.wrote:
		case <-timeout:
			t.Fatalf("timed out waiting for %q; have %q", text, b.String())
		}
	}
}
