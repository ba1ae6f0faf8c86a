// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/history"
	"github.com/bureau-foundation/gridcast/lib/clock"
	"github.com/bureau-foundation/gridcast/lib/compress"
	"github.com/bureau-foundation/gridcast/lib/testutil"
	"github.com/bureau-foundation/gridcast/protocol"
	"github.com/bureau-foundation/gridcast/source"
	"github.com/bureau-foundation/gridcast/view"
)

// harness drives a broker from a line source, publishing each line
// synchronously.
type harness struct {
	t      *testing.T
	clock  *clock.FakeClock
	source *source.LineSource
	broker *Broker
}

func newHarness(t *testing.T, width, height uint16, config Config) *harness {
	t.Helper()
	fake := clock.Fake(epoch)
	src, err := source.NewLineSource(width, height, fake)
	if err != nil {
		t.Fatalf("NewLineSource: %v", err)
	}
	config.Clock = fake
	config.Logger = testLogger()
	broker, err := New(src.Grid(), config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cancel := src.OnMutation(func(g *grid.Grid) {
		if err := broker.Publish(g); err != nil {
			t.Errorf("Publish version %d: %v", g.Version, err)
		}
	})
	t.Cleanup(cancel)
	return &harness{t: t, clock: fake, source: src, broker: broker}
}

func (h *harness) attach() *Client {
	h.t.Helper()
	client, err := h.broker.Attach()
	if err != nil {
		h.t.Fatalf("Attach: %v", err)
	}
	return client
}

func (h *harness) handle(client *Client, message protocol.Message) {
	h.t.Helper()
	if err := h.broker.Handle(client.ID, message); err != nil {
		h.t.Fatalf("Handle %s: %v", message.MessageType(), err)
	}
}

func (h *harness) print(text string) {
	h.clock.Advance(time.Second)
	h.source.WriteLine(text)
}

// subscribe subscribes client and consumes the ack and snapshot.
func (h *harness) subscribe(client *Client, id string, key view.Key) (*protocol.SubscriptionAck, *protocol.Snapshot) {
	h.t.Helper()
	h.handle(client, &protocol.Subscribe{
		SubscriptionID: id,
		Width:          key.Width,
		Height:         key.Height,
		Mode:           key.Mode,
		Position:       key.Position,
	})
	ack := receive[*protocol.SubscriptionAck](h.t, client)
	snapshot := receive[*protocol.Snapshot](h.t, client)
	return ack, snapshot
}

// receive takes the next queued message for client and asserts its
// type.
func receive[T protocol.Message](t *testing.T, client *Client) T {
	t.Helper()
	message := testutil.RequireReceive(t, client.Outbound(), 5*time.Second, "waiting for message to %s", client.ID)
	typed, ok := message.(T)
	if !ok {
		t.Fatalf("%s received %T (%+v), want %T", client.ID, message, message, *new(T))
	}
	return typed
}

func requireQuiet(t *testing.T, client *Client) {
	t.Helper()
	select {
	case message := <-client.Outbound():
		t.Fatalf("%s received unexpected %T: %+v", client.ID, message, message)
	default:
	}
}

func requireInvariant(t *testing.T, broker *Broker) {
	t.Helper()
	broker.mu.Lock()
	defer broker.mu.Unlock()
	pool := broker.pool.Counts()
	registry := broker.registry.Counts()
	if len(pool) != len(registry) {
		t.Fatalf("pool has %d keys, registry has %d views", len(pool), len(registry))
	}
	for key, count := range registry {
		if pool[key] != count {
			t.Fatalf("%s: registry %d subscribers, pool %d", key, count, pool[key])
		}
	}
}

func TestSubscribeThenOneLine(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{})
	a := h.attach()
	ack, snapshot := h.subscribe(a, "a-1", view.Key{Width: 80, Height: 24})

	if ack.Status != protocol.StatusActive || ack.SharedWith != 0 {
		t.Errorf("ack: %+v", ack)
	}
	if snapshot.Sequence != 0 || snapshot.ViewID != ack.ViewID {
		t.Errorf("snapshot sequence %d view %s, want 0 %s", snapshot.Sequence, snapshot.ViewID, ack.ViewID)
	}
	checksum := view.Checksum(snapshot.Grid)
	if string(snapshot.Checksum) != string(checksum[:]) {
		t.Error("snapshot checksum does not match its grid")
	}

	h.print("hello, world")
	delta := receive[*protocol.Delta](t, a)
	requireQuiet(t, a)

	if delta.Sequence != 1 || delta.SubscriptionID != "a-1" {
		t.Errorf("delta sequence %d subscription %q, want 1 a-1", delta.Sequence, delta.SubscriptionID)
	}
	if rows := delta.Change.ChangedRows(); len(rows) != 1 || rows[0] != 0 {
		t.Errorf("delta changed rows %v, want [0]", rows)
	}
	applied, err := grid.Apply(snapshot.Grid, delta.Change)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := applied.Line(0); got != "hello, world" {
		t.Errorf("row 0 after delta: %q", got)
	}
	if applied.Version != 1 {
		t.Errorf("applied version %d, want 1", applied.Version)
	}
	requireInvariant(t, h.broker)
}

func TestSharedViewMulticast(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{})
	key := view.Key{Width: 80, Height: 24}
	a, b := h.attach(), h.attach()
	ackA, _ := h.subscribe(a, "a-1", key)
	ackB, _ := h.subscribe(b, "b-1", key)

	if ackA.ViewID != ackB.ViewID {
		t.Fatalf("identical keys got views %s and %s", ackA.ViewID, ackB.ViewID)
	}
	if ackB.Status != protocol.StatusShared || ackB.SharedWith != 1 {
		t.Errorf("second ack: %+v", ackB)
	}
	if got := h.broker.Computations(); got != 1 {
		t.Errorf("Computations after two subscribes: %d, want 1", got)
	}

	h.print("one mutation")
	deltaA := receive[*protocol.Delta](t, a)
	deltaB := receive[*protocol.Delta](t, b)
	if deltaA.Sequence != 1 || deltaB.Sequence != 1 {
		t.Errorf("sequences %d and %d, want 1 and 1", deltaA.Sequence, deltaB.Sequence)
	}
	if deltaA.Change != deltaB.Change {
		t.Error("subscribers of one view received different deltas")
	}
	if deltaA.SubscriptionID != "a-1" || deltaB.SubscriptionID != "b-1" {
		t.Errorf("subscription IDs %q %q", deltaA.SubscriptionID, deltaB.SubscriptionID)
	}
	if got := h.broker.Computations(); got != 2 {
		t.Errorf("Computations after one mutation: %d, want 2", got)
	}
	requireQuiet(t, a)
	requireQuiet(t, b)
}

func TestConcurrentSubscribeComputesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{})
	h.print("prompt $")
	clients := make([]*Client, 8)
	for i := range clients {
		clients[i] = h.attach()
	}

	var wait sync.WaitGroup
	for i, client := range clients {
		wait.Add(1)
		go func() {
			defer wait.Done()
			err := h.broker.Handle(client.ID, &protocol.Subscribe{
				SubscriptionID: testutil.UniqueID("sub"),
				Width:          100,
				Height:         30,
			})
			if err != nil {
				t.Errorf("client %d Subscribe: %v", i, err)
			}
		}()
	}
	wait.Wait()

	if got := h.broker.Computations(); got != 1 {
		t.Errorf("Computations: got %d, want 1", got)
	}
	viewID := ""
	for _, client := range clients {
		ack := receive[*protocol.SubscriptionAck](t, client)
		receive[*protocol.Snapshot](t, client)
		if viewID == "" {
			viewID = ack.ViewID
		} else if ack.ViewID != viewID {
			t.Errorf("%s got view %s, others %s", client.ID, ack.ViewID, viewID)
		}
	}
	requireInvariant(t, h.broker)
}

func TestModifyDimensionsSendsSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{})
	h.print("some output")
	k1 := view.Key{Width: 80, Height: 24}
	k2 := view.Key{Width: 120, Height: 24}
	a := h.attach()
	h.subscribe(a, "a-1", k1)

	h.handle(a, &protocol.ModifySubscription{SubscriptionID: "a-1", Width: 120, Height: 24})
	transition := receive[*protocol.ViewTransition](t, a)

	if transition.Reason != protocol.ReasonDimensionsChanged {
		t.Errorf("reason %q, want %q", transition.Reason, protocol.ReasonDimensionsChanged)
	}
	if transition.Snapshot == nil || transition.Delta != nil {
		t.Fatal("dimension change must be delivered as a snapshot")
	}
	if transition.Snapshot.Grid.Width != 120 || transition.Snapshot.Grid.Line(0) != "some output" {
		t.Errorf("snapshot %dx%d row 0 %q", transition.Snapshot.Grid.Width,
			transition.Snapshot.Grid.Height, transition.Snapshot.Grid.Line(0))
	}

	h.broker.mu.Lock()
	_, k1Alive := h.broker.registry.Lookup(k1)
	_, k2Alive := h.broker.registry.Lookup(k2)
	h.broker.mu.Unlock()
	if k1Alive {
		t.Error("view for the old key survived its only subscriber leaving")
	}
	if !k2Alive {
		t.Error("view for the new key missing")
	}
	requireInvariant(t, h.broker)

	h.print("more")
	delta := receive[*protocol.Delta](t, a)
	if delta.Change.TargetVersion != transition.Snapshot.Sequence+1 {
		t.Errorf("delta after transition targets %d, snapshot was %d",
			delta.Change.TargetVersion, transition.Snapshot.Sequence)
	}
}

func TestModifyHistoricalPositionSendsDelta(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 40, 10, Config{})
	h.print("alpha")
	h.print("bravo")
	h.print("charlie")

	k1 := view.Key{Width: 40, Height: 10, Mode: view.Historical, Position: view.Position{Version: 2}}
	k2 := view.Key{Width: 40, Height: 10, Mode: view.Historical, Position: view.Position{Version: 3}}
	a := h.attach()
	_, snapshot := h.subscribe(a, "a-1", k1)

	h.handle(a, &protocol.ModifySubscription{
		SubscriptionID: "a-1",
		Width:          40,
		Height:         10,
		Mode:           view.Historical,
		Position:       view.Position{Version: 3},
	})
	transition := receive[*protocol.ViewTransition](t, a)
	if transition.Reason != protocol.ReasonPositionChanged {
		t.Errorf("reason %q", transition.Reason)
	}
	if transition.Delta == nil {
		t.Fatal("same-mode overlapping transition should be a delta")
	}

	applied, err := grid.Apply(snapshot.Grid, transition.Delta.Change)
	if err != nil {
		t.Fatalf("Apply transition delta: %v", err)
	}
	want, err := h.broker.Compute(k2)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !applied.SameContent(want.Grid) {
		t.Errorf("transition delta produced %q, want %q", applied.Lines(), want.Grid.Lines())
	}
	if applied.Line(2) != "charlie" {
		t.Errorf("row 2 %q, want charlie", applied.Line(2))
	}

	// Historical views are fixed: new output reaches nobody.
	h.print("delta")
	requireQuiet(t, a)
}

func TestModifySameKeyRefreshes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{})
	a := h.attach()
	ack, _ := h.subscribe(a, "a-1", view.Key{Width: 80, Height: 24})
	h.handle(a, &protocol.ModifySubscription{SubscriptionID: "a-1", Width: 80, Height: 24})
	transition := receive[*protocol.ViewTransition](t, a)
	if transition.Reason != protocol.ReasonRefresh || transition.Snapshot == nil || transition.ViewID != ack.ViewID {
		t.Errorf("refresh transition: %+v", transition)
	}
	requireInvariant(t, h.broker)
}

func TestModifyFailureKeepsOldView(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{})
	h.print("one")
	h.print("two")
	a := h.attach()
	k1 := view.Key{Width: 80, Height: 24}
	h.subscribe(a, "a-1", k1)
	if err := h.broker.ClearHistory(); err != nil {
		t.Fatal(err)
	}

	h.handle(a, &protocol.ModifySubscription{
		SubscriptionID: "a-1", Width: 80, Height: 24,
		Mode: view.Historical, Position: view.Position{Version: 1},
	})
	failure := receive[*protocol.Error](t, a)
	if failure.Code != protocol.CodeHistoryUnavailable || !failure.Recoverable {
		t.Errorf("error: %+v", failure)
	}
	h.handle(a, &protocol.ModifySubscription{SubscriptionID: "nope", Width: 10, Height: 10})
	failure = receive[*protocol.Error](t, a)
	if failure.Code != protocol.CodeUnknownSubscription {
		t.Errorf("unknown subscription error: %+v", failure)
	}

	h.print("three")
	delta := receive[*protocol.Delta](t, a)
	if delta.SubscriptionID != "a-1" {
		t.Errorf("old subscription no longer delivered: %+v", delta)
	}
	requireInvariant(t, h.broker)
}

func TestHistoricalBelowBase(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{})
	for range 5 {
		h.print("output")
	}
	if err := h.broker.ClearHistory(); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}

	a := h.attach()
	h.handle(a, &protocol.Subscribe{
		SubscriptionID: "a-1", Width: 80, Height: 24,
		Mode: view.Historical, Position: view.Position{Version: 2},
	})
	failure := receive[*protocol.Error](t, a)
	if failure.Code != protocol.CodeHistoryUnavailable {
		t.Errorf("code %s, want history_unavailable", failure.Code)
	}
	if !failure.Recoverable || failure.SubscriptionID != "a-1" {
		t.Errorf("error: %+v", failure)
	}
	requireQuiet(t, a)
	if stats := h.broker.Stats(); stats.Subscriptions != 0 || len(stats.Views) != 0 {
		t.Errorf("failed subscribe left state: %+v", stats)
	}

	// The connection stays usable.
	h.subscribe(a, "a-2", view.Key{Width: 80, Height: 24, Mode: view.Historical, Position: view.Position{Version: 5}})
}

func TestHistoricalViewExpiresWithPrunedHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 20, 4, Config{})
	for range 5 {
		h.print("output")
	}
	key := view.Key{Width: 20, Height: 4, Mode: view.Historical, Position: view.Position{Version: 1}}
	a := h.attach()
	h.subscribe(a, "a-1", key)

	// Pruning behind the broker's back is noticed on the next request.
	if err := h.broker.History().Prune(4); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	b := h.attach()
	h.handle(b, &protocol.Subscribe{
		SubscriptionID: "b-1", Width: key.Width, Height: key.Height,
		Mode: key.Mode, Position: key.Position,
	})
	for _, client := range []*Client{a, b} {
		failure := receive[*protocol.Error](t, client)
		if failure.Code != protocol.CodeHistoryUnavailable || !failure.Recoverable {
			t.Errorf("client %s: got %+v, want recoverable history_unavailable", client.ID, failure)
		}
		requireQuiet(t, client)
	}
	if stats := h.broker.Stats(); stats.Subscriptions != 0 || len(stats.Views) != 0 {
		t.Errorf("expired view left state: %+v", stats)
	}
	requireInvariant(t, h.broker)

	// Clearing history tears retained historical views down at once.
	h.subscribe(a, "a-2", view.Key{Width: 20, Height: 4, Mode: view.Historical, Position: view.Position{Version: 5}})
	h.print("more")
	if err := h.broker.ClearHistory(); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	failure := receive[*protocol.Error](t, a)
	if failure.Code != protocol.CodeHistoryUnavailable || failure.SubscriptionID != "a-2" {
		t.Errorf("after clear: got %+v", failure)
	}
	requireInvariant(t, h.broker)
}

func TestRequestErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		message protocol.Message
		code    protocol.ErrorCode
	}{
		{"zero width", &protocol.Subscribe{SubscriptionID: "s", Width: 0, Height: 24}, protocol.CodeInvalidDimensions},
		{"zero height", &protocol.Subscribe{SubscriptionID: "s", Width: 80, Height: 0}, protocol.CodeInvalidDimensions},
		{"unknown mode", &protocol.Subscribe{SubscriptionID: "s", Width: 80, Height: 24, Mode: view.Mode(7)}, protocol.CodeInvalidMessage},
		{"bad compression", &protocol.Subscribe{SubscriptionID: "s", Width: 80, Height: 24, Compression: compress.Tag(7)}, protocol.CodeInvalidMessage},
		{"modify unsubscribed", &protocol.ModifySubscription{SubscriptionID: "s", Width: 80, Height: 24}, protocol.CodeUnknownSubscription},
		{"snapshot unsubscribed", &protocol.RequestSnapshot{SubscriptionID: "s"}, protocol.CodeUnknownSubscription},
		{"server message", &protocol.Pong{}, protocol.CodeInvalidMessage},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 80, 24, Config{})
			client := h.attach()
			h.handle(client, test.message)
			failure := receive[*protocol.Error](t, client)
			if failure.Code != test.code || !failure.Recoverable {
				t.Errorf("got %+v, want recoverable %s", failure, test.code)
			}
			requireQuiet(t, client)
			if stats := h.broker.Stats(); stats.Subscriptions != 0 || len(stats.Views) != 0 {
				t.Errorf("failed request left state: %+v", stats)
			}
		})
	}
}

func TestAlreadySubscribed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{})
	a := h.attach()
	h.subscribe(a, "a-1", view.Key{Width: 80, Height: 24})
	h.handle(a, &protocol.Subscribe{SubscriptionID: "a-2", Width: 40, Height: 10})
	failure := receive[*protocol.Error](t, a)
	if failure.Code != protocol.CodeAlreadySubscribed {
		t.Errorf("code %s, want already_subscribed", failure.Code)
	}
	if stats := h.broker.Stats(); len(stats.Views) != 1 {
		t.Errorf("views: %+v", stats.Views)
	}
	requireInvariant(t, h.broker)
}

func TestUnknownClient(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{})
	for _, message := range []protocol.Message{
		&protocol.Subscribe{SubscriptionID: "s", Width: 80, Height: 24},
		&protocol.Input{Data: []byte("ls\n")},
	} {
		err := h.broker.Handle("client-404", message)
		if !errors.Is(err, ErrUnknownClient) {
			t.Errorf("%s from unknown client: got %v, want ErrUnknownClient", message.MessageType(), err)
		}
	}
	// The broker keeps working.
	h.subscribe(h.attach(), "a-1", view.Key{Width: 80, Height: 24})
}

func TestUnsubscribeAndDetachIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{})
	a, b := h.attach(), h.attach()
	key := view.Key{Width: 80, Height: 24}
	h.subscribe(a, "a-1", key)
	h.subscribe(b, "b-1", key)

	h.handle(a, &protocol.Unsubscribe{SubscriptionID: "a-1"})
	h.handle(a, &protocol.Unsubscribe{SubscriptionID: "a-1"})
	requireQuiet(t, a)
	requireInvariant(t, h.broker)
	if stats := h.broker.Stats(); len(stats.Views) != 1 || stats.Views[0].Subscribers != 1 {
		t.Errorf("after A leaves: %+v", stats.Views)
	}

	h.broker.Detach(b.ID)
	h.broker.Detach(b.ID)
	testutil.RequireClosed(t, b.Done(), 5*time.Second, "detached client done")
	if err := h.broker.Handle(b.ID, &protocol.Unsubscribe{SubscriptionID: "b-1"}); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("Unsubscribe after Detach: %v", err)
	}
	if stats := h.broker.Stats(); len(stats.Views) != 0 || stats.Clients != 1 {
		t.Errorf("after B detaches: %+v", stats)
	}

	// Output after everyone left reaches nobody and does not fail.
	h.print("to nobody")
	requireQuiet(t, a)
	requireInvariant(t, h.broker)
}

func TestRequestSnapshotAndPing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{})
	a := h.attach()

	h.handle(a, &protocol.Ping{Nonce: 7, ClientTime: 42})
	pong := receive[*protocol.Pong](t, a)
	if pong.Nonce != 7 || pong.ClientTime != 42 || pong.Sequence != 0 {
		t.Errorf("pong before subscribe: %+v", pong)
	}
	if pong.ServerTime != h.clock.Now().UnixNano() {
		t.Errorf("pong server time %d, want %d", pong.ServerTime, h.clock.Now().UnixNano())
	}

	h.subscribe(a, "a-1", view.Key{Width: 80, Height: 24})
	h.print("x")
	h.print("y")
	receive[*protocol.Delta](t, a)
	receive[*protocol.Delta](t, a)

	h.handle(a, &protocol.RequestSnapshot{SubscriptionID: "a-1"})
	snapshot := receive[*protocol.Snapshot](t, a)
	if snapshot.Sequence != 2 || snapshot.Grid.Line(1) != "y" {
		t.Errorf("requested snapshot: sequence %d lines %q", snapshot.Sequence, snapshot.Grid.Lines()[:2])
	}
	h.handle(a, &protocol.Ping{Nonce: 8})
	if pong := receive[*protocol.Pong](t, a); pong.Sequence != 2 {
		t.Errorf("pong sequence %d, want 2", pong.Sequence)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	input   []string
	resizes [][2]uint16
}

func (s *recordingSink) Input(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = append(s.input, string(data))
	return nil
}

func (s *recordingSink) Resize(width, height uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, [2]uint16{width, height})
	return nil
}

func TestInputPassthrough(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	h := newHarness(t, 80, 24, Config{Input: sink})
	a := h.attach()
	h.handle(a, &protocol.Input{Data: []byte("make test\r")})
	h.handle(a, &protocol.Resize{Width: 100, Height: 40})
	requireQuiet(t, a)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.input) != 1 || sink.input[0] != "make test\r" {
		t.Errorf("input: %q", sink.input)
	}
	if len(sink.resizes) != 1 || sink.resizes[0] != [2]uint16{100, 40} {
		t.Errorf("resizes: %v", sink.resizes)
	}
}

func TestOverflowResync(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{QueueSize: 2, Overflow: OverflowResync})
	a := h.attach()
	h.handle(a, &protocol.Subscribe{SubscriptionID: "a-1", Width: 80, Height: 24})
	// The ack and snapshot fill the queue; the next delta overflows.
	h.print("first")
	h.print("second")

	transition := receive[*protocol.ViewTransition](t, a)
	if transition.Reason != protocol.ReasonResync || transition.Snapshot == nil {
		t.Fatalf("expected resync snapshot, got %+v", transition)
	}
	next := receive[*protocol.Delta](t, a)
	requireQuiet(t, a)
	if transition.Snapshot.Sequence != 1 || next.Sequence != 2 {
		t.Errorf("resync at %d then delta %d, want 1 then 2", transition.Snapshot.Sequence, next.Sequence)
	}
	if _, err := grid.Apply(transition.Snapshot.Grid, next.Change); err != nil {
		t.Errorf("delta after resync does not apply: %v", err)
	}
	if a.Overflows() != 1 {
		t.Errorf("Overflows: %d, want 1", a.Overflows())
	}
	requireInvariant(t, h.broker)
}

func TestOverflowDisconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{QueueSize: 2, Overflow: OverflowDisconnect})
	a, b := h.attach(), h.attach()
	key := view.Key{Width: 80, Height: 24}
	h.handle(a, &protocol.Subscribe{SubscriptionID: "a-1", Width: 80, Height: 24})
	h.subscribe(b, "b-1", key)

	h.print("overflow")
	testutil.RequireClosed(t, a.Done(), 5*time.Second, "slow client disconnected")
	receive[*protocol.Delta](t, b)

	stats := h.broker.Stats()
	if stats.Clients != 1 || len(stats.Views) != 1 || stats.Views[0].Subscribers != 1 {
		t.Errorf("after disconnect: %+v", stats)
	}
	requireInvariant(t, h.broker)
}

func TestContinuityLossResets(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{})
	h.print("before")
	a := h.attach()
	h.subscribe(a, "a-1", view.Key{Width: 80, Height: 24})

	jump := h.source.Grid().Clone()
	jump.Version += 10
	jump.SetText(0, 0, "after restart", grid.Blank)
	if err := h.broker.Publish(jump); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	notify := receive[*protocol.Notify](t, a)
	if notify.Kind != protocol.NotifyResyncRequired {
		t.Errorf("notify kind %q", notify.Kind)
	}
	requireQuiet(t, a)
	if stats := h.broker.Stats(); stats.Subscriptions != 0 || len(stats.Views) != 0 {
		t.Errorf("state survived reset: %+v", stats)
	}
	if base := h.broker.History().Base(); base != jump.Version {
		t.Errorf("history base %d, want %d", base, jump.Version)
	}

	_, snapshot := h.subscribe(a, "a-2", view.Key{Width: 80, Height: 24})
	if snapshot.Grid.Line(0) != "after restart" {
		t.Errorf("resubscribed snapshot row 0 %q", snapshot.Grid.Line(0))
	}
}

func TestViewTornDownWhenHistoryCannotServeIt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 20, 3, Config{History: history.Config{MaxScrollback: 2}})
	for _, line := range []string{"l0", "l1", "l2", "l3"} {
		h.print(line)
	}
	a := h.attach()
	// Line 1 is in scrollback; two more lines push it out.
	h.subscribe(a, "a-1", view.Key{Width: 20, Height: 3, Mode: view.Anchored, Position: view.Position{Line: 1}})
	h.print("l4")
	h.print("l5")
	requireQuiet(t, a)

	// A resize recomputes every anchored view, and this one can no
	// longer be read.
	if err := h.source.Resize(20, 4); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	failure := receive[*protocol.Error](t, a)
	if failure.Code != protocol.CodeHistoryUnavailable || failure.SubscriptionID != "a-1" {
		t.Errorf("teardown error: %+v", failure)
	}
	if stats := h.broker.Stats(); stats.Subscriptions != 0 || len(stats.Views) != 0 {
		t.Errorf("torn-down view left state: %+v", stats)
	}
	requireInvariant(t, h.broker)
}

func TestInvariantViolationEndsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 80, 24, Config{})
	a := h.attach()
	h.subscribe(a, "a-1", view.Key{Width: 80, Height: 24})

	// Corrupt the pool behind the registry's back.
	h.broker.mu.Lock()
	h.broker.pool.entries[a.ID].Key = view.Key{Width: 1, Height: 1}
	h.broker.mu.Unlock()

	err := h.broker.Handle(a.ID, &protocol.Ping{Nonce: 1})
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("Handle after corruption: got %v, want ErrInvariant", err)
	}
	receive[*protocol.Pong](t, a)
	notify := receive[*protocol.Notify](t, a)
	if notify.Kind != protocol.NotifySessionEnding {
		t.Errorf("notify kind %q", notify.Kind)
	}
	testutil.RequireClosed(t, a.Done(), 5*time.Second, "client closed")
	if !errors.Is(h.broker.Err(), ErrInvariant) {
		t.Errorf("Err: %v", h.broker.Err())
	}
	if _, err := h.broker.Attach(); !errors.Is(err, ErrClosed) {
		t.Errorf("Attach after failure: %v", err)
	}
}

// registeringSource reports when a listener registers.
type registeringSource struct {
	*source.LineSource
	registered chan struct{}
}

func (s registeringSource) OnMutation(fn func(*grid.Grid)) func() {
	cancel := s.LineSource.OnMutation(fn)
	close(s.registered)
	return cancel
}

func TestRunFeedsSource(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(epoch)
	lines, err := source.NewLineSource(80, 24, fake)
	if err != nil {
		t.Fatal(err)
	}
	src := registeringSource{LineSource: lines, registered: make(chan struct{})}
	broker, err := New(lines.Grid(), Config{Clock: fake, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	client, err := broker.Attach()
	if err != nil {
		t.Fatal(err)
	}
	if err := broker.Handle(client.ID, &protocol.Subscribe{SubscriptionID: "s", Width: 80, Height: 24}); err != nil {
		t.Fatal(err)
	}
	receive[*protocol.SubscriptionAck](t, client)
	receive[*protocol.Snapshot](t, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- broker.Run(ctx, src) }()
	testutil.RequireClosed(t, src.registered, 5*time.Second, "Run registered with source")

	lines.WriteLine("ping")
	delta := receive[*protocol.Delta](t, client)
	if delta.Sequence != 1 {
		t.Errorf("first delta sequence %d", delta.Sequence)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Run exit"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}

	broker.Close()
	notify := receive[*protocol.Notify](t, client)
	if notify.Kind != protocol.NotifySessionEnding {
		t.Errorf("notify kind %q", notify.Kind)
	}
	testutil.RequireClosed(t, client.Done(), 5*time.Second, "client closed")
	if err := broker.Publish(lines.Grid()); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close: %v", err)
	}
}

func TestFollowKeepsGridsPublishedBeforeRun(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(epoch)
	lines, err := source.NewLineSource(80, 24, fake)
	if err != nil {
		t.Fatal(err)
	}
	broker, err := New(lines.Grid(), Config{Clock: fake, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	client, err := broker.Attach()
	if err != nil {
		t.Fatal(err)
	}
	if err := broker.Handle(client.ID, &protocol.Subscribe{SubscriptionID: "s", Width: 80, Height: 24}); err != nil {
		t.Fatal(err)
	}
	receive[*protocol.SubscriptionAck](t, client)
	receive[*protocol.Snapshot](t, client)

	feed := broker.Follow(lines)
	lines.WriteLine("first")
	lines.WriteLine("second")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	for want := uint64(1); want <= 2; want++ {
		delta := receive[*protocol.Delta](t, client)
		if delta.Sequence != want {
			t.Errorf("delta sequence %d, want %d", delta.Sequence, want)
		}
	}
	if head := broker.History().Head(); head.Version != 2 {
		t.Errorf("history head version %d, want 2", head.Version)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Run exit"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}
	feed.Stop()
}
