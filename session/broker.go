// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/history"
	"github.com/bureau-foundation/gridcast/lib/clock"
	"github.com/bureau-foundation/gridcast/lib/compress"
	"github.com/bureau-foundation/gridcast/protocol"
	"github.com/bureau-foundation/gridcast/source"
	"github.com/bureau-foundation/gridcast/view"
)

var (
	// ErrUnknownClient is returned by Handle for a client ID that is
	// not attached. The message is dropped.
	ErrUnknownClient = errors.New("unknown client")

	// ErrInvariant means the pool and registry disagree about
	// subscriber counts. The broker closes itself when this happens.
	ErrInvariant = errors.New("subscription invariant violated")

	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("session closed")
)

// InputSink receives the passthrough messages viewers send to the
// host terminal.
type InputSink interface {
	Input(data []byte) error
	Resize(width, height uint16) error
}

// Config configures a Broker.
type Config struct {
	History history.Config

	// QueueSize is the per-client outbound queue capacity.
	QueueSize int

	// Overflow is applied when a client's queue is full. Defaults to
	// OverflowResync.
	Overflow OverflowPolicy

	// Compression is the frame compression used for a client before
	// it subscribes.
	Compression compress.Tag

	// RetentionInterval is how often Run applies the history
	// retention policy. Zero disables periodic retention.
	RetentionInterval time.Duration

	// Input receives Input and Resize messages. Nil drops them.
	Input InputSink

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Overflow == "" {
		c.Overflow = OverflowResync
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.History.Clock == nil {
		c.History.Clock = c.Clock
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Broker coordinates one terminal session: it records terminal state
// in history, pools views across clients and delivers each view's
// updates to its subscribers.
type Broker struct {
	config Config
	logger *slog.Logger
	clock  clock.Clock

	history *history.History

	// mu serializes every registry and pool mutation, head
	// advancement, and enqueueing to clients.
	mu         sync.Mutex
	registry   *Registry
	pool       *Pool
	clients    map[ClientID]*Client
	nextClient uint64
	closed     bool
	failure    error
}

// New returns a broker whose history starts at initial.
func New(initial *grid.Grid, config Config) (*Broker, error) {
	config = config.withDefaults()
	if err := config.Overflow.Validate(); err != nil {
		return nil, err
	}
	h, err := history.New(initial, config.History)
	if err != nil {
		return nil, err
	}
	return &Broker{
		config:   config,
		logger:   config.Logger,
		clock:    config.Clock,
		history:  h,
		registry: NewRegistry(h, config.Logger),
		pool:     NewPool(),
		clients:  make(map[ClientID]*Client),
	}, nil
}

// History returns the session history. Callers must treat it as
// read-only; ClearHistory is the only sanctioned mutation.
func (b *Broker) History() *history.History { return b.history }

// Computations returns the number of view computations the registry
// has performed.
func (b *Broker) Computations() uint64 { return b.registry.Computations() }

// Err returns the failure that closed the broker, if any.
func (b *Broker) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failure
}

// Attach registers a new client in the Unsubscribed state.
func (b *Broker) Attach() (*Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextClient++
	client := newClient(ClientID(fmt.Sprintf("client-%d", b.nextClient)), b.config.QueueSize, b.config.Compression)
	b.clients[client.ID] = client
	b.logger.Info("client attached", "client", client.ID)
	return client, nil
}

// Detach disconnects a client from any state, releasing its view.
// Detaching an unknown or already detached client does nothing.
func (b *Broker) Detach(id ClientID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[id]; !ok {
		return
	}
	b.detachLocked(id, "disconnected")
	b.verifyLocked()
}

func (b *Broker) detachLocked(id ClientID, reason string) {
	client, ok := b.clients[id]
	if !ok {
		return
	}
	delete(b.clients, id)
	if key, held := b.pool.Unsubscribe(id); held {
		b.registry.Release(key, id)
	}
	client.close()
	b.logger.Info("client detached", "client", id, "reason", reason)
}

// Handle dispatches one message from client id. Request errors are
// answered with an Error message to the client and do not fail
// Handle. Handle fails for an unknown client, a closed broker, or an
// invariant violation.
func (b *Broker) Handle(id ClientID, message protocol.Message) error {
	switch m := message.(type) {
	case *protocol.Input:
		if err := b.checkClient(id); err != nil {
			return err
		}
		if b.config.Input == nil {
			return nil
		}
		if err := b.config.Input.Input(m.Data); err != nil {
			b.logger.Warn("input passthrough failed", "client", id, "error", err)
		}
		return nil
	case *protocol.Resize:
		if err := b.checkClient(id); err != nil {
			return err
		}
		if b.config.Input == nil {
			return nil
		}
		if err := b.config.Input.Resize(m.Width, m.Height); err != nil {
			b.logger.Warn("resize passthrough failed", "client", id,
				"width", m.Width, "height", m.Height, "error", err)
		}
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	client, err := b.clientLocked(id)
	if err != nil {
		return err
	}

	switch m := message.(type) {
	case *protocol.Subscribe:
		b.subscribeLocked(client, m)
	case *protocol.ModifySubscription:
		b.modifyLocked(client, m)
	case *protocol.Unsubscribe:
		b.unsubscribeLocked(client, m)
	case *protocol.RequestSnapshot:
		b.requestSnapshotLocked(client, m)
	case *protocol.Ping:
		b.pingLocked(client, m)
	default:
		b.sendError(client, "", protocol.CodeInvalidMessage,
			fmt.Sprintf("%s is not a client message", message.MessageType()), true)
	}
	return b.verifyLocked()
}

func (b *Broker) checkClient(id ClientID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.clientLocked(id)
	return err
}

func (b *Broker) clientLocked(id ClientID) (*Client, error) {
	if b.closed {
		return nil, ErrClosed
	}
	client, ok := b.clients[id]
	if !ok {
		b.logger.Warn("message for unknown client dropped", "client", id)
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	return client, nil
}

func (b *Broker) subscribeLocked(client *Client, m *protocol.Subscribe) {
	key := m.Key()
	if err := key.Validate(); err != nil {
		b.sendError(client, m.SubscriptionID, errorCode(err), err.Error(), true)
		return
	}
	if _, err := compress.Parse(m.Compression.String()); err != nil {
		b.sendError(client, m.SubscriptionID, protocol.CodeInvalidMessage, err.Error(), true)
		return
	}
	b.expireLocked()
	if current, ok := b.pool.Lookup(client.ID); ok {
		b.sendError(client, m.SubscriptionID, protocol.CodeAlreadySubscribed,
			fmt.Sprintf("already subscribed as %q", current.ID), true)
		return
	}

	info, created, err := b.registry.Acquire(key, client.ID)
	if err != nil {
		b.sendError(client, m.SubscriptionID, errorCode(err), err.Error(), true)
		return
	}
	if err := b.pool.Subscribe(client.ID, m.SubscriptionID, key, m.Compression); err != nil {
		b.registry.Release(key, client.ID)
		b.sendError(client, m.SubscriptionID, errorCode(err), err.Error(), true)
		return
	}
	client.setCompression(m.Compression)

	ack := &protocol.SubscriptionAck{
		SubscriptionID: m.SubscriptionID,
		ViewID:         info.ID,
		Status:         protocol.StatusActive,
		SharedWith:     info.SubscriberCount() - 1,
	}
	if ack.SharedWith > 0 {
		ack.Status = protocol.StatusShared
	}
	b.logger.Debug("subscribed", "client", client.ID, "subscription", m.SubscriptionID,
		"view", info.ID, "key", key.String(), "computed", created)
	b.send(client, ack)
	b.send(client, snapshotOf(m.SubscriptionID, info))
}

func (b *Broker) modifyLocked(client *Client, m *protocol.ModifySubscription) {
	key := m.Key()
	if err := key.Validate(); err != nil {
		b.sendError(client, m.SubscriptionID, errorCode(err), err.Error(), true)
		return
	}
	b.expireLocked()
	old, err := b.pool.BeginTransition(client.ID, m.SubscriptionID, key)
	if err != nil {
		b.sendError(client, m.SubscriptionID, errorCode(err), err.Error(), true)
		return
	}

	if key == old {
		b.pool.AbortTransition(client.ID)
		info, _ := b.registry.Lookup(old)
		b.send(client, &protocol.ViewTransition{
			SubscriptionID: m.SubscriptionID,
			Reason:         protocol.ReasonRefresh,
			ViewID:         info.ID,
			Snapshot:       snapshotOf(m.SubscriptionID, info),
		})
		return
	}

	// The old frame is captured before release: release may destroy
	// the view.
	var oldFrame *view.Frame
	if oldInfo, ok := b.registry.Lookup(old); ok {
		oldFrame = oldInfo.Frame()
	}

	info, _, err := b.registry.Acquire(key, client.ID)
	if err != nil {
		b.pool.AbortTransition(client.ID)
		b.sendError(client, m.SubscriptionID, errorCode(err), err.Error(), true)
		return
	}
	b.registry.Release(old, client.ID)
	b.pool.CompleteTransition(client.ID)

	transition := &protocol.ViewTransition{
		SubscriptionID: m.SubscriptionID,
		Reason:         transitionReason(old, key),
		ViewID:         info.ID,
	}
	if change := transitionDelta(old, key, oldFrame, info.Frame()); change != nil {
		transition.Delta = &protocol.Delta{
			SubscriptionID: m.SubscriptionID,
			Sequence:       info.Sequence(),
			Change:         change,
		}
	} else {
		transition.Snapshot = snapshotOf(m.SubscriptionID, info)
	}
	b.logger.Debug("subscription modified", "client", client.ID, "subscription", m.SubscriptionID,
		"from", old.String(), "to", key.String(), "reason", transition.Reason,
		"delta", transition.Delta != nil)
	b.send(client, transition)
}

// transitionDelta returns the delta from the old view's frame to the
// new one when the client can apply it: same dimensions, same mode,
// and overlapping content. Otherwise nil, and the caller sends a
// snapshot.
func transitionDelta(old, next view.Key, oldFrame, nextFrame *view.Frame) *grid.Delta {
	if oldFrame == nil || nextFrame == nil {
		return nil
	}
	if old.Width != next.Width || old.Height != next.Height || old.Mode != next.Mode {
		return nil
	}
	if !oldFrame.Overlaps(nextFrame) {
		return nil
	}
	return grid.Diff(oldFrame.Grid, nextFrame.Grid)
}

func transitionReason(old, next view.Key) protocol.TransitionReason {
	switch {
	case old.Width != next.Width || old.Height != next.Height:
		return protocol.ReasonDimensionsChanged
	case old.Mode != next.Mode:
		return protocol.ReasonModeChanged
	default:
		return protocol.ReasonPositionChanged
	}
}

func (b *Broker) unsubscribeLocked(client *Client, m *protocol.Unsubscribe) {
	current, ok := b.pool.Lookup(client.ID)
	if !ok {
		return
	}
	if current.ID != m.SubscriptionID {
		b.sendError(client, m.SubscriptionID, protocol.CodeUnknownSubscription,
			fmt.Sprintf("subscription %q is not held", m.SubscriptionID), true)
		return
	}
	key, _ := b.pool.Unsubscribe(client.ID)
	destroyed := b.registry.Release(key, client.ID)
	b.logger.Debug("unsubscribed", "client", client.ID, "subscription", m.SubscriptionID,
		"view_destroyed", destroyed)
}

func (b *Broker) requestSnapshotLocked(client *Client, m *protocol.RequestSnapshot) {
	current, ok := b.pool.Lookup(client.ID)
	if !ok || current.ID != m.SubscriptionID {
		b.sendError(client, m.SubscriptionID, protocol.CodeUnknownSubscription,
			fmt.Sprintf("subscription %q is not held", m.SubscriptionID), true)
		return
	}
	info, _ := b.registry.Lookup(current.Key)
	b.send(client, snapshotOf(current.ID, info))
}

func (b *Broker) pingLocked(client *Client, m *protocol.Ping) {
	pong := &protocol.Pong{
		Nonce:      m.Nonce,
		ClientTime: m.ClientTime,
		ServerTime: b.clock.Now().UnixNano(),
	}
	if current, ok := b.pool.Lookup(client.ID); ok {
		if info, ok := b.registry.Lookup(current.Key); ok {
			pong.Sequence = info.Sequence()
		}
	}
	b.send(client, pong)
}

// Publish records next as the new terminal state and delivers the
// resulting view deltas. A grid that does not follow the history head
// resets the session: history restarts at next, every view is torn
// down and every client is told to resubscribe.
func (b *Broker) Publish(next *grid.Grid) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	headDelta, err := b.history.Record(next)
	if errors.Is(err, history.ErrContinuity) {
		b.logger.Warn("terminal state lost continuity, resetting session",
			"head", b.history.Head().Version, "received", next.Version)
		return b.resetLocked(next)
	}
	if err != nil {
		return fmt.Errorf("recording version %d: %w", next.Version, err)
	}

	b.expireLocked()
	for _, update := range b.registry.Advance(headDelta) {
		if update.Err != nil {
			b.teardownLocked(update.View, update.Err)
			continue
		}
		for _, id := range update.View.Subscribers() {
			client, ok := b.clients[id]
			if !ok {
				continue
			}
			current, ok := b.pool.Lookup(id)
			if !ok {
				continue
			}
			b.send(client, &protocol.Delta{
				SubscriptionID: current.ID,
				Sequence:       update.View.Sequence(),
				Change:         update.Delta,
			})
		}
	}
	return b.verifyLocked()
}

// teardownLocked destroys a view that can no longer be computed and
// unsubscribes its clients, who must subscribe again.
func (b *Broker) teardownLocked(info *ViewInfo, cause error) {
	b.logger.Warn("view torn down", "view", info.ID, "key", info.Key.String(), "error", cause)
	for _, id := range info.Subscribers() {
		current, subscribed := b.pool.Lookup(id)
		b.pool.Unsubscribe(id)
		b.registry.Release(info.Key, id)
		client, ok := b.clients[id]
		if !ok || !subscribed {
			continue
		}
		b.sendError(client, current.ID, errorCode(cause), cause.Error(), true)
	}
}

func (b *Broker) resetLocked(next *grid.Grid) error {
	if err := b.history.Reset(next); err != nil {
		return fmt.Errorf("resetting history: %w", err)
	}
	views := b.registry.Reset()
	b.pool.Reset()
	for _, id := range b.sortedClientsLocked() {
		b.send(b.clients[id], &protocol.Notify{
			Kind:    protocol.NotifyResyncRequired,
			Message: fmt.Sprintf("terminal state restarted at version %d", next.Version),
		})
	}
	b.logger.Info("session reset", "version", next.Version, "views_destroyed", len(views))
	return b.verifyLocked()
}

// ClearHistory discards all retained history, keeping the current
// head as the new base.
func (b *Broker) ClearHistory() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.history.Clear()
	b.logger.Info("history cleared", "base", b.history.Base())
	b.expireLocked()
	return b.verifyLocked()
}

// ApplyRetention prunes history according to the configured
// retention policy.
func (b *Broker) ApplyRetention() {
	b.mu.Lock()
	defer b.mu.Unlock()
	before := b.history.Base()
	b.history.ApplyRetention()
	if after := b.history.Base(); after != before {
		b.logger.Debug("history pruned", "from", before, "to", after)
		b.expireLocked()
		b.verifyLocked()
	}
}

// expireLocked tears down the historical views computed from versions
// history no longer retains. Their subscribers receive
// HistoryUnavailable and must subscribe again.
func (b *Broker) expireLocked() {
	base := b.history.Base()
	for _, info := range b.registry.Expired(base) {
		b.teardownLocked(info, fmt.Errorf("%w: %d (retained from %d)",
			history.ErrVersionNotFound, info.Frame().SourceVersion, base))
	}
}

// Compute renders key against the current history without pooling
// it. It is the read-only path used by inspection.
func (b *Broker) Compute(key view.Key) (*view.Frame, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return view.Compute(b.history, key)
}

// Stats summarizes the session.
type Stats struct {
	History       history.Stats `json:"history"`
	Clients       int           `json:"clients"`
	Subscriptions int           `json:"subscriptions"`
	Views         []ViewStats   `json:"views"`
	Computations  uint64        `json:"computations"`
}

// ViewStats describes one pooled view.
type ViewStats struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Sequence    uint64 `json:"sequence"`
	Subscribers int    `json:"subscribers"`
}

// Stats returns a summary of the session.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := Stats{
		History:       b.history.Stats(),
		Clients:       len(b.clients),
		Subscriptions: b.pool.Len(),
		Computations:  b.registry.Computations(),
	}
	for _, info := range b.registry.Views() {
		stats.Views = append(stats.Views, ViewStats{
			ID:          info.ID,
			Key:         info.Key.String(),
			Sequence:    info.Sequence(),
			Subscribers: info.SubscriberCount(),
		})
	}
	return stats
}

// Feed carries the grids of one source into a broker. It is
// registered with the source when created, so grids published before
// Run starts are queued rather than lost.
type Feed struct {
	broker    *Broker
	mutations chan *grid.Grid
	stop      chan struct{}
	stopOnce  sync.Once
	cancel    func()
}

// Follow registers with src and returns the Feed that publishes its
// grids. Call Run to start publishing, or Stop to unregister without
// running.
func (b *Broker) Follow(src source.Source) *Feed {
	feed := &Feed{
		broker:    b,
		mutations: make(chan *grid.Grid, 64),
		stop:      make(chan struct{}),
	}
	feed.cancel = src.OnMutation(func(g *grid.Grid) {
		select {
		case feed.mutations <- g:
		case <-feed.stop:
		}
	})
	return feed
}

// Stop unregisters the feed from its source. Safe to call more than
// once.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stop)
		f.cancel()
	})
}

// Run publishes every queued and future grid and applies the retention
// policy periodically, until ctx is done or the broker fails. The feed
// is stopped on return.
func (f *Feed) Run(ctx context.Context) error {
	defer f.Stop()
	b := f.broker

	var retention <-chan time.Time
	if b.config.RetentionInterval > 0 {
		ticker := b.clock.NewTicker(b.config.RetentionInterval)
		defer ticker.Stop()
		retention = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next := <-f.mutations:
			if err := b.Publish(next); err != nil {
				if errors.Is(err, ErrInvariant) || errors.Is(err, ErrClosed) {
					return err
				}
				b.logger.Error("publish failed", "version", next.Version, "error", err)
			}
		case <-retention:
			b.ApplyRetention()
		}
	}
}

// Run is Follow(src).Run(ctx). Grids src publishes before the
// registration inside Run are not seen; callers that start the source
// concurrently should use Follow first.
func (b *Broker) Run(ctx context.Context, src source.Source) error {
	return b.Follow(src).Run(ctx)
}

// Close ends the session: every client is sent a session_ending
// notification and detached.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.endLocked("host closed the session")
}

func (b *Broker) endLocked(reason string) {
	b.closed = true
	for _, id := range b.sortedClientsLocked() {
		client := b.clients[id]
		client.enqueue(&protocol.Notify{Kind: protocol.NotifySessionEnding, Message: reason})
		client.close()
	}
	b.clients = make(map[ClientID]*Client)
	b.pool.Reset()
	b.registry.Reset()
}

// verifyLocked checks that pool and registry agree on every view's
// subscriber count. On disagreement the session is ended with the
// diagnostic state logged, and ErrInvariant is returned.
func (b *Broker) verifyLocked() error {
	if b.failure != nil {
		return b.failure
	}
	poolCounts := b.pool.Counts()
	registryCounts := b.registry.Counts()
	mismatch := len(poolCounts) != len(registryCounts)
	for key, count := range registryCounts {
		if poolCounts[key] != count {
			mismatch = true
			break
		}
	}
	if !mismatch {
		return nil
	}

	diagnostics := make([]string, 0, len(registryCounts))
	for _, info := range b.registry.Views() {
		diagnostics = append(diagnostics, fmt.Sprintf("%s %s registry=%d pool=%d",
			info.ID, info.Key.String(), info.SubscriberCount(), poolCounts[info.Key]))
	}
	for key, count := range poolCounts {
		if _, ok := registryCounts[key]; !ok {
			diagnostics = append(diagnostics, fmt.Sprintf("unregistered %s pool=%d", key.String(), count))
		}
	}
	sort.Strings(diagnostics)
	b.failure = fmt.Errorf("%w: %d views in registry, %d keys in pool", ErrInvariant, len(registryCounts), len(poolCounts))
	b.logger.Error("subscription invariant violated, ending session",
		"error", b.failure, "views", diagnostics, "clients", len(b.clients))
	b.endLocked("internal error")
	return b.failure
}

// send queues message for client, applying the overflow policy if
// the queue is full.
func (b *Broker) send(client *Client, message protocol.Message) {
	if client.enqueue(message) {
		return
	}

	if b.config.Overflow == OverflowDisconnect {
		b.logger.Warn("client queue full, disconnecting", "client", client.ID, "message", message.MessageType())
		b.detachLocked(client.ID, "queue overflow")
		return
	}

	dropped := client.drain()
	replacement := message
	if current, ok := b.pool.Lookup(client.ID); ok {
		if info, ok := b.registry.Lookup(current.Key); ok {
			replacement = &protocol.ViewTransition{
				SubscriptionID: current.ID,
				Reason:         protocol.ReasonResync,
				ViewID:         info.ID,
				Snapshot:       snapshotOf(current.ID, info),
			}
		}
	}
	b.logger.Warn("client queue full, resyncing", "client", client.ID, "dropped", dropped)
	if !client.enqueue(replacement) {
		b.detachLocked(client.ID, "queue overflow after resync")
	}
}

func (b *Broker) sendError(client *Client, subscriptionID string, code protocol.ErrorCode, message string, recoverable bool) {
	b.logger.Debug("request failed", "client", client.ID, "subscription", subscriptionID,
		"code", code.String(), "error", message)
	b.send(client, &protocol.Error{
		SubscriptionID: subscriptionID,
		Code:           code,
		Message:        message,
		Recoverable:    recoverable,
	})
}

func (b *Broker) sortedClientsLocked() []ClientID {
	ids := make([]ClientID, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func snapshotOf(subscriptionID string, info *ViewInfo) *protocol.Snapshot {
	checksum := info.Checksum()
	return &protocol.Snapshot{
		SubscriptionID: subscriptionID,
		ViewID:         info.ID,
		Sequence:       info.Sequence(),
		Grid:           info.Frame().Grid,
		Checksum:       checksum[:],
	}
}

// errorCode maps session, history and view errors onto protocol codes.
func errorCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, grid.ErrInvalidDimensions):
		return protocol.CodeInvalidDimensions
	case errors.Is(err, view.ErrUnknownMode):
		return protocol.CodeInvalidMessage
	case errors.Is(err, history.ErrVersionNotFound), errors.Is(err, history.ErrLineNotFound):
		return protocol.CodeHistoryUnavailable
	case errors.Is(err, grid.ErrVersionMismatch):
		return protocol.CodeVersionMismatch
	case errors.Is(err, ErrAlreadySubscribed):
		return protocol.CodeAlreadySubscribed
	case errors.Is(err, ErrUnknownSubscription):
		return protocol.CodeUnknownSubscription
	case errors.Is(err, ErrUnknownClient):
		return protocol.CodeUnknownClient
	default:
		return protocol.CodeInternal
	}
}

// Reject answers an undecodable message from client id with an
// InvalidMessage error.
func (b *Broker) Reject(id ClientID, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	client, err := b.clientLocked(id)
	if err != nil {
		return err
	}
	b.sendError(client, "", protocol.CodeInvalidMessage, cause.Error(), true)
	return nil
}
