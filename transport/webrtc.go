// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	_ Listener = (*WebRTCTransport)(nil)
	_ Dialer   = (*WebRTCTransport)(nil)
)

const (
	// offerPollInterval paces the host's check for viewer offers.
	offerPollInterval = 2 * time.Second

	// answerPollInterval paces a dialer waiting for the host's answer.
	answerPollInterval = 500 * time.Millisecond

	gatherTimeout      = 15 * time.Second
	answerTimeout      = 30 * time.Second
	channelOpenTimeout = 10 * time.Second

	// primerLabel names the data channel a dialer creates before its
	// offer so the SDP carries an SCTP section. No frames cross it.
	primerLabel = "primer"
)

// WebRTCTransport carries viewer connections over WebRTC data channels.
// It is both a Listener and a Dialer: a host serves the data channels
// viewers open, and a viewer dials the host by its peer name.
//
// Each remote peer has one PeerConnection. Every DialContext opens a
// fresh ordered data channel on it, so a viewer that reconnects after
// a resync reuses the negotiated connection. Negotiation is vanilla
// ICE: candidates are gathered before the description is published,
// so one offer and one answer through the Signaler are enough.
type WebRTCTransport struct {
	signaler Signaler
	name     string
	logger   *slog.Logger

	configMu  sync.RWMutex
	iceConfig ICEConfig

	mu    sync.Mutex
	peers map[string]*peer

	// accepted carries data channels opened by remote peers to Serve.
	accepted chan net.Conn

	ready     chan struct{}
	readyOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once

	labels atomic.Uint64
}

// peer is the PeerConnection to one remote name.
type peer struct {
	name       string
	connection *webrtc.PeerConnection

	// connected is closed once ICE reaches Connected or Completed.
	connected     chan struct{}
	connectedOnce sync.Once
}

func (p *peer) alive() bool {
	switch p.connection.ICEConnectionState() {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		return false
	}
	return true
}

// NewWebRTCTransport returns a transport known to peers as name, which
// exchanges session descriptions through signaler.
func NewWebRTCTransport(signaler Signaler, name string, iceConfig ICEConfig, logger *slog.Logger) *WebRTCTransport {
	return &WebRTCTransport{
		signaler:  signaler,
		name:      name,
		iceConfig: iceConfig,
		logger:    logger,
		peers:     make(map[string]*peer),
		accepted:  make(chan net.Conn, 64),
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// Ready is closed once Serve is polling for offers.
func (wt *WebRTCTransport) Ready() <-chan struct{} {
	return wt.ready
}

// Serve answers viewer offers and runs handler for every data channel
// they open, until ctx is done or the transport is closed.
func (wt *WebRTCTransport) Serve(ctx context.Context, handler Handler) error {
	go wt.pollOffers(ctx)
	wt.readyOnce.Do(func() { close(wt.ready) })

	return serveListener(ctx, &chanListener{
		connections: wt.accepted,
		closed:      wt.closed,
		done:        make(chan struct{}),
		address:     &dataChannelAddr{label: "webrtc/" + wt.name},
	}, handler)
}

// Address returns the peer name viewers dial.
func (wt *WebRTCTransport) Address() string {
	return wt.name
}

// Close tears down every PeerConnection and stops offer polling.
func (wt *WebRTCTransport) Close() error {
	wt.closeOnce.Do(func() { close(wt.closed) })

	wt.mu.Lock()
	peers := make([]*peer, 0, len(wt.peers))
	for name, p := range wt.peers {
		peers = append(peers, p)
		delete(wt.peers, name)
	}
	wt.mu.Unlock()

	for _, p := range peers {
		p.connection.Close()
	}
	return nil
}

// UpdateICEConfig replaces the ICE servers used by PeerConnections
// created from now on. Established connections keep theirs.
func (wt *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	wt.configMu.Lock()
	wt.iceConfig = config
	wt.configMu.Unlock()
}

// DialContext opens a data channel to the peer named address,
// negotiating a PeerConnection first if there is no live one.
func (wt *WebRTCTransport) DialContext(ctx context.Context, address string) (net.Conn, error) {
	if wt.isClosed() {
		return nil, net.ErrClosed
	}

	p, err := wt.peerFor(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("connecting to peer %s: %w", address, err)
	}

	select {
	case <-p.connected:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}
	return wt.openChannel(ctx, p)
}

func (wt *WebRTCTransport) isClosed() bool {
	select {
	case <-wt.closed:
		return true
	default:
		return false
	}
}

// peerFor returns the live peer for name or negotiates a new one. The
// new peer is registered before negotiation so concurrent dials wait
// on it instead of sending a second offer.
func (wt *WebRTCTransport) peerFor(ctx context.Context, name string) (*peer, error) {
	wt.mu.Lock()
	existing, ok := wt.peers[name]
	if ok && existing.alive() {
		wt.mu.Unlock()
		return existing, nil
	}
	if ok {
		delete(wt.peers, name)
	}
	p, err := wt.newPeer(name)
	if err != nil {
		wt.mu.Unlock()
		return nil, err
	}
	wt.peers[name] = p
	wt.mu.Unlock()

	if ok {
		existing.connection.Close()
	}

	if err := wt.offer(ctx, p); err != nil {
		wt.forget(p)
		p.connection.Close()
		return nil, err
	}
	return p, nil
}

// forget removes p from the peer map if it is still the entry for its
// name.
func (wt *WebRTCTransport) forget(p *peer) {
	wt.mu.Lock()
	if wt.peers[p.name] == p {
		delete(wt.peers, p.name)
	}
	wt.mu.Unlock()
}

// newPeer creates a PeerConnection to name with the inbound channel
// and ICE state handlers installed.
func (wt *WebRTCTransport) newPeer(name string) (*peer, error) {
	connection, err := wt.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	p := &peer{
		name:       name,
		connection: connection,
		connected:  make(chan struct{}),
	}
	connection.OnDataChannel(func(channel *webrtc.DataChannel) {
		wt.acceptChannel(p, channel)
	})
	connection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.iceStateChanged(p, state)
	})
	return p, nil
}

// offer runs the dialing side of negotiation: publish a gathered
// offer, then apply the answer.
func (wt *WebRTCTransport) offer(ctx context.Context, p *peer) error {
	if _, err := p.connection.CreateDataChannel(primerLabel, nil); err != nil {
		return fmt.Errorf("creating primer data channel: %w", err)
	}
	description, err := p.connection.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	sdp, err := gather(ctx, p.connection, description)
	if err != nil {
		return err
	}
	if err := wt.signaler.PublishOffer(ctx, wt.name, p.name, sdp); err != nil {
		return fmt.Errorf("publishing offer: %w", err)
	}
	wt.logger.Debug("offer published", "peer", p.name)

	answer, err := wt.awaitAnswer(ctx, p.name)
	if err != nil {
		return fmt.Errorf("awaiting answer: %w", err)
	}
	if err := p.connection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fmt.Errorf("applying answer: %w", err)
	}
	wt.logger.Info("webrtc peer negotiated", "peer", p.name, "role", "offerer")
	return nil
}

// gather sets description as the local description and waits for ICE
// gathering, returning the SDP with every candidate included.
func gather(ctx context.Context, connection *webrtc.PeerConnection, description webrtc.SessionDescription) (string, error) {
	complete := webrtc.GatheringCompletePromise(connection)
	if err := connection.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local %s: %w", description.Type, err)
	}

	timer := time.NewTimer(gatherTimeout)
	defer timer.Stop()
	select {
	case <-complete:
		return connection.LocalDescription().SDP, nil
	case <-timer.C:
		return "", fmt.Errorf("ICE gathering did not finish within %s", gatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (wt *WebRTCTransport) awaitAnswer(ctx context.Context, from string) (string, error) {
	deadline := time.NewTimer(answerTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return "", fmt.Errorf("no answer from %s within %s", from, answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wt.closed:
			return "", net.ErrClosed
		case <-ticker.C:
		}

		answers, err := wt.signaler.PollAnswers(ctx, wt.name)
		if err != nil {
			wt.logger.Warn("polling answers failed", "error", err)
			continue
		}
		for _, answer := range answers {
			if answer.Peer == from {
				return answer.SDP, nil
			}
		}
	}
}

func (wt *WebRTCTransport) pollOffers(ctx context.Context) {
	ticker := time.NewTicker(offerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wt.closed:
			return
		case <-ticker.C:
		}

		offers, err := wt.signaler.PollOffers(ctx, wt.name)
		if err != nil {
			wt.logger.Warn("polling offers failed", "error", err)
			continue
		}
		for _, offer := range offers {
			if !wt.yieldTo(offer.Peer) {
				continue
			}
			if err := wt.answer(ctx, offer); err != nil {
				wt.logger.Error("answering offer failed", "peer", offer.Peer, "error", err)
			}
		}
	}
}

// yieldTo reports whether an offer from name should be answered. When
// both sides offered at once the lexicographically smaller name wins
// and the loser drops its own attempt. A dead peer is always replaced.
func (wt *WebRTCTransport) yieldTo(name string) bool {
	wt.mu.Lock()
	existing, ok := wt.peers[name]
	if !ok {
		wt.mu.Unlock()
		return true
	}
	if existing.alive() && name > wt.name {
		wt.mu.Unlock()
		return false
	}
	delete(wt.peers, name)
	wt.mu.Unlock()

	existing.connection.Close()
	return true
}

// answer runs the serving side of negotiation for one offer.
func (wt *WebRTCTransport) answer(ctx context.Context, offer SignalMessage) error {
	p, err := wt.newPeer(offer.Peer)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		p.connection.Close()
		return err
	}

	if err := p.connection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return fail(fmt.Errorf("applying offer: %w", err))
	}
	description, err := p.connection.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating answer: %w", err))
	}
	sdp, err := gather(ctx, p.connection, description)
	if err != nil {
		return fail(err)
	}
	if err := wt.signaler.PublishAnswer(ctx, offer.Peer, wt.name, sdp); err != nil {
		return fail(fmt.Errorf("publishing answer: %w", err))
	}

	wt.mu.Lock()
	wt.peers[offer.Peer] = p
	wt.mu.Unlock()
	wt.logger.Info("webrtc peer negotiated", "peer", offer.Peer, "role", "answerer")
	return nil
}

// acceptChannel hands a data channel opened by the remote side to
// Serve once it opens.
func (wt *WebRTCTransport) acceptChannel(p *peer, channel *webrtc.DataChannel) {
	label := channel.Label()
	if label == primerLabel {
		channel.OnOpen(func() { channel.Close() })
		return
	}

	channel.OnOpen(func() {
		raw, err := channel.Detach()
		if err != nil {
			wt.logger.Error("detaching inbound data channel failed",
				"peer", p.name, "label", label, "error", err)
			return
		}
		wt.logger.Debug("inbound data channel open", "peer", p.name, "label", label)

		conn := NewDataChannelConn(raw, wt.name+"/"+label, p.name+"/"+label)
		select {
		case wt.accepted <- conn:
		case <-wt.closed:
			conn.Close()
		}
	})
}

func (wt *WebRTCTransport) iceStateChanged(p *peer, state webrtc.ICEConnectionState) {
	wt.logger.Debug("ICE state", "peer", p.name, "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		p.connectedOnce.Do(func() { close(p.connected) })
	case webrtc.ICEConnectionStateFailed:
		// The next dial to this peer renegotiates.
		wt.logger.Warn("webrtc peer failed", "peer", p.name)
	case webrtc.ICEConnectionStateClosed:
		wt.forget(p)
	}
}

// openChannel opens an ordered data channel on p and returns it once
// it is usable.
func (wt *WebRTCTransport) openChannel(ctx context.Context, p *peer) (net.Conn, error) {
	label := fmt.Sprintf("view-%d", wt.labels.Add(1))
	ordered := true
	channel, err := p.connection.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	channel.OnOpen(func() { close(opened) })

	timer := time.NewTimer(channelOpenTimeout)
	defer timer.Stop()
	select {
	case <-opened:
	case <-timer.C:
		channel.Close()
		return nil, fmt.Errorf("data channel %s did not open within %s", label, channelOpenTimeout)
	case <-ctx.Done():
		channel.Close()
		return nil, ctx.Err()
	case <-wt.closed:
		channel.Close()
		return nil, net.ErrClosed
	}

	raw, err := channel.Detach()
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}
	wt.logger.Debug("data channel open", "peer", p.name, "label", label)
	return NewDataChannelConn(raw, wt.name+"/"+label, p.name+"/"+label), nil
}

// newPeerConnection builds a PeerConnection from the current ICE
// servers. Data channels are detached for stream access, and loopback
// candidates are allowed so host and viewer can share a machine.
func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	wt.configMu.RLock()
	configuration := webrtc.Configuration{ICEServers: wt.iceConfig.Servers}
	wt.configMu.RUnlock()

	var settings webrtc.SettingEngine
	settings.DetachDataChannels()
	settings.SetIncludeLoopbackCandidate(true)
	return webrtc.NewAPI(webrtc.WithSettingEngine(settings)).NewPeerConnection(configuration)
}
