// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries viewer connections between a session host
// and remote viewers.
//
// A [Listener] accepts inbound viewer connections and runs a [Handler]
// for each one (Serve, Address, Close); a [Dialer] opens a connection
// to a host (DialContext). Both deal in net.Conn byte streams; framing
// and session semantics live in the protocol and session packages.
//
// [StreamListener] and [StreamDialer] cover TCP and Unix sockets.
// [WebSocketListener] and [WebSocketDialer] carry the byte stream in
// binary WebSocket messages, for viewers that can only reach the host
// through an HTTP proxy.
//
// [WebRTCTransport] uses pion/webrtc data channels with ICE for
// viewers behind NAT. Each pair of peers shares one PeerConnection;
// every dial opens an ordered, reliable data channel on it, so
// concurrent viewers from one peer do not block each other.
// [WebRTCTransport] implements both Listener and Dialer on a single
// instance.
//
// Signaling is abstracted behind the [Signaler] interface, which
// publishes and polls SDP offers and answers in vanilla ICE mode (all
// candidates gathered before signaling, one round-trip per peer).
// [DirectorySignaler] exchanges them as files in a shared directory;
// [MemorySignaler] is an in-process implementation for tests. When
// both peers dial each other at once, the peer whose name sorts first
// is the offerer and the other drops its attempt.
//
// [DataChannelConn] wraps a detached data channel as a net.Conn. Data
// channels are message-oriented; the wrapper splits large writes into
// messages and buffers reads so callers see a byte stream.
package transport
