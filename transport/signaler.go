// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
)

// Signaler abstracts the mechanism for exchanging WebRTC session
// descriptions between peers. DirectorySignaler exchanges them through
// a shared directory; tests use MemorySignaler.
//
// The signaling model is vanilla ICE: all ICE candidates are gathered
// before the SDP is published, so connection establishment requires
// exactly one signaling round-trip (offer then answer).
type Signaler interface {
	// PublishOffer publishes a complete SDP offer from name directed
	// at target. The implementation stores it under the key
	// "<name>|<target>".
	PublishOffer(ctx context.Context, name, target, sdp string) error

	// PublishAnswer publishes a complete SDP answer from name to a
	// previously received offer. The key matches the offer:
	// "<offerer>|<name>".
	PublishAnswer(ctx context.Context, offerer, name, sdp string) error

	// PollOffers returns offers directed at name that are newer than
	// the last poll returned.
	PollOffers(ctx context.Context, name string) ([]SignalMessage, error)

	// PollAnswers returns answers to offers originated by name that
	// are newer than the last poll returned.
	PollAnswers(ctx context.Context, name string) ([]SignalMessage, error)
}

// SignalMessage represents a signaling message (offer or answer).
type SignalMessage struct {
	// Peer is the name of the other party. For received offers, this
	// is the offerer. For received answers, this is the answerer.
	Peer string `json:"peer"`

	// SDP is the complete Session Description Protocol string with
	// all ICE candidates embedded.
	SDP string `json:"sdp"`

	// Timestamp is the RFC 3339 creation time of the signal.
	Timestamp string `json:"timestamp"`
}

// signalingSeparator joins the offerer and target names in a signal
// key. Peer names must not contain it.
const signalingSeparator = "|"

// signalKeyMatcher reports whether key is relevant to name, returning
// the other party's name.
type signalKeyMatcher func(key, name string) (peer string, ok bool)

// matchOfferKey matches "<offerer>|<name>": offers directed at name.
func matchOfferKey(key, name string) (string, bool) {
	offerer, target, found := strings.Cut(key, signalingSeparator)
	if !found || target != name {
		return "", false
	}
	return offerer, true
}

// matchAnswerKey matches "<name>|<target>": answers to name's offers.
func matchAnswerKey(key, name string) (string, bool) {
	offerer, target, found := strings.Cut(key, signalingSeparator)
	if !found || offerer != name {
		return "", false
	}
	return target, true
}
