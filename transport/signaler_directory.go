// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/gridcast/lib/clock"
	"github.com/bureau-foundation/gridcast/lib/codec"
)

// Compile-time interface check.
var _ Signaler = (*DirectorySignaler)(nil)

const (
	offersDirectory  = "offers"
	answersDirectory = "answers"
	signalExtension  = ".cbor"
)

// DirectorySignaler exchanges signals as CBOR files in a directory
// both peers can reach (a shared mount, or a local directory for
// same-host viewers). Each signal lives at
// <root>/{offers,answers}/<offerer>|<target>.cbor and is replaced
// atomically on republish. Polling state is held in memory, so a
// restarted peer sees every signal still present once.
type DirectorySignaler struct {
	root  string
	clock clock.Clock

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewDirectorySignaler creates the offer and answer directories under
// root if needed.
func NewDirectorySignaler(root string, clk clock.Clock) (*DirectorySignaler, error) {
	for _, sub := range []string{offersDirectory, answersDirectory} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			return nil, fmt.Errorf("creating signaling directory: %w", err)
		}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &DirectorySignaler{
		root:     root,
		clock:    clk,
		lastSeen: make(map[string]time.Time),
	}, nil
}

func (s *DirectorySignaler) PublishOffer(_ context.Context, name, target, sdp string) error {
	if err := validatePeerName(name); err != nil {
		return err
	}
	if err := validatePeerName(target); err != nil {
		return err
	}
	return s.write(offersDirectory, name+signalingSeparator+target, SignalMessage{
		Peer:      name,
		SDP:       sdp,
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *DirectorySignaler) PublishAnswer(_ context.Context, offerer, name, sdp string) error {
	if err := validatePeerName(offerer); err != nil {
		return err
	}
	if err := validatePeerName(name); err != nil {
		return err
	}
	return s.write(answersDirectory, offerer+signalingSeparator+name, SignalMessage{
		Peer:      name,
		SDP:       sdp,
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *DirectorySignaler) PollOffers(_ context.Context, name string) ([]SignalMessage, error) {
	return s.poll(offersDirectory, name, matchOfferKey)
}

func (s *DirectorySignaler) PollAnswers(_ context.Context, name string) ([]SignalMessage, error) {
	return s.poll(answersDirectory, name, matchAnswerKey)
}

// write stores message through a temporary file and rename so pollers
// never read a partial signal.
func (s *DirectorySignaler) write(sub, key string, message SignalMessage) error {
	data, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}
	directory := filepath.Join(s.root, sub)
	temporary, err := os.CreateTemp(directory, ".signal-*")
	if err != nil {
		return fmt.Errorf("creating signal file: %w", err)
	}
	defer os.Remove(temporary.Name())
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return fmt.Errorf("writing signal file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("writing signal file: %w", err)
	}
	if err := os.Rename(temporary.Name(), filepath.Join(directory, key+signalExtension)); err != nil {
		return fmt.Errorf("publishing signal: %w", err)
	}
	return nil
}

func (s *DirectorySignaler) poll(sub, name string, match signalKeyMatcher) ([]SignalMessage, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sub))
	if err != nil {
		return nil, fmt.Errorf("listing signals: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage
	for _, entry := range entries {
		key, isSignal := strings.CutSuffix(entry.Name(), signalExtension)
		if !isSignal || entry.IsDir() {
			continue
		}
		if _, ok := match(key, name); !ok {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.root, sub, entry.Name()))
		if err != nil {
			// Replaced or removed between listing and reading.
			continue
		}
		var message SignalMessage
		if err := codec.Unmarshal(data, &message); err != nil {
			continue
		}
		timestamp, err := time.Parse(time.RFC3339Nano, message.Timestamp)
		if err != nil {
			continue
		}

		seenKey := sub + ":" + name + ":" + key
		if last, ok := s.lastSeen[seenKey]; ok && !timestamp.After(last) {
			continue
		}
		s.lastSeen[seenKey] = timestamp
		messages = append(messages, message)
	}
	return messages, nil
}

var errInvalidPeerName = errors.New("invalid peer name")

func validatePeerName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, signalingSeparator+"/\\") {
		return fmt.Errorf("%w: %q", errInvalidPeerName, name)
	}
	return nil
}
