// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/gridcast/lib/compress"
	"github.com/bureau-foundation/gridcast/view"
)

var (
	// ErrAlreadySubscribed is returned by Pool.Subscribe for a client
	// that already holds a subscription.
	ErrAlreadySubscribed = errors.New("client already subscribed")

	// ErrUnknownSubscription is returned for a subscription ID the
	// client does not hold.
	ErrUnknownSubscription = errors.New("unknown subscription")
)

// State is a client's subscription state.
type State uint8

const (
	Unsubscribed State = iota
	Subscribed
	// Transitioning is held between releasing the old view and
	// acquiring the new one during ModifySubscription.
	Transitioning
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribed:
		return "subscribed"
	case Transitioning:
		return "transitioning"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// Subscription is one client's binding to a view.
type Subscription struct {
	ID          string
	State       State
	Key         view.Key
	Pending     view.Key
	Compression compress.Tag
}

// Pool tracks which view each client observes. It is not safe for
// concurrent use; the Broker serializes access.
type Pool struct {
	entries map[ClientID]*Subscription
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[ClientID]*Subscription)}
}

// Subscribe moves client from Unsubscribed to Subscribed(key).
func (p *Pool) Subscribe(client ClientID, subscriptionID string, key view.Key, compression compress.Tag) error {
	if entry, ok := p.entries[client]; ok && entry.State != Unsubscribed {
		return fmt.Errorf("%w: %s holds %q", ErrAlreadySubscribed, client, entry.ID)
	}
	p.entries[client] = &Subscription{
		ID:          subscriptionID,
		State:       Subscribed,
		Key:         key,
		Compression: compression,
	}
	return nil
}

// Lookup returns a copy of the client's subscription. ok is false for
// an unsubscribed client.
func (p *Pool) Lookup(client ClientID) (Subscription, bool) {
	entry, ok := p.entries[client]
	if !ok || entry.State == Unsubscribed {
		return Subscription{}, false
	}
	return *entry, true
}

// check verifies the client holds subscriptionID.
func (p *Pool) check(client ClientID, subscriptionID string) (*Subscription, error) {
	entry, ok := p.entries[client]
	if !ok || entry.State == Unsubscribed || entry.ID != subscriptionID {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSubscription, subscriptionID)
	}
	return entry, nil
}

// BeginTransition moves client from Subscribed(old) to
// Transitioning(old, next) and returns old.
func (p *Pool) BeginTransition(client ClientID, subscriptionID string, next view.Key) (view.Key, error) {
	entry, err := p.check(client, subscriptionID)
	if err != nil {
		return view.Key{}, err
	}
	if entry.State != Subscribed {
		return view.Key{}, fmt.Errorf("subscription %q is %s", subscriptionID, entry.State)
	}
	entry.State = Transitioning
	entry.Pending = next
	return entry.Key, nil
}

// CompleteTransition moves client to Subscribed(pending).
func (p *Pool) CompleteTransition(client ClientID) {
	entry, ok := p.entries[client]
	if !ok || entry.State != Transitioning {
		return
	}
	entry.Key = entry.Pending
	entry.Pending = view.Key{}
	entry.State = Subscribed
}

// AbortTransition returns client to Subscribed(old).
func (p *Pool) AbortTransition(client ClientID) {
	entry, ok := p.entries[client]
	if !ok || entry.State != Transitioning {
		return
	}
	entry.Pending = view.Key{}
	entry.State = Subscribed
}

// Unsubscribe moves client to Unsubscribed from any state and returns
// the key it held. ok is false if the client held nothing, which makes
// repeated calls harmless.
func (p *Pool) Unsubscribe(client ClientID) (key view.Key, ok bool) {
	entry, exists := p.entries[client]
	if !exists {
		return view.Key{}, false
	}
	delete(p.entries, client)
	if entry.State == Unsubscribed {
		return view.Key{}, false
	}
	return entry.Key, true
}

// Reset unsubscribes every client and returns their IDs.
func (p *Pool) Reset() []ClientID {
	clients := make([]ClientID, 0, len(p.entries))
	for client := range p.entries {
		clients = append(clients, client)
	}
	p.entries = make(map[ClientID]*Subscription)
	return clients
}

// Counts returns the number of Subscribed clients per key.
// Transitioning clients are not counted.
func (p *Pool) Counts() map[view.Key]int {
	counts := make(map[view.Key]int)
	for _, entry := range p.entries {
		if entry.State == Subscribed {
			counts[entry.Key]++
		}
	}
	return counts
}

// Len returns the number of subscribed clients.
func (p *Pool) Len() int {
	return len(p.entries)
}
