// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/gridcast/lib/compress"
	"github.com/bureau-foundation/gridcast/protocol"
)

// DefaultQueueSize is the outbound queue capacity when Config.QueueSize
// is zero.
const DefaultQueueSize = 256

// OverflowPolicy decides what happens when a client's outbound queue
// is full.
type OverflowPolicy string

const (
	// OverflowResync discards everything queued for the client and
	// queues a single ViewTransition carrying a snapshot of its current
	// view, so the client catches up in one message.
	OverflowResync OverflowPolicy = "resync"

	// OverflowDisconnect detaches the client.
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// Validate reports whether p names a known policy.
func (p OverflowPolicy) Validate() error {
	switch p {
	case OverflowResync, OverflowDisconnect:
		return nil
	default:
		return fmt.Errorf("unknown overflow policy %q (want resync or disconnect)", string(p))
	}
}

// Client is one attached viewer as seen by the broker. The broker
// produces into its outbound queue; a transport drains it.
type Client struct {
	ID ClientID

	outbound  chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once

	compression atomic.Uint32
	overflows   atomic.Uint64
}

func newClient(id ClientID, queueSize int, compression compress.Tag) *Client {
	client := &Client{
		ID:       id,
		outbound: make(chan protocol.Message, queueSize),
		done:     make(chan struct{}),
	}
	client.compression.Store(uint32(compression))
	return client
}

// Outbound returns the queue of messages for the client, in the order
// the broker produced them.
func (c *Client) Outbound() <-chan protocol.Message { return c.outbound }

// Done is closed when the broker detaches the client. Messages queued
// before that remain readable from Outbound.
func (c *Client) Done() <-chan struct{} { return c.done }

// Compression returns the compression preference for frames sent to
// the client.
func (c *Client) Compression() compress.Tag {
	return compress.Tag(c.compression.Load())
}

// Overflows returns how many times the client's queue overflowed.
func (c *Client) Overflows() uint64 { return c.overflows.Load() }

func (c *Client) setCompression(tag compress.Tag) {
	c.compression.Store(uint32(tag))
}

// enqueue queues message without blocking. Returns false only when the
// queue is full. Sending to a detached client succeeds and does
// nothing.
func (c *Client) enqueue(message protocol.Message) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.outbound <- message:
		return true
	default:
		c.overflows.Add(1)
		return false
	}
}

// drain discards everything queued and returns how many messages were
// dropped.
func (c *Client) drain() int {
	dropped := 0
	for {
		select {
		case <-c.outbound:
			dropped++
		default:
			return dropped
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
