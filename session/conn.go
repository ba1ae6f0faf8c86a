// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/bureau-foundation/gridcast/protocol"
)

// DefaultCompressionThreshold is the payload size below which frames
// are sent uncompressed.
const DefaultCompressionThreshold = 512

// flushTimeout bounds how long a connection ended by the broker waits
// for its final messages to be written.
const flushTimeout = 5 * time.Second

// Serve attaches a client to broker and runs it over connection until
// the viewer disconnects, the broker detaches the client, or ctx is
// done. connection is closed on return.
//
// A frame whose payload cannot be decoded is answered with an
// InvalidMessage error and the connection stays open. Any other read
// or write failure ends the connection.
func Serve(ctx context.Context, broker *Broker, connection io.ReadWriteCloser, threshold int) error {
	client, err := broker.Attach()
	if err != nil {
		connection.Close()
		return err
	}
	defer broker.Detach(client.ID)

	// done is closed when either direction finishes.
	done := make(chan struct{})
	var doneOnce sync.Once
	triggerDone := func() { doneOnce.Do(func() { close(done) }) }

	var goroutineWait sync.WaitGroup
	var failure error
	flushed := make(chan struct{})

	// Client queue → connection.
	goroutineWait.Add(1)
	go func() {
		defer goroutineWait.Done()
		defer triggerDone()
		defer close(flushed)
		write := func(message protocol.Message) bool {
			// A write failure means the viewer went away.
			return protocol.WriteMessage(connection, message, client.Compression(), threshold) == nil
		}
		for {
			select {
			case message := <-client.Outbound():
				if !write(message) {
					return
				}
			case <-client.Done():
				// Flush what the broker queued before detaching, such
				// as a session_ending notification.
				for {
					select {
					case message := <-client.Outbound():
						if !write(message) {
							return
						}
					default:
						return
					}
				}
			case <-done:
				return
			}
		}
	}()

	// Connection → broker.
	goroutineWait.Add(1)
	go func() {
		defer goroutineWait.Done()
		defer triggerDone()
		for {
			message, err := protocol.ReadMessage(connection)
			if errors.Is(err, protocol.ErrMalformed) {
				if rejectErr := broker.Reject(client.ID, err); rejectErr != nil {
					return
				}
				continue
			}
			if err != nil {
				// Read failure means the viewer went away or the
				// connection was closed during shutdown.
				return
			}
			if err := broker.Handle(client.ID, message); err != nil {
				if errors.Is(err, ErrInvariant) {
					failure = err
				}
				return
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	// A client the broker ended may still hold its last messages, such
	// as session_ending, when ctx is cancelled during shutdown. They are
	// written before the connection closes.
	select {
	case <-client.Done():
		timer := time.NewTimer(flushTimeout)
		select {
		case <-flushed:
		case <-timer.C:
		}
		timer.Stop()
	default:
	}
	// Closing the connection unblocks the reader.
	connection.Close()
	goroutineWait.Wait()

	return failure
}
