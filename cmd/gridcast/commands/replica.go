// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/protocol"
	"github.com/bureau-foundation/gridcast/view"
)

// errGap means the replica can no longer follow its view from deltas
// and needs a fresh snapshot.
var errGap = errors.New("replica out of sync")

// replica is the viewer's copy of one subscribed view.
type replica struct {
	subscriptionID string
	viewID         string
	sequence       uint64
	grid           *grid.Grid
}

// synced reports whether the replica holds a grid.
func (r *replica) synced() bool {
	return r.grid != nil
}

// reset discards the grid; deltas are refused until the next snapshot.
func (r *replica) reset() {
	r.grid = nil
	r.sequence = 0
}

// snapshot replaces the grid after verifying its checksum.
func (r *replica) snapshot(message *protocol.Snapshot) error {
	if message.Grid == nil {
		return fmt.Errorf("%w: snapshot %d has no grid", errGap, message.Sequence)
	}
	if err := message.Grid.Validate(); err != nil {
		return fmt.Errorf("%w: snapshot %d: %v", errGap, message.Sequence, err)
	}
	checksum := view.Checksum(message.Grid)
	if !bytes.Equal(checksum[:], message.Checksum) {
		return fmt.Errorf("%w: snapshot %d checksum mismatch", errGap, message.Sequence)
	}
	r.viewID = message.ViewID
	r.sequence = message.Sequence
	r.grid = message.Grid
	return nil
}

// delta advances the grid by one sequence number.
func (r *replica) delta(message *protocol.Delta) error {
	if !r.synced() {
		return fmt.Errorf("%w: delta %d before snapshot", errGap, message.Sequence)
	}
	if message.Sequence != r.sequence+1 {
		return fmt.Errorf("%w: delta %d after %d", errGap, message.Sequence, r.sequence)
	}
	return r.apply(message)
}

// transition moves the replica to another view. A transition delta
// skips sequence numbers, so only its source version is checked.
func (r *replica) transition(message *protocol.ViewTransition) error {
	switch {
	case message.Snapshot != nil:
		return r.snapshot(message.Snapshot)
	case message.Delta != nil:
		if !r.synced() {
			return fmt.Errorf("%w: transition before snapshot", errGap)
		}
		if err := r.apply(message.Delta); err != nil {
			return err
		}
		r.viewID = message.ViewID
		return nil
	default:
		return fmt.Errorf("%w: empty transition", errGap)
	}
}

func (r *replica) apply(message *protocol.Delta) error {
	if message.Change == nil {
		return fmt.Errorf("%w: delta %d has no change", errGap, message.Sequence)
	}
	next, err := grid.Apply(r.grid, message.Change)
	if err != nil {
		return fmt.Errorf("%w: %w", errGap, err)
	}
	r.sequence = message.Sequence
	r.grid = next
	return nil
}
