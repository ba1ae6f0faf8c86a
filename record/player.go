// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/lib/clock"
)

var errFirstFrame = errors.New("first frame read")

// Player republishes a recording as a source.Source.
type Player struct {
	recording *Recording
	clock     clock.Clock
	speed     float64
	first     *grid.Grid

	mu        sync.Mutex
	current   *grid.Grid
	listeners map[uint64]func(*grid.Grid)
	nextID    uint64
}

// NewPlayer prepares to replay recording. speed scales the recorded
// gaps between frames: 2 plays twice as fast, and 0 publishes every
// frame without waiting.
func NewPlayer(ctx context.Context, recording *Recording, clk clock.Clock, speed float64) (*Player, error) {
	var first *grid.Grid
	err := recording.Grids(ctx, 0, func(g *grid.Grid) error {
		first = g
		return errFirstFrame
	})
	if err != nil && !errors.Is(err, errFirstFrame) {
		return nil, err
	}
	if first == nil {
		return nil, ErrEmpty
	}
	return &Player{
		recording: recording,
		clock:     clk,
		speed:     speed,
		first:     first,
		current:   first,
		listeners: make(map[uint64]func(*grid.Grid)),
	}, nil
}

// Grid returns the most recently published grid, or the first frame
// before Play.
func (p *Player) Grid() *grid.Grid {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// OnMutation implements source.Source.
func (p *Player) OnMutation(fn func(*grid.Grid)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// Play publishes every frame after the first, then returns nil. It
// returns ctx's error if ctx ends first.
func (p *Player) Play(ctx context.Context) error {
	previous := p.first
	return p.recording.Grids(ctx, p.first.Version+1, func(g *grid.Grid) error {
		if wait := p.gap(previous, g); wait > 0 {
			select {
			case <-p.clock.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		p.publish(g)
		previous = g
		return nil
	})
}

func (p *Player) gap(previous, next *grid.Grid) time.Duration {
	if p.speed <= 0 || next.Timestamp <= previous.Timestamp {
		return 0
	}
	return time.Duration(float64(next.Timestamp-previous.Timestamp) / p.speed)
}

func (p *Player) publish(g *grid.Grid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = g
	for _, id := range slices.Sorted(maps.Keys(p.listeners)) {
		p.listeners[id](g)
	}
}
