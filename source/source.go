// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package source produces terminal state for a session.
//
// A [Source] publishes a totally ordered sequence of immutable grids,
// each one version after the last. [LineSource] builds that sequence
// from plain line output (a pipe, a log file, a build), which is
// enough to drive a session without a terminal emulator.
package source

import (
	"bytes"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/lib/clock"
)

// Source produces terminal state.
type Source interface {
	// OnMutation registers fn to receive every grid the source
	// publishes after registration, in version order. Grids passed to
	// fn must not be modified. The returned function unregisters fn.
	OnMutation(fn func(*grid.Grid)) (cancel func())
}

const tabWidth = 8

// LineSource renders line-oriented output onto a fixed-size grid,
// scrolling when output reaches the bottom row. Escape sequences are
// stripped. Lines longer than the grid wrap.
//
// Listeners are called synchronously, in order, while the source's
// lock is held; a listener must not call back into the source.
type LineSource struct {
	mu      sync.Mutex
	clock   clock.Clock
	current *grid.Grid
	pending []byte
	// wrapPending is set when the last write filled the cursor row
	// exactly. The grid cursor stays on the last column, and the next
	// printable character wraps first.
	wrapPending bool
	listeners   map[uint64]func(*grid.Grid)
	nextID      uint64
}

// NewLineSource returns a source with a blank width x height grid at
// version 0.
func NewLineSource(width, height uint16, clk clock.Clock) (*LineSource, error) {
	initial, err := grid.New(width, height)
	if err != nil {
		return nil, err
	}
	initial.Timestamp = clk.Now().UnixNano()
	return &LineSource{
		clock:     clk,
		current:   initial,
		listeners: make(map[uint64]func(*grid.Grid)),
	}, nil
}

// OnMutation implements Source.
func (s *LineSource) OnMutation(fn func(*grid.Grid)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Grid returns the most recently published grid.
func (s *LineSource) Grid() *grid.Grid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Write buffers p and renders every complete line in it as a single
// mutation. A trailing partial line waits for its newline or Flush.
func (s *LineSource) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, p...)
	end := bytes.LastIndexByte(s.pending, '\n')
	if end < 0 {
		return len(p), nil
	}
	complete := string(s.pending[:end+1])
	s.pending = append(s.pending[:0], s.pending[end+1:]...)
	s.renderLocked(complete)
	return len(p), nil
}

// WriteLine renders one line of text.
func (s *LineSource) WriteLine(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renderLocked(text + "\n")
}

// Flush renders any buffered partial line without a trailing newline.
func (s *LineSource) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return
	}
	partial := string(s.pending)
	s.pending = s.pending[:0]
	s.renderLocked(partial)
}

// ReadFrom copies r into the source until EOF, then flushes.
func (s *LineSource) ReadFrom(r io.Reader) (int64, error) {
	n, err := io.Copy(writerOnly{s}, r)
	s.Flush()
	return n, err
}

// writerOnly hides ReadFrom so io.Copy does not recurse.
type writerOnly struct{ io.Writer }

// Resize publishes a grid of the new dimensions. Rows are kept
// top-aligned and clipped; if the cursor would fall off the bottom the
// contents scroll up so it stays on the last row.
func (s *LineSource) Resize(width, height uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := grid.New(width, height)
	if err != nil {
		return err
	}
	old := s.current
	shift := 0
	if int(old.Cursor.Row) >= int(height) {
		shift = int(old.Cursor.Row) - int(height) + 1
	}
	for row := 0; row < int(height) && row+shift < len(old.Rows); row++ {
		copy(next.Rows[row], old.Rows[row+shift])
	}
	next.StartLine = old.StartLine + uint64(shift)
	next.Cursor = old.Cursor
	next.Cursor.Row -= uint16(shift)
	if s.wrapPending && width > old.Width {
		// The pending wrap now has room on the same row.
		next.Cursor.Column = old.Width
		s.wrapPending = false
	}
	next.Cursor.Column = min(next.Cursor.Column, width-1)
	s.publishLocked(next)
	return nil
}

// renderLocked writes text at the cursor and publishes the result.
func (s *LineSource) renderLocked(text string) {
	next := s.current.Clone()
	row := int(next.Cursor.Row)
	column := int(next.Cursor.Column)
	if s.wrapPending {
		column = int(next.Width)
	}
	newline := func() {
		column = 0
		if row+1 < int(next.Height) {
			row++
			return
		}
		next.ScrollUp(1)
	}
	put := func(char rune) {
		if column >= int(next.Width) {
			newline()
		}
		next.SetCell(row, column, grid.Cell{Char: char})
		column++
	}

	for _, char := range ansi.Strip(text) {
		switch {
		case char == '\n':
			newline()
		case char == '\r':
			column = 0
		case char == '\t':
			for stop := (column/tabWidth + 1) * tabWidth; column < stop && column < int(next.Width); {
				put(' ')
			}
		case char < ' ' || char == 0x7f:
		default:
			put(char)
		}
	}

	next.Cursor.Row = uint16(row)
	s.wrapPending = column >= int(next.Width)
	next.Cursor.Column = uint16(min(column, int(next.Width)-1))
	s.publishLocked(next)
}

func (s *LineSource) publishLocked(next *grid.Grid) {
	next.Version = s.current.Version + 1
	next.Timestamp = s.clock.Now().UnixNano()
	s.current = next
	for _, id := range s.sortedListenersLocked() {
		s.listeners[id](next)
	}
}

func (s *LineSource) sortedListenersLocked() []uint64 {
	return slices.Sorted(maps.Keys(s.listeners))
}
