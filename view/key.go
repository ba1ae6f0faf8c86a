// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package view

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/gridcast/grid"
)

// ErrUnknownMode is returned for a mode outside Realtime, Historical
// and Anchored.
var ErrUnknownMode = errors.New("unknown view mode")

// Mode selects which slice of history a view reads.
type Mode uint8

const (
	// Realtime views follow the head grid.
	Realtime Mode = iota
	// Historical views show one past version and never advance.
	Historical
	// Anchored views keep a fixed absolute line at the top of the
	// frame while the head scrolls.
	Anchored
)

func (m Mode) String() string {
	switch m {
	case Realtime:
		return "realtime"
	case Historical:
		return "historical"
	case Anchored:
		return "anchored"
	default:
		return fmt.Sprintf("mode(%d)", m)
	}
}

// ParseMode parses a mode name.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "", "realtime":
		return Realtime, nil
	case "historical":
		return Historical, nil
	case "anchored":
		return Anchored, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownMode, name)
	}
}

// Position locates a view within history. Which fields apply depends
// on the mode: Historical uses Version, or Time when Version is zero
// and Time is set; Anchored uses Line; Realtime uses none.
type Position struct {
	Version uint64 `cbor:"version,omitempty"`
	// Time is Unix nanoseconds.
	Time int64  `cbor:"time,omitempty"`
	Line uint64 `cbor:"line,omitempty"`
}

// Key identifies a view. Keys are compared by value: two requests
// with equal keys share one computed view.
type Key struct {
	Width    uint16   `cbor:"width"`
	Height   uint16   `cbor:"height"`
	Mode     Mode     `cbor:"mode"`
	Position Position `cbor:"position"`
}

// Normalize clears the position fields the mode does not use, so
// requests differing only in ignored fields produce equal keys.
func (k Key) Normalize() Key {
	switch k.Mode {
	case Realtime:
		k.Position = Position{}
	case Historical:
		k.Position.Line = 0
		if k.Position.Version != 0 {
			k.Position.Time = 0
		}
	case Anchored:
		k.Position = Position{Line: k.Position.Line}
	}
	return k
}

// Validate rejects zero dimensions and unknown modes.
func (k Key) Validate() error {
	if k.Width == 0 || k.Height == 0 {
		return fmt.Errorf("%w: %dx%d", grid.ErrInvalidDimensions, k.Width, k.Height)
	}
	if k.Mode > Anchored {
		return fmt.Errorf("%w %d", ErrUnknownMode, k.Mode)
	}
	return nil
}

func (k Key) String() string {
	switch k.Mode {
	case Historical:
		if k.Position.Version == 0 && k.Position.Time != 0 {
			return fmt.Sprintf("%dx%d historical@t%d", k.Width, k.Height, k.Position.Time)
		}
		return fmt.Sprintf("%dx%d historical@v%d", k.Width, k.Height, k.Position.Version)
	case Anchored:
		return fmt.Sprintf("%dx%d anchored@line%d", k.Width, k.Height, k.Position.Line)
	default:
		return fmt.Sprintf("%dx%d %s", k.Width, k.Height, k.Mode)
	}
}
