// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/muesli/termenv"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/lib/codec"
	"github.com/bureau-foundation/gridcast/lib/service"
	"github.com/bureau-foundation/gridcast/view"
)

// Inspection action names.
const (
	ActionGridView     = "grid_view"
	ActionStats        = "stats"
	ActionClearHistory = "clear_history"
)

// GridViewRequest is the body of a grid_view request. Zero width or
// height means the head grid's dimension.
type GridViewRequest struct {
	Width   uint16 `cbor:"width,omitempty"`
	Height  uint16 `cbor:"height,omitempty"`
	Mode    string `cbor:"mode,omitempty"`
	Version uint64 `cbor:"version,omitempty"`
	// Time is Unix nanoseconds.
	Time int64  `cbor:"time,omitempty"`
	Line uint64 `cbor:"line,omitempty"`

	// ANSI requests styled rows in addition to plain text, rendered
	// for Profile: "ascii", "ansi", "ansi256" or "truecolor" (the
	// default).
	ANSI    bool   `cbor:"ansi,omitempty"`
	Profile string `cbor:"profile,omitempty"`
}

// GridViewResponse is a formatted view.
type GridViewResponse struct {
	Key           string      `cbor:"key" json:"key"`
	Width         uint16      `cbor:"width" json:"width"`
	Height        uint16      `cbor:"height" json:"height"`
	SourceVersion uint64      `cbor:"source_version" json:"source_version"`
	StartLine     uint64      `cbor:"start_line" json:"start_line"`
	Cursor        grid.Cursor `cbor:"cursor" json:"cursor"`
	Lines         []string    `cbor:"lines" json:"lines"`
	ANSI          []string    `cbor:"ansi,omitempty" json:"ansi,omitempty"`
	Checksum      string      `cbor:"checksum" json:"checksum"`
}

// ClearHistoryResponse reports the history after a clear.
type ClearHistoryResponse struct {
	BaseVersion uint64 `cbor:"base_version" json:"base_version"`
}

// RegisterInspection installs the inspection actions for broker on
// server. grid_view computes outside the view registry, so inspecting
// never creates or advances a pooled view.
func RegisterInspection(server *service.SocketServer, broker *Broker) {
	server.Handle(ActionGridView, func(ctx context.Context, raw []byte) (any, error) {
		var request GridViewRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid grid_view request: %w", err)
		}
		return inspectView(broker, request)
	})
	server.Handle(ActionStats, func(ctx context.Context, raw []byte) (any, error) {
		return broker.Stats(), nil
	})
	server.Handle(ActionClearHistory, func(ctx context.Context, raw []byte) (any, error) {
		if err := broker.ClearHistory(); err != nil {
			return nil, err
		}
		return ClearHistoryResponse{BaseVersion: broker.History().Base()}, nil
	})
}

func inspectView(broker *Broker, request GridViewRequest) (*GridViewResponse, error) {
	mode, err := view.ParseMode(request.Mode)
	if err != nil {
		return nil, err
	}
	head := broker.History().Head()
	key := view.Key{
		Width:  request.Width,
		Height: request.Height,
		Mode:   mode,
		Position: view.Position{
			Version: request.Version,
			Time:    request.Time,
			Line:    request.Line,
		},
	}
	if key.Width == 0 {
		key.Width = head.Width
	}
	if key.Height == 0 {
		key.Height = head.Height
	}
	key = key.Normalize()

	frame, err := broker.Compute(key)
	if err != nil {
		return nil, err
	}
	checksum := view.Checksum(frame.Grid)
	response := &GridViewResponse{
		Key:           key.String(),
		Width:         frame.Grid.Width,
		Height:        frame.Grid.Height,
		SourceVersion: frame.SourceVersion,
		StartLine:     frame.Grid.StartLine,
		Cursor:        frame.Grid.Cursor,
		Lines:         view.Plain(frame.Grid),
		Checksum:      hex.EncodeToString(checksum[:]),
	}
	if request.ANSI {
		profile, err := parseProfile(request.Profile)
		if err != nil {
			return nil, err
		}
		response.ANSI = view.ANSI(frame.Grid, profile)
	}
	return response, nil
}

func parseProfile(name string) (termenv.Profile, error) {
	switch name {
	case "", "truecolor":
		return termenv.TrueColor, nil
	case "ansi256":
		return termenv.ANSI256, nil
	case "ansi":
		return termenv.ANSI, nil
	case "ascii":
		return termenv.Ascii, nil
	default:
		return termenv.Ascii, fmt.Errorf("unknown colour profile %q", name)
	}
}
