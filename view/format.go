// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package view

import (
	"strings"

	"github.com/muesli/termenv"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/lib/codec"
)

// Plain renders each row as text with trailing blanks removed.
func Plain(g *grid.Grid) []string {
	return g.Lines()
}

// ANSI renders each row with SGR styling for the given colour
// profile. Consecutive cells of equal style share one escape
// sequence. The visible cursor is drawn in reverse video. Trailing
// blank cells are dropped unless the cursor is on them.
func ANSI(g *grid.Grid, profile termenv.Profile) []string {
	lines := make([]string, len(g.Rows))
	for i, cells := range g.Rows {
		length := grid.ContentLength(cells)
		cursorOnRow := g.Cursor.Visible && int(g.Cursor.Row) == i
		if cursorOnRow {
			length = max(length, int(g.Cursor.Column)+1)
		}
		length = min(length, len(cells))

		var builder strings.Builder
		var run strings.Builder
		var runStyle grid.Cell
		flush := func() {
			if run.Len() > 0 {
				builder.WriteString(styled(profile, run.String(), runStyle))
				run.Reset()
			}
		}
		for column := 0; column < length; column++ {
			cell := cells[column]
			if cursorOnRow && column == int(g.Cursor.Column) {
				cell.Attributes ^= grid.Reverse
			}
			if run.Len() > 0 && !cell.SameStyle(runStyle) {
				flush()
			}
			if run.Len() == 0 {
				runStyle = cell
			}
			if cell.Char == 0 {
				run.WriteByte(' ')
			} else {
				run.WriteRune(cell.Char)
			}
		}
		flush()
		lines[i] = builder.String()
	}
	return lines
}

func styled(profile termenv.Profile, text string, cell grid.Cell) string {
	if cell.Foreground == (grid.Color{}) && cell.Background == (grid.Color{}) && cell.Attributes == 0 {
		return text
	}
	style := profile.String(text)
	if color := termColor(cell.Foreground); color != nil {
		style = style.Foreground(profile.Convert(color))
	}
	if color := termColor(cell.Background); color != nil {
		style = style.Background(profile.Convert(color))
	}
	attributes := cell.Attributes
	if attributes.Has(grid.Bold) {
		style = style.Bold()
	}
	if attributes.Has(grid.Dim) {
		style = style.Faint()
	}
	if attributes.Has(grid.Italic) {
		style = style.Italic()
	}
	if attributes.Has(grid.Underline) {
		style = style.Underline()
	}
	if attributes.Has(grid.Blink) {
		style = style.Blink()
	}
	if attributes.Has(grid.Reverse) {
		style = style.Reverse()
	}
	if attributes.Has(grid.Strikethrough) {
		style = style.CrossOut()
	}
	return style.String()
}

func termColor(c grid.Color) termenv.Color {
	switch c.Kind {
	case grid.ColorIndexed:
		if c.Value < 16 {
			return termenv.ANSIColor(c.Value)
		}
		return termenv.ANSI256Color(c.Value)
	case grid.ColorRGB:
		return termenv.RGBColor(c.Hex())
	default:
		return nil
	}
}

// checksumInput is the visible state a checksum covers. Versions,
// line numbers and timestamps are excluded so a viewer can verify its
// reconstruction against any snapshot of the same content.
type checksumInput struct {
	Width  uint16        `cbor:"width"`
	Height uint16        `cbor:"height"`
	Rows   [][]grid.Cell `cbor:"rows"`
	Cursor grid.Cursor   `cbor:"cursor"`
}

// Checksum returns the BLAKE3 hash of the deterministic CBOR encoding
// of the frame's dimensions, cells and cursor.
func Checksum(g *grid.Grid) [32]byte {
	data, err := codec.Marshal(checksumInput{Width: g.Width, Height: g.Height, Rows: g.Rows, Cursor: g.Cursor})
	if err != nil {
		// Cells and cursors are plain integers; encoding cannot fail.
		panic("view: encoding frame for checksum: " + err.Error())
	}
	return blake3.Sum256(data)
}
