// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package grid

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDimensions is returned for a zero width or height.
var ErrInvalidDimensions = errors.New("grid dimensions must be non-zero")

// Grid is a snapshot of terminal contents at one version.
type Grid struct {
	Width  uint16   `cbor:"width"`
	Height uint16   `cbor:"height"`
	Rows   [][]Cell `cbor:"rows"`
	Cursor Cursor   `cbor:"cursor"`

	// Version increases by one with every published mutation.
	Version uint64 `cbor:"version"`

	// StartLine is the absolute line number of Rows[0].
	StartLine uint64 `cbor:"start_line"`

	// Timestamp is the capture time in Unix nanoseconds.
	Timestamp int64 `cbor:"timestamp"`
}

// New returns a blank grid with a visible cursor at the origin.
func New(width, height uint16) (*Grid, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	rows := make([][]Cell, height)
	for i := range rows {
		rows[i] = blankRow(width)
	}
	return &Grid{
		Width:  width,
		Height: height,
		Rows:   rows,
		Cursor: Cursor{Visible: true},
	}, nil
}

func blankRow(width uint16) []Cell {
	row := make([]Cell, width)
	for i := range row {
		row[i] = Blank
	}
	return row
}

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	clone := *g
	clone.Rows = make([][]Cell, len(g.Rows))
	for i, row := range g.Rows {
		clone.Rows[i] = append([]Cell(nil), row...)
	}
	return &clone
}

// shallowClone copies the row index but shares the row contents. The
// caller must copy a row before writing to it.
func (g *Grid) shallowClone() *Grid {
	clone := *g
	clone.Rows = append([][]Cell(nil), g.Rows...)
	return &clone
}

// Validate checks that the row and column counts match the declared
// dimensions.
func (g *Grid) Validate() error {
	if g.Width == 0 || g.Height == 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, g.Width, g.Height)
	}
	if len(g.Rows) != int(g.Height) {
		return fmt.Errorf("grid has %d rows, height is %d", len(g.Rows), g.Height)
	}
	for i, row := range g.Rows {
		if len(row) != int(g.Width) {
			return fmt.Errorf("grid row %d has %d cells, width is %d", i, len(row), g.Width)
		}
	}
	return nil
}

// Equal reports whether two grids have the same dimensions, contents,
// cursor, version and start line. Timestamps are not compared.
func (g *Grid) Equal(other *Grid) bool {
	if g == nil || other == nil {
		return g == other
	}
	if g.Width != other.Width || g.Height != other.Height ||
		g.Version != other.Version || g.StartLine != other.StartLine ||
		g.Cursor != other.Cursor {
		return false
	}
	return g.SameContent(other)
}

// SameContent reports whether the cell contents are identical,
// ignoring cursor and metadata.
func (g *Grid) SameContent(other *Grid) bool {
	if len(g.Rows) != len(other.Rows) {
		return false
	}
	for i := range g.Rows {
		if !rowsEqual(g.Rows[i], other.Rows[i]) {
			return false
		}
	}
	return true
}

func rowsEqual(a, b []Cell) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Cell returns the cell at row, column, or Blank when out of range.
func (g *Grid) Cell(row, column int) Cell {
	if row < 0 || row >= len(g.Rows) || column < 0 || column >= len(g.Rows[row]) {
		return Blank
	}
	return g.Rows[row][column]
}

// SetCell writes one cell. Writes outside the grid are ignored. Only
// call this on a grid that has not been published.
func (g *Grid) SetCell(row, column int, cell Cell) {
	if row < 0 || row >= len(g.Rows) || column < 0 || column >= len(g.Rows[row]) {
		return
	}
	g.Rows[row][column] = cell
}

// SetText writes text starting at row, column with the style of
// style, clipping at the right edge. It returns the column after the
// last character written.
func (g *Grid) SetText(row, column int, text string, style Cell) int {
	for _, char := range text {
		if column >= int(g.Width) {
			break
		}
		style.Char = char
		g.SetCell(row, column, style)
		column++
	}
	return column
}

// ClearRow blanks one row.
func (g *Grid) ClearRow(row int) {
	if row < 0 || row >= len(g.Rows) {
		return
	}
	g.Rows[row] = blankRow(g.Width)
}

// ScrollUp shifts the contents up by n rows, filling the bottom with
// blank rows, and advances StartLine by n.
func (g *Grid) ScrollUp(n int) {
	if n <= 0 {
		return
	}
	g.StartLine += uint64(n)
	if n >= len(g.Rows) {
		for i := range g.Rows {
			g.Rows[i] = blankRow(g.Width)
		}
		return
	}
	copy(g.Rows, g.Rows[n:])
	for i := len(g.Rows) - n; i < len(g.Rows); i++ {
		g.Rows[i] = blankRow(g.Width)
	}
}

// Line returns the text of one row with trailing blanks removed.
func (g *Grid) Line(row int) string {
	if row < 0 || row >= len(g.Rows) {
		return ""
	}
	return RowText(g.Rows[row])
}

// Lines returns the text of every row.
func (g *Grid) Lines() []string {
	lines := make([]string, len(g.Rows))
	for i := range g.Rows {
		lines[i] = g.Line(i)
	}
	return lines
}

// RowText renders a row as text with trailing blanks removed.
func RowText(row []Cell) string {
	var builder strings.Builder
	for _, cell := range row {
		if cell.Char == 0 {
			builder.WriteByte(' ')
			continue
		}
		builder.WriteRune(cell.Char)
	}
	return strings.TrimRight(builder.String(), " ")
}

// ContentLength returns the number of cells up to and including the
// last non-blank cell.
func ContentLength(row []Cell) int {
	for i := len(row) - 1; i >= 0; i-- {
		if !row[i].IsBlank() {
			return i + 1
		}
	}
	return 0
}

// EndLine returns the absolute line number one past the bottom row.
func (g *Grid) EndLine() uint64 {
	return g.StartLine + uint64(g.Height)
}
