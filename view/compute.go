// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package view

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/gridcast/grid"
)

// History is the read-only access a view computation needs.
// *history.History satisfies it.
type History interface {
	Head() *grid.Grid
	Reconstruct(version uint64) (*grid.Grid, error)
	VersionAt(t time.Time) (uint64, error)
	Range(from, to, atVersion uint64) (*grid.Grid, error)
	OldestLine() uint64
}

// Frame is a computed view.
type Frame struct {
	// Grid has the key's dimensions. Its StartLine is the absolute
	// source line shown on the first row that maps to source
	// content. Version is left for the owner to assign.
	Grid *grid.Grid

	// SourceVersion is the history version the frame was computed
	// from.
	SourceVersion uint64

	// FirstLine and LastLine bound the source lines visible in the
	// frame. Both are zero for a frame with no source content.
	FirstLine, LastLine uint64

	contentRows int
}

// Covers reports whether line is visible in the frame.
func (f *Frame) Covers(line uint64) bool {
	return f.contentRows > 0 && line >= f.FirstLine && line <= f.LastLine
}

// Overlaps reports whether two frames show any source line in common.
func (f *Frame) Overlaps(other *Frame) bool {
	if f.contentRows == 0 || other.contentRows == 0 {
		return false
	}
	return f.FirstLine <= other.LastLine && other.FirstLine <= f.LastLine
}

// Compute renders the view identified by key against h. The key
// should already be normalized. History lookups that fail (a pruned
// version, a line older than the scrollback) are returned unchanged
// so callers can match them with errors.Is.
func Compute(h History, key Key) (*Frame, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	switch key.Mode {
	case Realtime:
		return computeTail(h, h.Head(), key)
	case Historical:
		version := key.Position.Version
		if version == 0 && key.Position.Time != 0 {
			resolved, err := h.VersionAt(time.Unix(0, key.Position.Time))
			if err != nil {
				return nil, err
			}
			version = resolved
		}
		source, err := h.Reconstruct(version)
		if err != nil {
			return nil, err
		}
		return computeTail(h, source, key)
	case Anchored:
		return computeAnchored(h, key)
	default:
		return nil, fmt.Errorf("%w %d", ErrUnknownMode, key.Mode)
	}
}

// row is one frame row and the source line it came from.
type row struct {
	cells   []grid.Cell
	line    uint64
	padding bool
}

// wrap splits a source row into width-sized chunks, dropping trailing
// blank cells. minLength keeps a cursor past the content on screen.
func wrap(cells []grid.Cell, line uint64, width uint16, minLength int) []row {
	length := max(grid.ContentLength(cells), minLength)
	length = min(length, len(cells))
	if length == 0 {
		return []row{{cells: blankCells(width), line: line}}
	}
	var rows []row
	for start := 0; start < length; start += int(width) {
		chunk := blankCells(width)
		copy(chunk, cells[start:min(start+int(width), length)])
		rows = append(rows, row{cells: chunk, line: line})
	}
	return rows
}

func blankCells(width uint16) []grid.Cell {
	cells := make([]grid.Cell, width)
	for i := range cells {
		cells[i] = grid.Blank
	}
	return cells
}

// cursorPlacement is the cursor's wrapped row index and column.
type cursorPlacement struct {
	index  int
	column uint16
	valid  bool
}

// wrapGrid wraps every row of source and locates the cursor.
func wrapGrid(source *grid.Grid, width uint16) ([]row, cursorPlacement) {
	var rows []row
	var cursor cursorPlacement
	for i, cells := range source.Rows {
		minLength := 0
		onCursorRow := source.Cursor.Visible && int(source.Cursor.Row) == i
		if onCursorRow {
			minLength = int(source.Cursor.Column) + 1
		}
		wrapped := wrap(cells, source.StartLine+uint64(i), width, minLength)
		if onCursorRow {
			column := int(source.Cursor.Column)
			chunk := min(column/int(width), len(wrapped)-1)
			cursor = cursorPlacement{
				index:  len(rows) + chunk,
				column: uint16(min(column-chunk*int(width), int(width)-1)),
				valid:  true,
			}
		}
		rows = append(rows, wrapped...)
	}
	return rows, cursor
}

// lastMeaningfulRow returns the index after the last wrapped row that
// carries content or the cursor.
func lastMeaningfulRow(rows []row, cursor cursorPlacement) int {
	end := 0
	for i, r := range rows {
		if grid.ContentLength(r.cells) > 0 {
			end = i + 1
		}
	}
	if cursor.valid && cursor.index+1 > end {
		end = cursor.index + 1
	}
	return end
}

// computeTail renders source bottom-aligned: a view at least as tall
// as the wrapped screen shows all of it with scrollback above; a
// shorter view shows the rows ending at the newest content.
func computeTail(h History, source *grid.Grid, key Key) (*Frame, error) {
	rows, cursor := wrapGrid(source, key.Width)
	height := int(key.Height)

	if len(rows) > height {
		end := max(lastMeaningfulRow(rows, cursor), height)
		start := end - height
		rows = rows[start:end]
		cursor.index -= start
	} else if missing := height - len(rows); missing > 0 {
		above := backfill(h, source, key.Width, missing)
		padding := missing - len(above)
		prefix := make([]row, 0, missing)
		for range padding {
			prefix = append(prefix, row{cells: blankCells(key.Width), padding: true})
		}
		prefix = append(prefix, above...)
		rows = append(prefix, rows...)
		cursor.index += missing
	}

	return assemble(rows, cursor, key, source), nil
}

// backfill returns up to count wrapped rows of scrollback directly
// above source. Scrollback that cannot be read is treated as absent.
func backfill(h History, source *grid.Grid, width uint16, count int) []row {
	if source.StartLine == 0 {
		return nil
	}
	oldest := h.OldestLine()
	from := oldest
	if source.StartLine > uint64(count) && source.StartLine-uint64(count) > oldest {
		from = source.StartLine - uint64(count)
	}
	if from >= source.StartLine {
		return nil
	}
	partial, err := h.Range(from, source.StartLine-1, source.Version)
	if err != nil {
		return nil
	}
	var rows []row
	for i, cells := range partial.Rows {
		rows = append(rows, wrap(cells, from+uint64(i), width, 0)...)
	}
	if len(rows) > count {
		rows = rows[len(rows)-count:]
	}
	return rows
}

// computeAnchored renders lines from the anchor downward, top-aligned.
func computeAnchored(h History, key Key) (*Frame, error) {
	head := h.Head()
	anchor := key.Position.Line
	height := int(key.Height)

	var rows []row
	cursor := cursorPlacement{}
	if anchor < head.EndLine() {
		last := min(anchor+uint64(key.Height)-1, head.EndLine()-1)
		partial, err := h.Range(anchor, last, head.Version)
		if err != nil {
			return nil, err
		}
		rows, cursor = wrapGrid(partial, key.Width)
		if len(rows) > height {
			rows = rows[:height]
		}
	}
	for len(rows) < height {
		rows = append(rows, row{cells: blankCells(key.Width), padding: true})
	}
	return assemble(rows, cursor, key, head), nil
}

func assemble(rows []row, cursor cursorPlacement, key Key, source *grid.Grid) *Frame {
	g := &grid.Grid{
		Width:     key.Width,
		Height:    key.Height,
		Rows:      make([][]grid.Cell, len(rows)),
		Timestamp: source.Timestamp,
	}
	frame := &Frame{Grid: g, SourceVersion: source.Version}

	first := true
	for i, r := range rows {
		g.Rows[i] = r.cells
		if r.padding {
			continue
		}
		if first {
			frame.FirstLine = r.line
			first = false
		}
		frame.LastLine = r.line
		frame.contentRows++
	}
	g.StartLine = frame.FirstLine

	if cursor.valid && cursor.index >= 0 && cursor.index < len(rows) {
		g.Cursor = grid.Cursor{
			Row:     uint16(cursor.index),
			Column:  cursor.column,
			Visible: true,
			Shape:   source.Cursor.Shape,
		}
	}
	return frame
}
