// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package grid

import (
	"errors"
	"fmt"
	"sort"
)

// ErrVersionMismatch is returned by Apply when the delta was computed
// against a different version than the grid it is applied to.
var ErrVersionMismatch = errors.New("delta source version does not match grid version")

// ErrMalformedDelta is returned by Apply for a delta whose changes fall
// outside the grid or whose rows have the wrong width.
var ErrMalformedDelta = errors.New("malformed delta")

// CellChange replaces one cell.
type CellChange struct {
	_ struct{} `cbor:",toarray"`

	Row    uint16
	Column uint16
	Cell   Cell
}

// RowChange replaces a whole row.
type RowChange struct {
	Row   uint16 `cbor:"row"`
	Cells []Cell `cbor:"cells"`
}

// Delta transforms the grid at SourceVersion into the grid at
// TargetVersion. Incremental changes apply in order: Scroll, Rows,
// Cells, Cursor. When Snapshot is set the other change fields are
// empty and the target is the snapshot itself.
type Delta struct {
	SourceVersion uint64 `cbor:"source_version"`
	TargetVersion uint64 `cbor:"target_version"`

	// Scroll is the number of rows the contents shift upward before
	// row and cell changes apply.
	Scroll uint16 `cbor:"scroll,omitempty"`

	// StartLine is the target grid's StartLine.
	StartLine uint64 `cbor:"start_line"`

	Rows   []RowChange  `cbor:"rows,omitempty"`
	Cells  []CellChange `cbor:"cells,omitempty"`
	Cursor *Cursor      `cbor:"cursor,omitempty"`

	Snapshot *Grid `cbor:"snapshot,omitempty"`

	Timestamp int64 `cbor:"timestamp"`
}

// IsSnapshot reports whether the delta replaces the whole grid.
func (d *Delta) IsSnapshot() bool {
	return d.Snapshot != nil
}

// Empty reports whether applying the delta changes nothing but the
// version and timestamp.
func (d *Delta) Empty() bool {
	return d.Snapshot == nil && d.Scroll == 0 && len(d.Rows) == 0 &&
		len(d.Cells) == 0 && d.Cursor == nil
}

// ChangedRows returns the sorted target row indices whose content the
// delta sets explicitly. Rows that only moved because of Scroll are
// not included; their absolute line numbers are unchanged. A snapshot
// reports every row.
func (d *Delta) ChangedRows() []uint16 {
	if d.Snapshot != nil {
		rows := make([]uint16, d.Snapshot.Height)
		for i := range rows {
			rows[i] = uint16(i)
		}
		return rows
	}
	seen := make(map[uint16]bool, len(d.Rows)+len(d.Cells))
	for _, change := range d.Rows {
		seen[change.Row] = true
	}
	for _, change := range d.Cells {
		seen[change.Row] = true
	}
	rows := make([]uint16, 0, len(seen))
	for row := range seen {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i] < rows[j] })
	return rows
}

// ChangedLines is ChangedRows translated to absolute line numbers.
func (d *Delta) ChangedLines() []uint64 {
	rows := d.ChangedRows()
	lines := make([]uint64, len(rows))
	for i, row := range rows {
		lines[i] = d.StartLine + uint64(row)
	}
	return lines
}

// rowReplaceThreshold is the fraction of a row's cells that must
// change before the whole row is sent instead of individual cells.
// A CellChange costs its coordinates on top of the cell, so past half
// the row the replacement is smaller.
const rowReplaceThreshold = 2

// Diff computes the delta from old to next. Grids of different
// dimensions always produce a snapshot delta. Otherwise, if next has
// scrolled relative to old, Diff considers both the scrolled and the
// unscrolled encoding and keeps the cheaper one.
func Diff(old, next *Grid) *Delta {
	delta := &Delta{
		SourceVersion: old.Version,
		TargetVersion: next.Version,
		StartLine:     next.StartLine,
		Timestamp:     next.Timestamp,
	}

	if old.Width != next.Width || old.Height != next.Height {
		delta.Snapshot = next.Clone()
		return delta
	}

	base := old
	if next.StartLine > old.StartLine && next.StartLine-old.StartLine < uint64(old.Height) {
		shift := int(next.StartLine - old.StartLine)
		shifted := old.shallowClone()
		shifted.ScrollUp(shift)
		if changedCellCount(shifted, next) < changedCellCount(old, next) {
			base = shifted
			delta.Scroll = uint16(shift)
		}
	}

	width := int(next.Width)
	for row := range next.Rows {
		var changed []uint16
		for column := 0; column < width; column++ {
			if base.Rows[row][column] != next.Rows[row][column] {
				changed = append(changed, uint16(column))
			}
		}
		if len(changed) == 0 {
			continue
		}
		if len(changed)*rowReplaceThreshold > width {
			delta.Rows = append(delta.Rows, RowChange{
				Row:   uint16(row),
				Cells: append([]Cell(nil), next.Rows[row]...),
			})
			continue
		}
		for _, column := range changed {
			delta.Cells = append(delta.Cells, CellChange{
				Row:    uint16(row),
				Column: column,
				Cell:   next.Rows[row][column],
			})
		}
	}

	if old.Cursor != next.Cursor {
		cursor := next.Cursor
		delta.Cursor = &cursor
	}
	return delta
}

func changedCellCount(a, b *Grid) int {
	count := 0
	for row := range a.Rows {
		for column := range a.Rows[row] {
			if a.Rows[row][column] != b.Rows[row][column] {
				count++
			}
		}
	}
	return count
}

// Apply returns the grid produced by applying delta to g. g is not
// modified; rows the delta does not touch are shared with it.
func Apply(g *Grid, delta *Delta) (*Grid, error) {
	if delta.SourceVersion != g.Version {
		return nil, fmt.Errorf("%w: delta from version %d, grid at %d",
			ErrVersionMismatch, delta.SourceVersion, g.Version)
	}

	if delta.Snapshot != nil {
		next := delta.Snapshot.Clone()
		if err := next.Validate(); err != nil {
			return nil, fmt.Errorf("%w: snapshot: %v", ErrMalformedDelta, err)
		}
		next.Version = delta.TargetVersion
		next.Timestamp = delta.Timestamp
		return next, nil
	}

	next := g.shallowClone()
	if delta.Scroll > 0 {
		next.ScrollUp(int(delta.Scroll))
	}
	next.StartLine = delta.StartLine

	for _, change := range delta.Rows {
		if int(change.Row) >= len(next.Rows) || len(change.Cells) != int(next.Width) {
			return nil, fmt.Errorf("%w: row %d with %d cells in %dx%d grid",
				ErrMalformedDelta, change.Row, len(change.Cells), next.Width, next.Height)
		}
		next.Rows[change.Row] = append([]Cell(nil), change.Cells...)
	}

	copied := make(map[uint16]bool)
	for _, change := range delta.Cells {
		if int(change.Row) >= len(next.Rows) || int(change.Column) >= int(next.Width) {
			return nil, fmt.Errorf("%w: cell %d,%d in %dx%d grid",
				ErrMalformedDelta, change.Row, change.Column, next.Width, next.Height)
		}
		if !copied[change.Row] {
			next.Rows[change.Row] = append([]Cell(nil), next.Rows[change.Row]...)
			copied[change.Row] = true
		}
		next.Rows[change.Row][change.Column] = change.Cell
	}

	if delta.Cursor != nil {
		next.Cursor = *delta.Cursor
	}
	next.Version = delta.TargetVersion
	next.Timestamp = delta.Timestamp
	return next, nil
}
