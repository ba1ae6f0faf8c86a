// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/lib/codec"
)

var (
	// ErrOutOfOrderDelta is returned by Append for a delta that does
	// not start at the head version or does not advance it by one.
	ErrOutOfOrderDelta = errors.New("delta does not follow history head")

	// ErrContinuity is returned by Record for a grid whose version is
	// not head+1. The log cannot be repaired incrementally; the owner
	// must Reset.
	ErrContinuity = errors.New("grid version breaks history continuity")

	// ErrVersionNotFound is returned for versions outside the retained
	// range, either pruned or not yet produced.
	ErrVersionNotFound = errors.New("version not retained in history")

	// ErrLineNotFound is returned for lines older than the retained
	// scrollback or below the bottom of the grid.
	ErrLineNotFound = errors.New("line not retained in history")
)

type entry struct {
	delta *grid.Delta
	size  int
}

// History is the delta log and scrollback for one terminal.
type History struct {
	mu     sync.RWMutex
	config Config

	// entries[i] is the delta producing version base+1+i.
	entries []entry

	// snapshots is sorted by version; snapshots[0] is the base grid.
	snapshots []*grid.Grid

	head *grid.Grid

	// scrollback[i] is the row that was on absolute line
	// scrollbackStart+i when it scrolled off the top. A nil row is a
	// line that scrolled past without ever being on screen.
	scrollback      [][]grid.Cell
	scrollbackStart uint64

	deltaBytes    int64
	snapshotBytes int64

	createdAt time.Time
}

// New starts a history whose base is initial. initial is copied.
func New(initial *grid.Grid, config Config) (*History, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("initial grid: %w", err)
	}
	config = config.withDefaults()
	if err := config.Retention.Validate(); err != nil {
		return nil, err
	}
	h := &History{
		config:    config,
		createdAt: config.Clock.Now(),
	}
	h.resetLocked(initial.Clone())
	return h, nil
}

func (h *History) resetLocked(base *grid.Grid) {
	h.entries = nil
	h.snapshots = []*grid.Grid{base}
	h.head = base
	h.scrollback = nil
	h.scrollbackStart = base.StartLine
	h.deltaBytes = 0
	h.snapshotBytes = int64(codec.Size(base))
}

// Head returns the newest grid. The returned grid must not be
// modified.
func (h *History) Head() *grid.Grid {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.head
}

// Base returns the oldest retained version.
func (h *History) Base() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshots[0].Version
}

// Append adds delta to the log. It must start at the head version and
// advance it by exactly one. Returns the new head.
func (h *History) Append(delta *grid.Delta) (*grid.Grid, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.appendLocked(delta)
}

// Record diffs next against the head and appends the result. next
// must carry version head+1; otherwise ErrContinuity is returned and
// nothing changes. next is not retained.
func (h *History) Record(next *grid.Grid) (*grid.Delta, error) {
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("recording grid: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if next.Version != h.head.Version+1 {
		return nil, fmt.Errorf("%w: head is %d, grid is %d", ErrContinuity, h.head.Version, next.Version)
	}
	delta := grid.Diff(h.head, next)
	if _, err := h.appendLocked(delta); err != nil {
		return nil, err
	}
	return delta, nil
}

func (h *History) appendLocked(delta *grid.Delta) (*grid.Grid, error) {
	if delta.SourceVersion != h.head.Version || delta.TargetVersion != delta.SourceVersion+1 {
		return nil, fmt.Errorf("%w: head is %d, delta is %d->%d",
			ErrOutOfOrderDelta, h.head.Version, delta.SourceVersion, delta.TargetVersion)
	}
	next, err := grid.Apply(h.head, delta)
	if err != nil {
		return nil, err
	}

	h.captureScrollback(h.head, next)

	size := codec.Size(delta)
	h.entries = append(h.entries, entry{delta: delta, size: size})
	h.deltaBytes += int64(size)
	h.head = next

	last := h.snapshots[len(h.snapshots)-1]
	if next.Version-last.Version >= uint64(h.config.SnapshotInterval) {
		h.snapshots = append(h.snapshots, next)
		h.snapshotBytes += int64(codec.Size(next))
	}

	h.applyRetentionLocked()
	return next, nil
}

// captureScrollback records the rows of old that are above the top of
// next.
func (h *History) captureScrollback(old, next *grid.Grid) {
	if next.StartLine < old.StartLine {
		// The source restarted its line count. Lines at or after the
		// new start will be produced again.
		if next.StartLine <= h.scrollbackStart {
			h.scrollback = nil
			h.scrollbackStart = next.StartLine
		} else if keep := next.StartLine - h.scrollbackStart; keep < uint64(len(h.scrollback)) {
			h.scrollback = h.scrollback[:keep]
		}
		return
	}
	if next.StartLine == old.StartLine {
		return
	}
	if h.config.MaxScrollback == 0 {
		h.scrollbackStart = next.StartLine
		return
	}

	first := old.StartLine
	if gap := next.StartLine - first; gap > uint64(h.config.MaxScrollback) {
		first = next.StartLine - uint64(h.config.MaxScrollback)
		h.scrollback = nil
	}
	if len(h.scrollback) == 0 {
		h.scrollbackStart = first
	}
	for line := first; line < next.StartLine; line++ {
		var row []grid.Cell
		if offset := line - old.StartLine; offset < uint64(len(old.Rows)) {
			row = old.Rows[offset]
		}
		h.scrollback = append(h.scrollback, row)
	}
	if excess := len(h.scrollback) - h.config.MaxScrollback; excess > 0 {
		h.scrollback = append([][]grid.Cell(nil), h.scrollback[excess:]...)
		h.scrollbackStart += uint64(excess)
	}
}

// Reconstruct returns the grid at version. The result must not be
// modified.
func (h *History) Reconstruct(version uint64) (*grid.Grid, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reconstructLocked(version)
}

func (h *History) reconstructLocked(version uint64) (*grid.Grid, error) {
	base := h.snapshots[0].Version
	if version < base || version > h.head.Version {
		return nil, fmt.Errorf("%w: %d (retained %d..%d)", ErrVersionNotFound, version, base, h.head.Version)
	}
	if version == h.head.Version {
		return h.head, nil
	}

	index := sort.Search(len(h.snapshots), func(i int) bool {
		return h.snapshots[i].Version > version
	}) - 1
	current := h.snapshots[index]
	for v := current.Version; v < version; v++ {
		next, err := grid.Apply(current, h.entries[v-base].delta)
		if err != nil {
			return nil, fmt.Errorf("replaying version %d: %w", v+1, err)
		}
		current = next
	}
	return current, nil
}

// VersionAt returns the newest version whose timestamp is at or
// before t.
func (h *History) VersionAt(t time.Time) (uint64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	target := t.UnixNano()
	base := h.snapshots[0]
	if target < base.Timestamp {
		return 0, fmt.Errorf("%w: %s is before the oldest retained version", ErrVersionNotFound, t.Format(time.RFC3339Nano))
	}
	count := sort.Search(len(h.entries), func(i int) bool {
		return h.entries[i].delta.Timestamp > target
	})
	return base.Version + uint64(count), nil
}

// Range returns lines from..to (inclusive) as they were at version
// atVersion. The result has one row per line, the width of the grid at
// that version, StartLine set to from and Version set to atVersion.
// The cursor is visible only if it falls inside the range. Lines that
// scrolled past without being captured are blank.
func (h *History) Range(from, to, atVersion uint64) (*grid.Grid, error) {
	if to < from {
		return nil, fmt.Errorf("invalid line range %d..%d", from, to)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	at, err := h.reconstructLocked(atVersion)
	if err != nil {
		return nil, err
	}
	if from < h.scrollbackStart && from < at.StartLine {
		return nil, fmt.Errorf("%w: line %d is older than %d", ErrLineNotFound, from, h.scrollbackStart)
	}
	if to >= at.EndLine() {
		return nil, fmt.Errorf("%w: line %d is below the bottom line %d", ErrLineNotFound, to, at.EndLine()-1)
	}

	height := to - from + 1
	if height > 0xffff {
		return nil, fmt.Errorf("line range %d..%d exceeds maximum height", from, to)
	}
	result := &grid.Grid{
		Width:     at.Width,
		Height:    uint16(height),
		Rows:      make([][]grid.Cell, 0, height),
		StartLine: from,
		Version:   at.Version,
		Timestamp: at.Timestamp,
	}
	for line := from; line <= to; line++ {
		var row []grid.Cell
		if line >= at.StartLine {
			row = at.Rows[line-at.StartLine]
		} else if offset := line - h.scrollbackStart; offset < uint64(len(h.scrollback)) {
			row = h.scrollback[offset]
		}
		result.Rows = append(result.Rows, fitRow(row, at.Width))
	}
	if cursorLine := at.StartLine + uint64(at.Cursor.Row); at.Cursor.Visible && cursorLine >= from && cursorLine <= to {
		result.Cursor = grid.Cursor{
			Row:     uint16(cursorLine - from),
			Column:  at.Cursor.Column,
			Visible: true,
			Shape:   at.Cursor.Shape,
		}
	}
	return result, nil
}

// fitRow pads or truncates row to width. Rows captured before a
// resize have the old width.
func fitRow(row []grid.Cell, width uint16) []grid.Cell {
	if len(row) == int(width) {
		return row
	}
	fitted := make([]grid.Cell, width)
	copied := copy(fitted, row)
	for i := copied; i < len(fitted); i++ {
		fitted[i] = grid.Blank
	}
	return fitted
}

// OldestLine returns the oldest line Range can serve.
func (h *History) OldestLine() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return min(h.scrollbackStart, h.head.StartLine)
}

// Prune discards every version older than retainFrom, which becomes
// the new base. A cutoff at or below the current base is a no-op; a
// cutoff past the head prunes to the head.
func (h *History) Prune(retainFrom uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pruneLocked(retainFrom)
}

func (h *History) pruneLocked(retainFrom uint64) error {
	base := h.snapshots[0].Version
	if retainFrom <= base {
		return nil
	}
	retainFrom = min(retainFrom, h.head.Version)

	newBase, err := h.reconstructLocked(retainFrom)
	if err != nil {
		return err
	}

	dropped := retainFrom - base
	for _, e := range h.entries[:dropped] {
		h.deltaBytes -= int64(e.size)
	}
	h.entries = append([]entry(nil), h.entries[dropped:]...)

	kept := []*grid.Grid{newBase}
	h.snapshotBytes = int64(codec.Size(newBase))
	for _, snapshot := range h.snapshots {
		if snapshot.Version > retainFrom {
			kept = append(kept, snapshot)
			h.snapshotBytes += int64(codec.Size(snapshot))
		}
	}
	h.snapshots = kept
	return nil
}

// ApplyRetention prunes according to the configured policy. Append
// calls it; owners of an age policy also call it periodically so
// idle sessions age out.
func (h *History) ApplyRetention() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applyRetentionLocked()
}

func (h *History) applyRetentionLocked() {
	policy := h.config.Retention
	base := h.snapshots[0].Version

	var cutoff uint64
	switch policy.Mode {
	case RetainDeltas:
		if len(h.entries) <= policy.MaxDeltas {
			return
		}
		cutoff = h.head.Version - uint64(policy.MaxDeltas)
	case RetainAge:
		oldest := h.config.Clock.Now().Add(-policy.MaxAge).UnixNano()
		young := sort.Search(len(h.entries), func(i int) bool {
			return h.entries[i].delta.Timestamp >= oldest
		})
		if young == 0 {
			return
		}
		cutoff = base + uint64(young)
	case RetainBytes:
		excess := h.deltaBytes + h.snapshotBytes - policy.MaxBytes
		if excess <= 0 {
			return
		}
		var dropped int
		for dropped < len(h.entries) && excess > 0 {
			excess -= int64(h.entries[dropped].size)
			dropped++
		}
		cutoff = base + uint64(dropped)
	default:
		return
	}

	// Cut at the newest checkpoint not after the cutoff so no replay
	// is needed.
	index := sort.Search(len(h.snapshots), func(i int) bool {
		return h.snapshots[i].Version > cutoff
	}) - 1
	if index <= 0 {
		return
	}
	// pruneLocked cannot fail for a checkpoint version.
	_ = h.pruneLocked(h.snapshots[index].Version)
}

// Clear discards all history, leaving the head as the new base.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetLocked(h.head)
}

// Reset discards all history and restarts at base, whose version may
// be anything. Used after a continuity break.
func (h *History) Reset(base *grid.Grid) error {
	if err := base.Validate(); err != nil {
		return fmt.Errorf("reset grid: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetLocked(base.Clone())
	return nil
}

// Stats summarizes the retained history.
type Stats struct {
	// ByteSize is the CBOR-encoded size of retained deltas and
	// checkpoints.
	ByteSize        int64         `json:"byte_size"`
	DeltaCount      int           `json:"delta_count"`
	SnapshotCount   int           `json:"snapshot_count"`
	BaseVersion     uint64        `json:"base_version"`
	HeadVersion     uint64        `json:"head_version"`
	ScrollbackLines int           `json:"scrollback_lines"`
	OldestLine      uint64        `json:"oldest_line"`
	SessionDuration time.Duration `json:"session_duration"`
}

// Stats returns a summary of the retained history.
func (h *History) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		ByteSize:        h.deltaBytes + h.snapshotBytes,
		DeltaCount:      len(h.entries),
		SnapshotCount:   len(h.snapshots),
		BaseVersion:     h.snapshots[0].Version,
		HeadVersion:     h.head.Version,
		ScrollbackLines: len(h.scrollback),
		OldestLine:      min(h.scrollbackStart, h.head.StartLine),
		SessionDuration: h.config.Clock.Now().Sub(h.createdAt),
	}
}

// CheckContinuity verifies that every retained delta chains from the
// base to the head.
func (h *History) CheckContinuity() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	expected := h.snapshots[0].Version
	for _, e := range h.entries {
		if e.delta.SourceVersion != expected || e.delta.TargetVersion != expected+1 {
			return fmt.Errorf("%w: expected delta from %d, found %d->%d",
				ErrContinuity, expected, e.delta.SourceVersion, e.delta.TargetVersion)
		}
		expected++
	}
	if expected != h.head.Version {
		return fmt.Errorf("%w: log ends at %d, head is %d", ErrContinuity, expected, h.head.Version)
	}
	return nil
}
