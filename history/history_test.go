// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/lib/clock"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// terminal simulates a program printing one line per step: lines fill
// the screen top to bottom, then the screen scrolls.
type terminal struct {
	t      *testing.T
	clock  *clock.FakeClock
	screen *grid.Grid
	lines  int
}

func newTerminal(t *testing.T, width, height uint16) *terminal {
	t.Helper()
	screen, err := grid.New(width, height)
	if err != nil {
		t.Fatalf("grid.New: %v", err)
	}
	fake := clock.Fake(epoch)
	screen.Timestamp = fake.Now().UnixNano()
	return &terminal{t: t, clock: fake, screen: screen}
}

// print writes text as the next line and returns the published grid.
func (term *terminal) print(text string) *grid.Grid {
	term.clock.Advance(time.Second)
	next := term.screen.Clone()
	row := term.lines
	if row >= int(next.Height) {
		next.ScrollUp(1)
		row = int(next.Height) - 1
	}
	next.SetText(row, 0, text, grid.Blank)
	next.Cursor = grid.Cursor{Row: uint16(min(row+1, int(next.Height)-1)), Visible: true}
	next.Version++
	next.Timestamp = term.clock.Now().UnixNano()
	term.lines++
	term.screen = next
	return next.Clone()
}

func newHistory(t *testing.T, term *terminal, config Config) *History {
	t.Helper()
	config.Clock = term.clock
	h, err := New(term.screen, config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func record(t *testing.T, h *History, g *grid.Grid) *grid.Delta {
	t.Helper()
	delta, err := h.Record(g)
	if err != nil {
		t.Fatalf("Record version %d: %v", g.Version, err)
	}
	return delta
}

func TestReconstructMatchesReplay(t *testing.T) {
	t.Parallel()

	term := newTerminal(t, 16, 4)
	initial := term.screen.Clone()
	h := newHistory(t, term, Config{SnapshotInterval: 3, MaxScrollback: 100})

	var deltas []*grid.Delta
	for i := range 25 {
		deltas = append(deltas, record(t, h, term.print(fmt.Sprintf("output %d", i))))
	}

	replayed := initial
	for k, delta := range deltas {
		var err error
		replayed, err = grid.Apply(replayed, delta)
		if err != nil {
			t.Fatalf("replaying delta %d: %v", k, err)
		}
		reconstructed, err := h.Reconstruct(uint64(k + 1))
		if err != nil {
			t.Fatalf("Reconstruct(%d): %v", k+1, err)
		}
		if !reconstructed.Equal(replayed) {
			t.Fatalf("Reconstruct(%d) = %q, replay = %q", k+1, reconstructed.Lines(), replayed.Lines())
		}
	}

	stats := h.Stats()
	if stats.SnapshotCount != 1+25/3 {
		t.Errorf("snapshot count: got %d, want %d", stats.SnapshotCount, 1+25/3)
	}
	if err := h.CheckContinuity(); err != nil {
		t.Errorf("CheckContinuity: %v", err)
	}
}

func TestAppendOutOfOrder(t *testing.T) {
	t.Parallel()

	term := newTerminal(t, 8, 2)
	h := newHistory(t, term, Config{})
	first := term.print("one")
	second := term.print("two")

	delta := grid.Diff(first, second)
	if _, err := h.Append(delta); !errors.Is(err, ErrOutOfOrderDelta) {
		t.Errorf("skipping a version: got %v, want ErrOutOfOrderDelta", err)
	}

	skip := &grid.Delta{SourceVersion: 0, TargetVersion: 2}
	if _, err := h.Append(skip); !errors.Is(err, ErrOutOfOrderDelta) {
		t.Errorf("target two ahead: got %v, want ErrOutOfOrderDelta", err)
	}

	if _, err := h.Record(second); !errors.Is(err, ErrContinuity) {
		t.Errorf("Record with a gap: got %v, want ErrContinuity", err)
	}
	if head := h.Head(); head.Version != 0 {
		t.Errorf("failed appends moved head to %d", head.Version)
	}
}

func TestReconstructOutOfRange(t *testing.T) {
	t.Parallel()

	term := newTerminal(t, 8, 2)
	h := newHistory(t, term, Config{SnapshotInterval: 2})
	for i := range 6 {
		record(t, h, term.print(fmt.Sprint(i)))
	}

	if _, err := h.Reconstruct(7); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("future version: got %v, want ErrVersionNotFound", err)
	}

	if err := h.Prune(3); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if base := h.Base(); base != 3 {
		t.Errorf("base after Prune(3): got %d, want 3", base)
	}
	if _, err := h.Reconstruct(2); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("pruned version: got %v, want ErrVersionNotFound", err)
	}
	for v := uint64(3); v <= 6; v++ {
		if _, err := h.Reconstruct(v); err != nil {
			t.Errorf("Reconstruct(%d) after prune: %v", v, err)
		}
	}
	if err := h.CheckContinuity(); err != nil {
		t.Errorf("CheckContinuity after prune: %v", err)
	}
}

func TestPruneAtOrBelowBaseIsNoop(t *testing.T) {
	t.Parallel()

	term := newTerminal(t, 8, 2)
	h := newHistory(t, term, Config{})
	for i := range 4 {
		record(t, h, term.print(fmt.Sprint(i)))
	}
	if err := h.Prune(2); err != nil {
		t.Fatalf("Prune(2): %v", err)
	}
	before := h.Stats()
	for _, cutoff := range []uint64{0, 1, 2} {
		if err := h.Prune(cutoff); err != nil {
			t.Errorf("Prune(%d): %v", cutoff, err)
		}
	}
	if after := h.Stats(); after.DeltaCount != before.DeltaCount || after.BaseVersion != before.BaseVersion {
		t.Errorf("no-op prune changed history: before %+v, after %+v", before, after)
	}

	if err := h.Prune(100); err != nil {
		t.Fatalf("Prune past head: %v", err)
	}
	if stats := h.Stats(); stats.BaseVersion != 4 || stats.DeltaCount != 0 {
		t.Errorf("prune past head: got base %d with %d deltas, want base 4 with 0",
			stats.BaseVersion, stats.DeltaCount)
	}
}

func TestRangeServesScrollback(t *testing.T) {
	t.Parallel()

	term := newTerminal(t, 12, 3)
	h := newHistory(t, term, Config{MaxScrollback: 4})
	for i := range 8 {
		record(t, h, term.print(fmt.Sprintf("line %d", i)))
	}
	// Lines 0..4 scrolled off; only 1..4 fit in the scrollback.
	head := h.Head()
	if head.StartLine != 5 {
		t.Fatalf("head start line: got %d, want 5", head.StartLine)
	}
	if oldest := h.OldestLine(); oldest != 1 {
		t.Errorf("OldestLine: got %d, want 1", oldest)
	}

	partial, err := h.Range(3, 6, head.Version)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	want := []string{"line 3", "line 4", "line 5", "line 6"}
	if got := partial.Lines(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Range(3, 6): got %q, want %q", got, want)
	}
	if partial.StartLine != 3 || partial.Height != 4 {
		t.Errorf("Range metadata: start %d height %d", partial.StartLine, partial.Height)
	}
	if partial.Cursor.Visible {
		t.Errorf("cursor on line 7 reported inside range 3..6: %+v", partial.Cursor)
	}

	if _, err := h.Range(0, 2, head.Version); !errors.Is(err, ErrLineNotFound) {
		t.Errorf("line below scrollback: got %v, want ErrLineNotFound", err)
	}
	if _, err := h.Range(6, 8, head.Version); !errors.Is(err, ErrLineNotFound) {
		t.Errorf("line below the screen: got %v, want ErrLineNotFound", err)
	}
}

func TestRangeAtHistoricalVersion(t *testing.T) {
	t.Parallel()

	term := newTerminal(t, 12, 3)
	h := newHistory(t, term, Config{MaxScrollback: 10})
	for i := range 6 {
		record(t, h, term.print(fmt.Sprintf("line %d", i)))
	}

	// At version 2 only two lines had been printed.
	partial, err := h.Range(0, 2, 2)
	if err != nil {
		t.Fatalf("Range at version 2: %v", err)
	}
	want := []string{"line 0", "line 1", ""}
	if got := partial.Lines(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if !partial.Cursor.Visible || partial.Cursor.Row != 2 {
		t.Errorf("cursor: got %+v, want visible on row 2", partial.Cursor)
	}
}

func TestVersionAt(t *testing.T) {
	t.Parallel()

	term := newTerminal(t, 8, 2)
	h := newHistory(t, term, Config{})
	for i := range 5 {
		record(t, h, term.print(fmt.Sprint(i)))
	}

	tests := []struct {
		at   time.Time
		want uint64
	}{
		{epoch, 0},
		{epoch.Add(1500 * time.Millisecond), 1},
		{epoch.Add(3 * time.Second), 3},
		{epoch.Add(time.Hour), 5},
	}
	for _, test := range tests {
		got, err := h.VersionAt(test.at)
		if err != nil {
			t.Errorf("VersionAt(%v): %v", test.at, err)
			continue
		}
		if got != test.want {
			t.Errorf("VersionAt(+%v): got %d, want %d", test.at.Sub(epoch), got, test.want)
		}
	}

	if _, err := h.VersionAt(epoch.Add(-time.Second)); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("before base: got %v, want ErrVersionNotFound", err)
	}
}

func TestRetention(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		retention Retention
		check     func(t *testing.T, stats Stats)
	}{
		{
			name:      "deltas",
			retention: Retention{Mode: RetainDeltas, MaxDeltas: 10},
			check: func(t *testing.T, stats Stats) {
				// Pruning cuts at checkpoints, every 4 versions.
				if stats.DeltaCount < 10 || stats.DeltaCount >= 10+4 {
					t.Errorf("delta count %d outside [10, 14)", stats.DeltaCount)
				}
			},
		},
		{
			name:      "age",
			retention: Retention{Mode: RetainAge, MaxAge: 8 * time.Second},
			check: func(t *testing.T, stats Stats) {
				// Versions 32..40 are younger than 8s.
				if stats.DeltaCount < 9 || stats.DeltaCount > 9+3 {
					t.Errorf("delta count %d outside [9, 12]", stats.DeltaCount)
				}
			},
		},
		{
			name:      "manual",
			retention: Retention{Mode: RetainManual},
			check: func(t *testing.T, stats Stats) {
				if stats.DeltaCount != 40 || stats.BaseVersion != 0 {
					t.Errorf("manual retention pruned: %+v", stats)
				}
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			term := newTerminal(t, 16, 4)
			h := newHistory(t, term, Config{SnapshotInterval: 4, Retention: test.retention})
			for i := range 40 {
				record(t, h, term.print(fmt.Sprintf("row %d", i)))
			}
			stats := h.Stats()
			test.check(t, stats)
			if stats.HeadVersion != 40 {
				t.Errorf("head version: got %d, want 40", stats.HeadVersion)
			}
			if _, err := h.Reconstruct(stats.BaseVersion); err != nil {
				t.Errorf("Reconstruct(base): %v", err)
			}
		})
	}
}

func TestRetentionBytes(t *testing.T) {
	t.Parallel()

	term := newTerminal(t, 32, 8)
	unbounded := newHistory(t, term, Config{SnapshotInterval: 4})
	bounded := newHistory(t, term, Config{SnapshotInterval: 4, Retention: Retention{Mode: RetainBytes, MaxBytes: 4096}})
	for i := range 200 {
		g := term.print(fmt.Sprintf("a fairly long line of output %d", i))
		record(t, unbounded, g)
		record(t, bounded, g)
	}
	if bounded.Stats().ByteSize >= unbounded.Stats().ByteSize {
		t.Errorf("byte retention did not prune: bounded %d, unbounded %d",
			bounded.Stats().ByteSize, unbounded.Stats().ByteSize)
	}
	if bounded.Base() == 0 {
		t.Error("byte retention left base at 0")
	}
}

func TestRetentionValidate(t *testing.T) {
	t.Parallel()

	invalid := []Retention{
		{Mode: RetainDeltas},
		{Mode: RetainAge},
		{Mode: RetainBytes},
		{Mode: "weekly"},
	}
	for _, retention := range invalid {
		if err := retention.Validate(); err == nil {
			t.Errorf("Validate(%+v): expected error", retention)
		}
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	term := newTerminal(t, 8, 2)
	h := newHistory(t, term, Config{MaxScrollback: 10})
	for i := range 5 {
		record(t, h, term.print(fmt.Sprint(i)))
	}
	h.Clear()

	stats := h.Stats()
	if stats.BaseVersion != 5 || stats.HeadVersion != 5 || stats.DeltaCount != 0 ||
		stats.SnapshotCount != 1 || stats.ScrollbackLines != 0 {
		t.Errorf("stats after Clear: %+v", stats)
	}
	if _, err := h.Reconstruct(4); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("cleared version: got %v, want ErrVersionNotFound", err)
	}

	// Appending continues from the head.
	record(t, h, term.print("after clear"))
	if head := h.Head(); head.Version != 6 {
		t.Errorf("head after append: got %d, want 6", head.Version)
	}
}

func TestResetAcceptsArbitraryVersion(t *testing.T) {
	t.Parallel()

	term := newTerminal(t, 8, 2)
	h := newHistory(t, term, Config{})
	record(t, h, term.print("before"))

	restarted, err := grid.New(10, 3)
	if err != nil {
		t.Fatalf("grid.New: %v", err)
	}
	restarted.Version = 500
	if err := h.Reset(restarted); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if stats := h.Stats(); stats.BaseVersion != 500 || stats.HeadVersion != 500 {
		t.Errorf("stats after Reset: %+v", stats)
	}
}

func TestStatsDuration(t *testing.T) {
	t.Parallel()

	term := newTerminal(t, 8, 2)
	h := newHistory(t, term, Config{})
	term.clock.Advance(90 * time.Second)
	if got := h.Stats().SessionDuration; got != 90*time.Second {
		t.Errorf("SessionDuration: got %v, want 90s", got)
	}
	if h.Stats().ByteSize <= 0 {
		t.Error("ByteSize should count the base snapshot")
	}
}
