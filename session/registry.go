// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/view"
)

// ClientID identifies an attached client.
type ClientID string

// ViewInfo is one pooled view. Its fields are owned by the Registry
// and only read under the broker's mutex.
type ViewInfo struct {
	ID  string
	Key view.Key

	frame    *view.Frame
	sequence uint64
	checksum [32]byte

	subscribers map[ClientID]struct{}
}

// Sequence returns the view-local sequence of the current frame.
func (v *ViewInfo) Sequence() uint64 { return v.sequence }

// Frame returns the current frame. Its Grid.Version equals Sequence.
func (v *ViewInfo) Frame() *view.Frame { return v.frame }

// Checksum returns view.Checksum of the current frame.
func (v *ViewInfo) Checksum() [32]byte { return v.checksum }

// SubscriberCount returns the number of subscribers.
func (v *ViewInfo) SubscriberCount() int { return len(v.subscribers) }

// Subscribers returns the subscriber IDs in sorted order.
func (v *ViewInfo) Subscribers() []ClientID {
	ids := make([]ClientID, 0, len(v.subscribers))
	for id := range v.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Update is the result of recomputing one view after the head moved.
// Exactly one of Delta and Err is set.
type Update struct {
	View  *ViewInfo
	Delta *grid.Delta
	Err   error
}

// Registry deduplicates view computation by key. It is not safe for
// concurrent use; the Broker serializes access.
type Registry struct {
	history view.History
	logger  *slog.Logger

	views  map[view.Key]*ViewInfo
	nextID uint64

	computations atomic.Uint64
}

// NewRegistry returns an empty registry reading from h.
func NewRegistry(h view.History, logger *slog.Logger) *Registry {
	return &Registry{
		history: h,
		logger:  logger,
		views:   make(map[view.Key]*ViewInfo),
	}
}

// compute renders key and counts the computation.
func (r *Registry) compute(key view.Key) (*view.Frame, error) {
	r.computations.Add(1)
	return view.Compute(r.history, key)
}

// Computations returns the number of view computations performed.
func (r *Registry) Computations() uint64 {
	return r.computations.Load()
}

// Acquire adds client to the view for key, computing the view if no
// client holds it yet. created reports whether a computation happened.
// Acquiring a key the client already holds is a no-op.
func (r *Registry) Acquire(key view.Key, client ClientID) (info *ViewInfo, created bool, err error) {
	if info, ok := r.views[key]; ok {
		info.subscribers[client] = struct{}{}
		return info, false, nil
	}

	frame, err := r.compute(key)
	if err != nil {
		return nil, false, err
	}
	r.nextID++
	info = &ViewInfo{
		ID:          fmt.Sprintf("view-%d", r.nextID),
		Key:         key,
		frame:       frame,
		checksum:    view.Checksum(frame.Grid),
		subscribers: map[ClientID]struct{}{client: {}},
	}
	r.views[key] = info
	r.logger.Debug("view created", "view", info.ID, "key", key.String())
	return info, true, nil
}

// Release removes client from the view for key and destroys the view
// when no subscribers remain. Returns true if the view was destroyed.
func (r *Registry) Release(key view.Key, client ClientID) bool {
	info, ok := r.views[key]
	if !ok {
		return false
	}
	delete(info.subscribers, client)
	if len(info.subscribers) > 0 {
		return false
	}
	delete(r.views, key)
	r.logger.Debug("view destroyed", "view", info.ID, "key", key.String())
	return true
}

// Lookup returns the view for key.
func (r *Registry) Lookup(key view.Key) (*ViewInfo, bool) {
	info, ok := r.views[key]
	return info, ok
}

// Len returns the number of live views.
func (r *Registry) Len() int { return len(r.views) }

// Counts returns the subscriber count of every live view.
func (r *Registry) Counts() map[view.Key]int {
	counts := make(map[view.Key]int, len(r.views))
	for key, info := range r.views {
		counts[key] = len(info.subscribers)
	}
	return counts
}

// Views returns every live view ordered by ID.
func (r *Registry) Views() []*ViewInfo {
	views := make([]*ViewInfo, 0, len(r.views))
	for _, info := range r.views {
		views = append(views, info)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// Reset destroys every view and returns them.
func (r *Registry) Reset() []*ViewInfo {
	views := r.Views()
	r.views = make(map[view.Key]*ViewInfo)
	return views
}

// Expired returns the historical views computed from a version older
// than base, in ID order. They stay registered until released.
func (r *Registry) Expired(base uint64) []*ViewInfo {
	var expired []*ViewInfo
	for _, info := range r.Views() {
		if info.Key.Mode == view.Historical && info.frame.SourceVersion < base {
			expired = append(expired, info)
		}
	}
	return expired
}

// Advance recomputes the views that head's delta can affect: every
// realtime view, and every anchored view whose visible lines the delta
// changed. Historical views never change. Views whose frame is
// unchanged produce no update. Recomputation runs concurrently, since
// each view only reads history.
func (r *Registry) Advance(head *grid.Delta) []Update {
	var affected []*ViewInfo
	var changedLines []uint64
	linesComputed := false
	for _, info := range r.Views() {
		switch info.Key.Mode {
		case view.Realtime:
			affected = append(affected, info)
		case view.Anchored:
			if head.IsSnapshot() || head.Cursor != nil {
				affected = append(affected, info)
				continue
			}
			if !linesComputed {
				changedLines = head.ChangedLines()
				linesComputed = true
			}
			if anchoredTouched(info, changedLines) {
				affected = append(affected, info)
			}
		}
	}
	if len(affected) == 0 {
		return nil
	}

	frames := make([]*view.Frame, len(affected))
	errs := make([]error, len(affected))
	var group sync.WaitGroup
	for i, info := range affected {
		group.Add(1)
		go func() {
			defer group.Done()
			frames[i], errs[i] = r.compute(info.Key)
		}()
	}
	group.Wait()

	var updates []Update
	for i, info := range affected {
		if errs[i] != nil {
			updates = append(updates, Update{View: info, Err: errs[i]})
			continue
		}
		if delta := info.advance(frames[i]); delta != nil {
			updates = append(updates, Update{View: info, Delta: delta})
		}
	}
	return updates
}

// anchoredTouched reports whether any changed line falls in the
// window an anchored view reads: Height lines from its anchor.
func anchoredTouched(info *ViewInfo, changedLines []uint64) bool {
	anchor := info.Key.Position.Line
	end := anchor + uint64(info.Key.Height)
	for _, line := range changedLines {
		if line >= anchor && line < end {
			return true
		}
	}
	return false
}

// advance installs frame as the view's next state. Returns the delta
// from the previous frame, or nil if nothing visible changed.
func (v *ViewInfo) advance(frame *view.Frame) *grid.Delta {
	previous := v.frame.Grid
	frame.Grid.Version = v.sequence + 1
	delta := grid.Diff(previous, frame.Grid)
	if delta.Empty() && previous.StartLine == frame.Grid.StartLine {
		frame.Grid.Version = v.sequence
		v.frame = frame
		return nil
	}
	v.frame = frame
	v.sequence++
	v.checksum = view.Checksum(frame.Grid)
	return delta
}
