// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package record saves a session's grids to a SQLite file and plays
// them back.
//
// A [Recorder] stores every grid a source publishes as a frame: a full
// grid (a keyframe) at the start, after a dimension change or a
// version gap, and every KeyframeInterval frames; a grid.Delta from
// the previous frame otherwise. Frames are CBOR-encoded.
//
// A [Recording] reads the file back in version order, and a [Player]
// republishes it as a source.Source, at the recorded pace scaled by a
// speed factor, so a recorded session can be hosted like a live one.
package record
