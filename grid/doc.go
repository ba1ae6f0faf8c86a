// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package grid models terminal screen state and the differences
// between consecutive states.
//
// A [Grid] is a width x height array of styled cells plus a cursor,
// stamped with a version. Grids handed to other components are
// immutable: [Apply] returns a new Grid that shares unmodified rows
// with its input, so the cost of a delta is proportional to the rows
// it touches.
//
// A [Delta] carries one of two shapes:
//
//   - incremental: an optional scroll shift, then row replacements and
//     individual cell changes, then an optional cursor change;
//   - snapshot: the complete target Grid. Every dimension change is a
//     snapshot, since cell coordinates are not comparable across
//     sizes.
//
// Every grid also carries StartLine, the absolute line number of its
// top row. Scrolling output advances StartLine, which lets a one-line
// scroll be expressed as a shift plus one new row instead of a whole
// screen of changes, and lets the history keep rows that scroll off
// the top addressable by line number.
package grid
