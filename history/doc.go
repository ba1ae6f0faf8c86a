// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package history records the evolution of a terminal grid.
//
// [History] is an append-only log of [grid.Delta] values since a base
// version, with full-grid checkpoints every Config.SnapshotInterval
// deltas. Any retained version is rebuilt by replaying from the
// nearest checkpoint at or below it, so reconstruction cost is bounded
// by the interval regardless of how long the session has run.
//
// Deltas live in a slice indexed by version-base-1; checkpoints are a
// sorted slice searched by version. Pruning moves the base forward and
// re-slices; nothing is mutated in place.
//
// Rows that scroll off the top of the screen are kept as scrollback,
// addressable by absolute line number through [History.Range]. The
// scrollback is bounded by Config.MaxScrollback.
//
// A History has a single writer. Readers (view computations) may run
// concurrently with each other and take a read lock.
package history
