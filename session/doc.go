// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session multiplexes many viewers over one terminal.
//
// The [Broker] owns a [history.History], a [Registry] of computed views
// and a [Pool] of per-client subscriptions. Every mutation of registry
// or pool state happens under the broker's mutex, which makes
// acquire, release and head advancement atomic with respect to each
// other and keeps the pool's per-view counts equal to the registry's
// subscriber sets. The broker checks that equality after every
// operation and ends the session if it ever fails.
//
// Terminal mutations arrive through [Broker.Publish] (or [Broker.Run],
// which feeds Publish from a source). Each one is recorded in history,
// the affected views are recomputed (independent views in parallel),
// and each changed view's delta is queued to every subscriber of that
// view while the mutex is still held, so all subscribers of a view see
// the same sequence numbers in the same order.
//
// Each [Client] has a bounded outbound queue. A full queue never blocks
// the broker: depending on [OverflowPolicy] the queue is discarded and
// replaced by a fresh snapshot, or the client is disconnected.
//
// [Serve] runs one viewer connection over any net.Conn: a reader that
// decodes frames into [Broker.Handle] and a writer that drains the
// client's queue.
package session
