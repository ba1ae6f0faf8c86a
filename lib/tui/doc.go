// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tui is an interactive history browser for a running session.
// Built on bubbletea, the browser asks a Source for the session's
// statistics and for historical views of it, and lets the user step
// through versions, jump to either end of history, or follow the live
// state.
//
// The browser never subscribes: every frame is computed on demand
// through the inspection socket, so browsing does not create or
// advance any view that viewers share.
package tui
