// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend] and [RequireClosed] wrap the select
// with a wall-clock timeout so individual tests never call time.After
// themselves. [SocketDir] returns a short /tmp directory for Unix
// sockets, whose paths are limited to 108 bytes. [UniqueID] yields
// monotonically increasing identifiers for subscriptions and clients.
//
// All helpers call t.Fatalf on failure.
package testutil
