// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite databases with the pragmas gridcast
// uses for local files.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers [Pool.Take]
// a connection, work on it, and [Pool.Put] it back; a connection
// belongs to one goroutine at a time. SQL is written directly against
// the zombiezen API (sqlitex.Execute, sqlitex.ImmediateTransaction);
// this package adds no query layer.
//
// Every connection runs with:
//
//   - journal_mode=WAL, so a replay can read a recording while it is
//     still being written.
//   - synchronous=NORMAL: committed frames survive a host crash but
//     not a power failure.
//   - busy_timeout=5000.
//   - temp_store=MEMORY.
//
// [Config.Schema], when set, is applied to each connection before it
// is first handed out.
package sqlitepool
