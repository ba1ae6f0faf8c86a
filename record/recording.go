// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/lib/codec"
	"github.com/bureau-foundation/gridcast/lib/sqlitepool"
)

// ErrEmpty is returned when a recording has no frames.
var ErrEmpty = errors.New("recording has no frames")

// Recording reads a file written by a Recorder.
type Recording struct {
	pool *sqlitepool.Pool
	path string
}

// Open opens the recording at path, which must exist.
func Open(path string, logger *slog.Logger) (*Recording, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, Logger: logger})
	if err != nil {
		return nil, err
	}
	return &Recording{pool: pool, path: path}, nil
}

// Info summarizes a recording.
type Info struct {
	Frames       int       `json:"frames"`
	Keyframes    int       `json:"keyframes"`
	FirstVersion uint64    `json:"first_version"`
	LastVersion  uint64    `json:"last_version"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
}

// Info returns the recording's frame counts and extent.
func (r *Recording) Info(ctx context.Context) (Info, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return Info{}, err
	}
	defer r.pool.Put(conn)

	var info Info
	err = sqlitex.Execute(conn, `
		SELECT COUNT(*), COALESCE(SUM(keyframe), 0),
		       COALESCE(MIN(version), 0), COALESCE(MAX(version), 0),
		       COALESCE(MIN(timestamp), 0), COALESCE(MAX(timestamp), 0)
		FROM frames`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				info.Frames = stmt.ColumnInt(0)
				info.Keyframes = stmt.ColumnInt(1)
				info.FirstVersion = uint64(stmt.ColumnInt64(2))
				info.LastVersion = uint64(stmt.ColumnInt64(3))
				info.Start = time.Unix(0, stmt.ColumnInt64(4)).UTC()
				info.End = time.Unix(0, stmt.ColumnInt64(5)).UTC()
				return nil
			},
		})
	if err != nil {
		return Info{}, fmt.Errorf("reading %s: %w", r.path, err)
	}
	if info.Frames == 0 {
		return Info{}, fmt.Errorf("%s: %w", r.path, ErrEmpty)
	}
	return info, nil
}

// Grids calls fn with every recorded grid whose version is at least
// from, in version order, until fn returns an error or the frames run
// out. fn's error is returned unchanged.
func (r *Recording) Grids(ctx context.Context, from uint64, fn func(*grid.Grid) error) error {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer r.pool.Put(conn)

	// Replay starts at the last keyframe at or before from.
	start := int64(0)
	err = sqlitex.Execute(conn,
		"SELECT COALESCE(MAX(version), 0) FROM frames WHERE keyframe = 1 AND version <= ?",
		&sqlitex.ExecOptions{
			Args: []any{int64(from)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				start = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("reading %s: %w", r.path, err)
	}

	var current *grid.Grid
	var callbackErr error
	err = sqlitex.Execute(conn,
		"SELECT version, keyframe, payload FROM frames WHERE version >= ? ORDER BY version",
		&sqlitex.ExecOptions{
			Args: []any{start},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				version := uint64(stmt.ColumnInt64(0))
				payload := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, payload)

				next, err := decodeFrame(current, stmt.ColumnInt(1) == 1, payload)
				if err != nil {
					return fmt.Errorf("frame %d: %w", version, err)
				}
				current = next
				if version < from {
					return nil
				}
				if err := fn(current); err != nil {
					callbackErr = err
					return err
				}
				return nil
			},
		})
	if callbackErr != nil {
		return callbackErr
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", r.path, err)
	}
	return nil
}

func decodeFrame(previous *grid.Grid, keyframe bool, payload []byte) (*grid.Grid, error) {
	if keyframe {
		var g grid.Grid
		if err := codec.Unmarshal(payload, &g); err != nil {
			return nil, err
		}
		if err := g.Validate(); err != nil {
			return nil, err
		}
		return &g, nil
	}
	if previous == nil {
		return nil, errors.New("delta without a preceding keyframe")
	}
	var delta grid.Delta
	if err := codec.Unmarshal(payload, &delta); err != nil {
		return nil, err
	}
	return grid.Apply(previous, &delta)
}

// Close closes the file.
func (r *Recording) Close() error {
	return r.pool.Close()
}
