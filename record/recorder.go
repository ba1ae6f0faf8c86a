// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/lib/codec"
	"github.com/bureau-foundation/gridcast/lib/sqlitepool"
	"github.com/bureau-foundation/gridcast/source"
)

// DefaultKeyframeInterval bounds how many deltas a reader replays to
// reach any frame.
const DefaultKeyframeInterval = 200

// ErrExists is returned by Create when the file already exists.
var ErrExists = errors.New("recording already exists")

const schema = `
CREATE TABLE IF NOT EXISTS frames (
	version   INTEGER PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	keyframe  INTEGER NOT NULL,
	payload   BLOB NOT NULL
);
`

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// KeyframeInterval defaults to DefaultKeyframeInterval.
	KeyframeInterval int
	Logger           *slog.Logger
}

// Recorder writes grids to a new recording file. Record is not safe
// for concurrent use; Start serializes a source's grids onto it.
type Recorder struct {
	pool             *sqlitepool.Pool
	logger           *slog.Logger
	keyframeInterval int

	last          *grid.Grid
	sinceKeyframe int
	frames        atomic.Int64

	done chan struct{}
	err  error
}

// Create creates a recording at path, which must not exist.
func Create(path string, cfg RecorderConfig) (*Recorder, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checking %s: %w", path, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	interval := cfg.KeyframeInterval
	if interval <= 0 {
		interval = DefaultKeyframeInterval
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 1, Schema: schema, Logger: logger})
	if err != nil {
		return nil, err
	}
	return &Recorder{pool: pool, logger: logger, keyframeInterval: interval}, nil
}

// Record appends g.
func (r *Recorder) Record(ctx context.Context, g *grid.Grid) (err error) {
	keyframe := r.last == nil ||
		g.Version != r.last.Version+1 ||
		g.Width != r.last.Width || g.Height != r.last.Height ||
		r.sinceKeyframe >= r.keyframeInterval

	var payload []byte
	flag := 0
	if keyframe {
		flag = 1
		payload, err = codec.Marshal(g)
	} else {
		payload, err = codec.Marshal(grid.Diff(r.last, g))
	}
	if err != nil {
		return fmt.Errorf("encoding frame %d: %w", g.Version, err)
	}

	conn, err := r.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer r.pool.Put(conn)
	err = sqlitex.Execute(conn,
		"INSERT INTO frames (version, timestamp, keyframe, payload) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{int64(g.Version), g.Timestamp, flag, payload}})
	if err != nil {
		return fmt.Errorf("writing frame %d: %w", g.Version, err)
	}

	r.last = g
	r.frames.Add(1)
	if keyframe {
		r.sinceKeyframe = 0
	} else {
		r.sinceKeyframe++
	}
	return nil
}

// Start subscribes to src, then records initial and every grid src
// publishes afterwards in a new goroutine until ctx is done. Grids
// already published when ctx ends are still written. Start must be
// called at most once.
func (r *Recorder) Start(ctx context.Context, initial *grid.Grid, src source.Source) {
	mutations := make(chan *grid.Grid, 256)
	cancel := src.OnMutation(func(g *grid.Grid) {
		select {
		case mutations <- g:
		case <-ctx.Done():
		}
	})
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		defer cancel()
		r.err = r.run(ctx, initial, mutations)
	}()
}

// Wait blocks until the goroutine Start began has finished and
// returns its error.
func (r *Recorder) Wait() error {
	if r.done == nil {
		return nil
	}
	<-r.done
	return r.err
}

func (r *Recorder) run(ctx context.Context, initial *grid.Grid, mutations <-chan *grid.Grid) error {
	// Writes outlive ctx so the final grids are not refused.
	write := func(g *grid.Grid) error {
		return r.Record(context.WithoutCancel(ctx), g)
	}
	if err := write(initial); err != nil {
		return err
	}
	for {
		select {
		case next := <-mutations:
			if err := write(next); err != nil {
				return err
			}
		case <-ctx.Done():
			for {
				select {
				case next := <-mutations:
					if err := write(next); err != nil {
						return err
					}
				default:
					r.logger.Info("recording stopped", "frames", r.frames.Load())
					return nil
				}
			}
		}
	}
}

// Frames returns the number of frames recorded.
func (r *Recorder) Frames() int {
	return int(r.frames.Load())
}

// Close closes the file.
func (r *Recorder) Close() error {
	return r.pool.Close()
}
