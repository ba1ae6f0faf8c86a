// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/gridcast/lib/clock"
)

// RetentionMode selects when old deltas are discarded.
type RetentionMode string

const (
	// RetainManual keeps everything until Prune or Clear is called.
	RetainManual RetentionMode = "manual"
	// RetainDeltas keeps at least MaxDeltas deltas.
	RetainDeltas RetentionMode = "deltas"
	// RetainAge keeps at least the deltas younger than MaxAge.
	RetainAge RetentionMode = "age"
	// RetainBytes keeps the encoded size of the log near MaxBytes.
	RetainBytes RetentionMode = "bytes"
)

// Retention is the automatic pruning policy. Automatic pruning only
// cuts at checkpoint versions, which makes it free of replay cost, so
// up to one snapshot interval more than the limit may be retained.
type Retention struct {
	Mode      RetentionMode `yaml:"mode"`
	MaxDeltas int           `yaml:"max_deltas"`
	MaxAge    time.Duration `yaml:"max_age"`
	MaxBytes  int64         `yaml:"max_bytes"`
}

// Validate checks that the limit for the selected mode is positive.
func (r Retention) Validate() error {
	switch r.Mode {
	case "", RetainManual:
	case RetainDeltas:
		if r.MaxDeltas <= 0 {
			return fmt.Errorf("retention mode %q requires max_deltas > 0", r.Mode)
		}
	case RetainAge:
		if r.MaxAge <= 0 {
			return fmt.Errorf("retention mode %q requires max_age > 0", r.Mode)
		}
	case RetainBytes:
		if r.MaxBytes <= 0 {
			return fmt.Errorf("retention mode %q requires max_bytes > 0", r.Mode)
		}
	default:
		return fmt.Errorf("unknown retention mode %q", r.Mode)
	}
	return nil
}

// Config tunes a History.
type Config struct {
	// SnapshotInterval is the number of deltas between checkpoints.
	SnapshotInterval int

	// MaxScrollback bounds the retained scrolled-off lines. Zero
	// keeps none.
	MaxScrollback int

	Retention Retention

	Clock clock.Clock
}

// DefaultSnapshotInterval is used when Config.SnapshotInterval is
// zero.
const DefaultSnapshotInterval = 100

// DefaultMaxScrollback is the scrollback bound the CLI defaults to.
const DefaultMaxScrollback = 10000

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.MaxScrollback < 0 {
		c.MaxScrollback = 0
	}
	if c.Retention.Mode == "" {
		c.Retention.Mode = RetainManual
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}
