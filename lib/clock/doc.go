// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Grid timestamps, the history time index, retention by age and
// session duration all read time through a Clock. Production code
// passes Real(); tests pass Fake() and move time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	history := history.New(history.Config{Clock: c})
//	c.Advance(5 * time.Second)
//
// Goroutines that wait on a ticker register it with the fake clock.
// WaitForTimers blocks until a given number are registered so a test
// can advance the clock without racing the registration.
package clock
