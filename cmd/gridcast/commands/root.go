// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands defines the gridcast command tree.
package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/gridcast/cmd/gridcast/cli"
	"github.com/bureau-foundation/gridcast/lib/config"
	"github.com/bureau-foundation/gridcast/lib/version"
)

// Root returns the top-level gridcast command.
func Root() *cli.Command {
	return &cli.Command{
		Name:        "gridcast",
		Description: "Share a terminal session with many viewers.",
		Subcommands: []*cli.Command{
			hostCommand(),
			watchCommand(),
			replayCommand(),
			inspectCommand(),
			versionCommand(),
		},
		Examples: []cli.Example{
			{Description: "Share a build log over TCP", Command: "make 2>&1 | gridcast host --transport tcp --listen :7891"},
			{Description: "Watch it from another machine", Command: "gridcast watch --transport tcp --address buildhost:7891"},
			{Description: "Show what the session looked like at version 120", Command: "gridcast inspect view --mode historical --version 120"},
		},
	}
}

func versionCommand() *cli.Command {
	var full bool
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
			flagSet.BoolVar(&full, "full", false, "include Go version and platform")
			return flagSet
		},
		Run: func(args []string) error {
			if full {
				fmt.Println(version.Full())
			} else {
				fmt.Println(version.Info())
			}
			return nil
		},
	}
}

// configFlags are shared by every command that reads the config file.
type configFlags struct {
	path     string
	logLevel string
}

func (f *configFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.path, "config", "", "config file (default: $"+config.EnvironmentVariable+", else built-in defaults)")
	flagSet.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides log_level)")
}

// load reads the config file named by --config or the environment,
// falling back to defaults when neither is set.
func (f *configFlags) load() (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case f.path != "":
		cfg, err = config.LoadFile(f.path)
	case os.Getenv(config.EnvironmentVariable) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cli.NotFound("loading config: %w", err)
		}
		return nil, cli.Validation("loading config: %w", err)
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	return cfg, nil
}

// parseTime accepts RFC 3339 timestamps or Unix nanoseconds.
func parseTime(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UnixNano(), nil
	}
	nanoseconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil || nanoseconds <= 0 {
		return 0, cli.Validation("invalid time %q: want RFC 3339 or Unix nanoseconds", value)
	}
	return nanoseconds, nil
}

// dimension converts a flag value to a grid dimension.
func dimension(name string, value int) (uint16, error) {
	if value < 0 || value > 65535 {
		return 0, cli.Validation("--%s %d out of range", name, value)
	}
	return uint16(value), nil
}
