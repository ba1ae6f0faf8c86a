// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// gridcast shares a terminal session with many viewers. The host side
// records terminal state in history and serves pooled views of it;
// viewers subscribe to a view (live, a point in the past, or anchored
// to a line) and receive a snapshot followed by deltas.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/bureau-foundation/gridcast/cmd/gridcast/cli"
	"github.com/bureau-foundation/gridcast/cmd/gridcast/commands"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output return an ExitError
		// with the desired exit code. Don't print a redundant
		// "error:" line for those.
		var exitError *cli.ExitError
		if errors.As(err, &exitError) {
			os.Exit(exitError.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var toolError *cli.ToolError
		if errors.As(err, &toolError) {
			os.Exit(toolError.ExitCode())
		}
		os.Exit(1)
	}
}

func run() error {
	return commands.Root().Execute(os.Args[1:])
}
