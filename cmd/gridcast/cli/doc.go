// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework for the gridcast binary: a
// [Command] tree dispatched by name with pflag flag sets, structured
// help output with typo suggestions, a command logger that picks text
// or JSON output depending on whether stderr is a terminal, and
// categorized [ToolError] values so callers can tell bad input from
// missing resources and internal failures.
package cli
