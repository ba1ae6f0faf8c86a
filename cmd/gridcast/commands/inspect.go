// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/gridcast/cmd/gridcast/cli"
	"github.com/bureau-foundation/gridcast/lib/service"
	"github.com/bureau-foundation/gridcast/session"
)

const inspectTimeout = 10 * time.Second

// inspectParams are shared by the inspect subcommands.
type inspectParams struct {
	configFlags
	cli.JSONOutput
	socket string
}

func (p *inspectParams) register(flagSet *pflag.FlagSet) {
	p.configFlags.register(flagSet)
	p.RegisterJSON(flagSet)
	flagSet.StringVar(&p.socket, "socket", "", "inspection socket (default: inspect.socket_path from config)")
}

// client returns a service client for the configured socket.
func (p *inspectParams) client() (*service.ServiceClient, error) {
	path := p.socket
	if path == "" {
		cfg, err := p.load()
		if err != nil {
			return nil, err
		}
		path = cfg.Inspect.SocketPath
	}
	if path == "" {
		return nil, cli.Validation("no inspection socket: pass --socket or set inspect.socket_path")
	}
	return service.NewServiceClient(path), nil
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:    "inspect",
		Summary: "Query a running session's inspection socket",
		Subcommands: []*cli.Command{
			inspectViewCommand(),
			inspectBrowseCommand(),
			inspectStatsCommand(),
			inspectClearCommand(),
		},
	}
}

type inspectViewParams struct {
	inspectParams
	width   int
	height  int
	mode    string
	version uint64
	time    string
	line    uint64
	color   string
}

func inspectViewCommand() *cli.Command {
	var params inspectViewParams
	return &cli.Command{
		Name:    "view",
		Summary: "Render a view of the session without subscribing",
		Description: `Compute a view of the session and print it. The view is computed on
demand and is not shared with viewers. Dimensions default to the
session's own.`,
		Usage: "gridcast inspect view [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("view", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.IntVar(&params.width, "width", 0, "view width")
			flagSet.IntVar(&params.height, "height", 0, "view height")
			flagSet.StringVar(&params.mode, "mode", "realtime", "realtime, historical or anchored")
			flagSet.Uint64Var(&params.version, "version", 0, "history version (historical)")
			flagSet.StringVar(&params.time, "time", "", "RFC 3339 time or Unix nanoseconds (historical)")
			flagSet.Uint64Var(&params.line, "line", 0, "absolute line at the top of the view (anchored)")
			flagSet.StringVar(&params.color, "color", "auto", "auto, always or never")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "The session 30 seconds ago at 100 columns", Command: "gridcast inspect view --mode historical --time 2026-03-01T12:00:00Z --width 100"},
			{Description: "Scrollback starting at line 500", Command: "gridcast inspect view --mode anchored --line 500"},
		},
		Run: func(args []string) error {
			request, err := params.request()
			if err != nil {
				return err
			}
			client, err := params.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
			defer cancel()

			var response session.GridViewResponse
			if err := call(ctx, client, session.ActionGridView, request, &response); err != nil {
				return err
			}
			if done, err := params.EmitJSON(os.Stdout, response); done {
				return err
			}
			renderFrame(os.Stdout, &response, request["ansi"] == true)
			return nil
		},
	}
}

// request builds the grid_view request fields.
func (p *inspectViewParams) request() (map[string]any, error) {
	width, err := dimension("width", p.width)
	if err != nil {
		return nil, err
	}
	height, err := dimension("height", p.height)
	if err != nil {
		return nil, err
	}
	at, err := parseTime(p.time)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"width":   width,
		"height":  height,
		"mode":    p.mode,
		"version": p.version,
		"time":    at,
		"line":    p.line,
	}

	styled := false
	switch p.color {
	case "always":
		styled = true
	case "auto":
		styled = term.IsTerminal(int(os.Stdout.Fd()))
	case "never":
	default:
		return nil, cli.Validation("--color must be auto, always or never")
	}
	if styled {
		fields["ansi"] = true
		fields["profile"] = profileName(termenv.EnvColorProfile())
	}
	return fields, nil
}

func profileName(profile termenv.Profile) string {
	switch profile {
	case termenv.TrueColor:
		return "truecolor"
	case termenv.ANSI256:
		return "ansi256"
	case termenv.ANSI:
		return "ansi"
	default:
		return "ascii"
	}
}

// renderFrame prints a view inside a border sized to the view width.
func renderFrame(w io.Writer, response *session.GridViewResponse, styled bool) {
	fmt.Fprintf(w, "%s  version %d  lines %d-%d  cursor %d,%d\n",
		response.Key, response.SourceVersion,
		response.StartLine, response.StartLine+uint64(response.Height)-1,
		response.Cursor.Row, response.Cursor.Column)

	rows := response.Lines
	if styled && len(response.ANSI) == len(rows) {
		rows = response.ANSI
	}
	width := int(response.Width)
	border := strings.Repeat("─", width)
	fmt.Fprintf(w, "┌%s┐\n", border)
	for _, row := range rows {
		if ansi.StringWidth(row) > width {
			row = ansi.Truncate(row, width, "")
		}
		padding := max(width-ansi.StringWidth(row), 0)
		fmt.Fprintf(w, "│%s%s│\n", row, strings.Repeat(" ", padding))
	}
	fmt.Fprintf(w, "└%s┘\n", border)
	fmt.Fprintf(w, "checksum %s\n", response.Checksum)
}

func inspectStatsCommand() *cli.Command {
	var params inspectParams
	return &cli.Command{
		Name:    "stats",
		Summary: "Show history and view statistics",
		Usage:   "gridcast inspect stats [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("stats", pflag.ContinueOnError)
			params.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			client, err := params.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
			defer cancel()

			var stats session.Stats
			if err := call(ctx, client, session.ActionStats, nil, &stats); err != nil {
				return err
			}
			if done, err := params.EmitJSON(os.Stdout, stats); done {
				return err
			}
			renderStats(os.Stdout, &stats)
			return nil
		},
	}
}

func renderStats(w io.Writer, stats *session.Stats) {
	table := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	history := stats.History
	fmt.Fprintf(table, "versions\t%d-%d\n", history.BaseVersion, history.HeadVersion)
	fmt.Fprintf(table, "deltas\t%d\n", history.DeltaCount)
	fmt.Fprintf(table, "snapshots\t%d\n", history.SnapshotCount)
	fmt.Fprintf(table, "size\t%d bytes\n", history.ByteSize)
	fmt.Fprintf(table, "scrollback\t%d lines from line %d\n", history.ScrollbackLines, history.OldestLine)
	fmt.Fprintf(table, "duration\t%s\n", history.SessionDuration.Round(time.Second))
	fmt.Fprintf(table, "viewers\t%d (%d subscribed)\n", stats.Clients, stats.Subscriptions)
	fmt.Fprintf(table, "computations\t%d\n", stats.Computations)
	table.Flush()

	if len(stats.Views) == 0 {
		return
	}
	fmt.Fprintln(w)
	table = tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(table, "VIEW\tKEY\tSEQUENCE\tSUBSCRIBERS")
	for _, view := range stats.Views {
		fmt.Fprintf(table, "%s\t%s\t%d\t%d\n", view.ID, view.Key, view.Sequence, view.Subscribers)
	}
	table.Flush()
}

func inspectClearCommand() *cli.Command {
	var params inspectParams
	return &cli.Command{
		Name:    "clear",
		Summary: "Discard all history before the current state",
		Description: `Reset history to the current state. Viewers on historical or anchored
views of discarded history are moved to the live view on their next
update.`,
		Usage: "gridcast inspect clear [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("clear", pflag.ContinueOnError)
			params.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			client, err := params.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
			defer cancel()

			var cleared session.ClearHistoryResponse
			if err := call(ctx, client, session.ActionClearHistory, nil, &cleared); err != nil {
				return err
			}
			if done, err := params.EmitJSON(os.Stdout, cleared); done {
				return err
			}
			fmt.Printf("history cleared; base version is now %d\n", cleared.BaseVersion)
			return nil
		},
	}
}

// call categorizes inspection failures: a missing socket is not found,
// a refused request is bad input, anything else is transient.
func call(ctx context.Context, client *service.ServiceClient, action string, fields map[string]any, result any) error {
	err := client.Call(ctx, action, fields, result)
	if err == nil {
		return nil
	}
	var serviceError *service.ServiceError
	switch {
	case errors.As(err, &serviceError):
		return cli.Validation("%w", err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ECONNREFUSED):
		return cli.NotFound("no session is serving inspection: %w", err)
	default:
		return cli.Transient("%w", err)
	}
}
