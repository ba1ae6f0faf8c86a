// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/gridcast/cmd/gridcast/cli"
	"github.com/bureau-foundation/gridcast/lib/service"
	"github.com/bureau-foundation/gridcast/lib/tui"
	"github.com/bureau-foundation/gridcast/session"
)

type inspectBrowseParams struct {
	inspectParams
	refresh time.Duration
	color   bool
}

func inspectBrowseCommand() *cli.Command {
	var params inspectBrowseParams
	return &cli.Command{
		Name:    "browse",
		Summary: "Step through the session's history interactively",
		Description: `Open a full-screen browser over the session's history. Each version is
computed on demand through the inspection socket, so browsing never
affects viewers. The browser starts on the live state and follows it
until you step away.`,
		Usage: "gridcast inspect browse [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("browse", pflag.ContinueOnError)
			params.configFlags.register(flagSet)
			flagSet.StringVar(&params.socket, "socket", "", "inspection socket (default: inspect.socket_path from config)")
			flagSet.DurationVar(&params.refresh, "refresh", time.Second, "how often to re-read the head of history; 0 disables")
			flagSet.BoolVar(&params.color, "color", true, "render the session's colors")
			return flagSet
		},
		Run: func(args []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return cli.Validation("browse needs a terminal on standard output")
			}
			client, err := params.client()
			if err != nil {
				return err
			}
			options := tui.Options{Refresh: params.refresh}
			if params.color {
				options.Profile = profileName(termenv.EnvColorProfile())
			}
			program := tea.NewProgram(tui.NewModel(&inspectSource{client: client}, options), tea.WithAltScreen())
			final, err := program.Run()
			if err != nil {
				return cli.Internal("browser: %w", err)
			}
			if model, ok := final.(tui.Model); ok && model.Err() != nil {
				return model.Err()
			}
			return nil
		},
	}
}

// inspectSource answers browser queries over an inspection socket.
type inspectSource struct {
	client *service.ServiceClient
}

func (s *inspectSource) Stats(ctx context.Context) (*session.Stats, error) {
	var stats session.Stats
	if err := call(ctx, s.client, session.ActionStats, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *inspectSource) View(ctx context.Context, request session.GridViewRequest) (*session.GridViewResponse, error) {
	fields := map[string]any{
		"width":   request.Width,
		"height":  request.Height,
		"mode":    request.Mode,
		"version": request.Version,
		"time":    request.Time,
		"line":    request.Line,
	}
	if request.ANSI {
		fields["ansi"] = true
		fields["profile"] = request.Profile
	}
	var response session.GridViewResponse
	if err := call(ctx, s.client, session.ActionGridView, fields, &response); err != nil {
		return nil, err
	}
	return &response, nil
}
