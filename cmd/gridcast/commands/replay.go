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
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/gridcast/cmd/gridcast/cli"
	"github.com/bureau-foundation/gridcast/lib/clock"
	"github.com/bureau-foundation/gridcast/lib/config"
	"github.com/bureau-foundation/gridcast/record"
)

type replayParams struct {
	configFlags
	listenFlags
	cli.JSONOutput
	speed     float64
	exitAtEnd bool
	info      bool
}

func replayCommand() *cli.Command {
	var params replayParams
	return &cli.Command{
		Name:    "replay",
		Summary: "Serve a recorded session to viewers",
		Description: `Host a session from a file written by "gridcast host --record". Frames
are published at the pace they were recorded, scaled by --speed; a
speed of 0 publishes them all at once. Viewers connect and browse
history as they would a live session, but their input is discarded.

With --info, print the recording's extent and exit.`,
		Usage: "gridcast replay [flags] <recording>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("replay", pflag.ContinueOnError)
			params.configFlags.register(flagSet)
			params.listenFlags.register(flagSet)
			params.RegisterJSON(flagSet)
			flagSet.Float64Var(&params.speed, "speed", 1, "playback speed multiplier; 0 skips the waits")
			flagSet.BoolVar(&params.exitAtEnd, "exit-at-end", false, "end the session when playback finishes")
			flagSet.BoolVar(&params.info, "info", false, "print the recording's extent and exit")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Replay a deploy at four times the speed", Command: "gridcast replay --listen /tmp/deploy.sock --speed 4 deploy.gridcast"},
			{Description: "Summarize a recording", Command: "gridcast replay --info deploy.gridcast"},
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return cli.Validation("replay takes exactly one recording file")
			}
			if params.speed < 0 {
				return cli.Validation("--speed %v must not be negative", params.speed)
			}
			if params.info {
				return printRecordingInfo(context.Background(), args[0], &params.JSONOutput, os.Stdout)
			}
			cfg, err := params.load()
			if err != nil {
				return err
			}
			params.apply(cfg)
			if err := cfg.Validate(); err != nil {
				return cli.Validation("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			options := replayOptions{speed: params.speed, exitAtEnd: params.exitAtEnd, clock: clock.Real()}
			return runReplay(ctx, cfg, args[0], options)
		},
	}
}

type replayOptions struct {
	speed     float64
	exitAtEnd bool
	clock     clock.Clock
}

func openRecording(path string) (*record.Recording, error) {
	recording, err := record.Open(path, nil)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cli.NotFound("%w", err)
		}
		return nil, cli.Validation("opening recording: %w", err)
	}
	return recording, nil
}

// runReplay serves the recording at path until ctx is done, or until
// playback finishes with exitAtEnd set.
func runReplay(ctx context.Context, cfg *config.Config, path string, options replayOptions) error {
	level, _ := cfg.SlogLevel()
	logger := cli.NewCommandLogger(level).With("command", "replay", "recording", path)

	if err := cfg.EnsurePaths(); err != nil {
		return cli.Internal("%w", err)
	}
	recording, err := openRecording(path)
	if err != nil {
		return err
	}
	defer recording.Close()

	player, err := record.NewPlayer(ctx, recording, options.clock, options.speed)
	if err != nil {
		if errors.Is(err, record.ErrEmpty) {
			return cli.Validation("%s: %w", path, err)
		}
		return cli.Validation("reading recording: %w", err)
	}

	// Playback holds a connection to the recording until it stops.
	playing := make(chan struct{})
	started := false
	hosted := hostedSource{
		source:     player,
		initial:    player.Grid(),
		exitOnDone: options.exitAtEnd,
		start: func(ctx context.Context) <-chan error {
			started = true
			done := make(chan error, 1)
			go func() {
				defer close(playing)
				err := player.Play(ctx)
				if err == nil {
					logger.Info("playback finished", "version", player.Grid().Version)
				}
				done <- err
			}()
			return done
		},
	}
	err = serveSession(ctx, cfg, hosted, logger)
	if started {
		<-playing
	}
	return err
}

func printRecordingInfo(ctx context.Context, path string, output *cli.JSONOutput, w io.Writer) error {
	recording, err := openRecording(path)
	if err != nil {
		return err
	}
	defer recording.Close()

	info, err := recording.Info(ctx)
	if err != nil {
		if errors.Is(err, record.ErrEmpty) {
			return cli.Validation("%w", err)
		}
		return cli.Validation("reading recording: %w", err)
	}
	if done, err := output.EmitJSON(w, info); done {
		return err
	}
	table := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintf(table, "frames\t%d (%d keyframes)\n", info.Frames, info.Keyframes)
	fmt.Fprintf(table, "versions\t%d-%d\n", info.FirstVersion, info.LastVersion)
	fmt.Fprintf(table, "start\t%s\n", info.Start.Format("2006-01-02 15:04:05.000 MST"))
	fmt.Fprintf(table, "duration\t%s\n", info.End.Sub(info.Start))
	return table.Flush()
}
