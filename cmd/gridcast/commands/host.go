// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/gridcast/cmd/gridcast/cli"
	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/history"
	"github.com/bureau-foundation/gridcast/lib/clock"
	"github.com/bureau-foundation/gridcast/lib/compress"
	"github.com/bureau-foundation/gridcast/lib/config"
	"github.com/bureau-foundation/gridcast/lib/service"
	"github.com/bureau-foundation/gridcast/record"
	"github.com/bureau-foundation/gridcast/session"
	"github.com/bureau-foundation/gridcast/source"
)

type hostParams struct {
	configFlags
	listenFlags
	width     int
	height    int
	exitOnEOF bool
	record    string
}

// listenFlags choose where a session accepts viewers and inspection
// requests.
type listenFlags struct {
	listen        string
	transportKind string
	name          string
	signalingDir  string
	inspectSocket string
}

func (f *listenFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.listen, "listen", "", "listen address: host:port for tcp and websocket, socket path for unix")
	flagSet.StringVar(&f.transportKind, "transport", "", "tcp, unix, websocket or webrtc")
	flagSet.StringVar(&f.name, "name", "", "peer name for webrtc signaling")
	flagSet.StringVar(&f.signalingDir, "signaling-dir", "", "shared directory for webrtc signaling")
	flagSet.StringVar(&f.inspectSocket, "inspect-socket", "", "inspection socket path")
}

func (f *listenFlags) apply(cfg *config.Config) {
	override := func(target *string, value string) {
		if value != "" {
			*target = value
		}
	}
	override(&cfg.Transport.Kind, f.transportKind)
	override(&cfg.Transport.Address, f.listen)
	override(&cfg.Transport.Name, f.name)
	override(&cfg.Transport.SignalingDirectory, f.signalingDir)
	override(&cfg.Inspect.SocketPath, f.inspectSocket)
}

func hostCommand() *cli.Command {
	var params hostParams
	return &cli.Command{
		Name:    "host",
		Summary: "Run a session from standard input or a command",
		Description: `Read lines from standard input and share the resulting terminal
state with viewers. Escape sequences are stripped; long lines wrap at
the session width. Input that viewers send is written to standard
output unchanged.

Given a command after --, run it on a pseudo-terminal of the session
size instead. Viewer input and resize requests go to the command.

The session keeps running after its input ends so viewers can still
browse history, unless --exit-on-eof is given. With --record, every
state the session passes through is also written to a file that
"gridcast replay" can serve later.`,
		Usage: "gridcast host [flags] [-- command [args...]]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("host", pflag.ContinueOnError)
			params.configFlags.register(flagSet)
			params.listenFlags.register(flagSet)
			flagSet.IntVar(&params.width, "width", 0, "session width (default: terminal width, else config)")
			flagSet.IntVar(&params.height, "height", 0, "session height (default: terminal height, else config)")
			flagSet.BoolVar(&params.exitOnEOF, "exit-on-eof", false, "end the session when standard input ends")
			flagSet.StringVar(&params.record, "record", "", "also write the session to this new recording file")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Share a log file over a Unix socket", Command: "tail -f build.log | gridcast host --listen /tmp/build.sock"},
			{Description: "Run a test suite and let viewers type into it", Command: "gridcast host --transport tcp --listen :7891 -- go test ./..."},
			{Description: "Keep a recording of a deploy", Command: "./deploy.sh | gridcast host --listen /tmp/deploy.sock --record deploy.gridcast"},
		},
		Run: func(args []string) error {
			cfg, err := params.resolve()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runHost(ctx, cfg, hostOptions{exitOnEOF: params.exitOnEOF, command: args, record: params.record}, os.Stdin, os.Stdout)
		},
	}
}

// resolve merges flags over the config file. Dimensions fall back to
// the size of the terminal on stderr before the config values.
func (p *hostParams) resolve() (*config.Config, error) {
	cfg, err := p.load()
	if err != nil {
		return nil, err
	}
	p.apply(cfg)

	if p.width == 0 || p.height == 0 {
		if width, height, err := term.GetSize(int(os.Stderr.Fd())); err == nil {
			if p.width == 0 {
				p.width = width
			}
			if p.height == 0 {
				p.height = height
			}
		}
	}
	if p.width != 0 {
		cfg.Session.Width = p.width
	}
	if p.height != 0 {
		cfg.Session.Height = p.height
	}

	if err := cfg.Validate(); err != nil {
		return nil, cli.Validation("invalid configuration: %w", err)
	}
	return cfg, nil
}

type hostOptions struct {
	// exitOnEOF ends the session when its input ends.
	exitOnEOF bool
	// command, when set, is run on a pseudo-terminal in place of
	// reading input.
	command []string
	// record, when set, names a new recording file the session is
	// written to.
	record string
}

// runHost serves a session fed from input, or from options.command,
// until ctx is done, the session fails, or input ends with exitOnEOF
// set.
func runHost(ctx context.Context, cfg *config.Config, options hostOptions, input io.Reader, output io.Writer) error {
	level, _ := cfg.SlogLevel()
	logger := cli.NewCommandLogger(level).With("command", "host")

	if err := cfg.EnsurePaths(); err != nil {
		return cli.Internal("%w", err)
	}

	width, _ := dimension("width", cfg.Session.Width)
	height, _ := dimension("height", cfg.Session.Height)
	lines, err := source.NewLineSource(width, height, clock.Real())
	if err != nil {
		return cli.Validation("%w", err)
	}

	hosted := hostedSource{
		source:     lines,
		initial:    lines.Grid(),
		input:      &passthrough{output: output, lines: lines, logger: logger},
		exitOnDone: options.exitOnEOF,
		start: func(context.Context) <-chan error {
			done := make(chan error, 1)
			go func() {
				_, err := lines.ReadFrom(input)
				done <- err
			}()
			return done
		},
	}
	if len(options.command) > 0 {
		command, err := source.StartCommand(lines, options.command[0], options.command[1:]...)
		if err != nil {
			return cli.NotFound("%w", err)
		}
		defer command.Stop()
		hosted.input = command
		hosted.start = func(context.Context) <-chan error {
			done := make(chan error, 1)
			go func() {
				<-command.Done()
				done <- command.Err()
			}()
			return done
		}
	}

	if options.record != "" {
		recorder, err := record.Create(options.record, record.RecorderConfig{Logger: logger.With("component", "recorder")})
		if err != nil {
			if errors.Is(err, record.ErrExists) {
				return cli.Validation("%w", err)
			}
			return cli.Internal("%w", err)
		}
		defer recorder.Close()
		hosted.recorder = recorder
	}

	return serveSession(ctx, cfg, hosted, logger)
}

// hostedSource is a source of grids together with what the session
// does with it.
type hostedSource struct {
	source  source.Source
	initial *grid.Grid
	input   session.InputSink
	// start begins producing grids once viewers can connect, stopping
	// when ctx is done. The returned channel reports when the source
	// stops.
	start func(ctx context.Context) <-chan error
	// exitOnDone ends the session when the source stops instead of
	// serving history until interrupted.
	exitOnDone bool
	recorder   *record.Recorder
}

// serveSession runs a broker over hosted, accepting viewers on the
// configured transport and inspection requests on the inspection
// socket, until ctx is done or the session fails.
func serveSession(ctx context.Context, cfg *config.Config, hosted hostedSource, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	broker, err := newBroker(cfg, hosted.initial, hosted.input, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	listener, err := listen(cfg.Transport, logger)
	if err != nil {
		return err
	}
	defer listener.Close()

	var workers sync.WaitGroup
	defer workers.Wait()
	defer cancel()

	// The feed registers with the source here, before the source is
	// started below, so the first grids reach history.
	feed := broker.Follow(hosted.source)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session ended", "error", err)
			cancel()
		}
	}()

	if hosted.recorder != nil {
		hosted.recorder.Start(ctx, hosted.initial, hosted.source)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := hosted.recorder.Wait(); err != nil {
				logger.Error("recording failed", "error", err)
			}
		}()
	}

	threshold := cfg.Session.CompressionThreshold
	served := make(chan struct{})
	workers.Add(1)
	go func() {
		defer workers.Done()
		defer close(served)
		err := listener.Serve(ctx, func(ctx context.Context, connection net.Conn) {
			viewerLogger := logger.With("viewer", connection.RemoteAddr().String())
			viewerLogger.Info("viewer connected")
			if err := session.Serve(ctx, broker, connection, threshold); err != nil {
				viewerLogger.Error("viewer connection failed", "error", err)
				if errors.Is(err, session.ErrInvariant) {
					cancel()
				}
				return
			}
			viewerLogger.Info("viewer disconnected")
		})
		if err != nil {
			logger.Error("listener failed", "error", err)
			cancel()
		}
	}()

	if cfg.Inspect.SocketPath != "" {
		server := service.NewSocketServer(cfg.Inspect.SocketPath, logger.With("component", "inspect"))
		session.RegisterInspection(server, broker)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := server.Serve(ctx); err != nil {
				logger.Error("inspection server failed", "error", err)
			}
		}()
	}

	logger.Info("session started",
		"transport", cfg.Transport.Kind,
		"address", listener.Address(),
		"inspect_socket", cfg.Inspect.SocketPath,
		"width", hosted.initial.Width,
		"height", hosted.initial.Height,
	)

	sourceDone := hosted.start(ctx)
	select {
	case <-ctx.Done():
	case err := <-sourceDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("input ended with an error", "error", err)
		}
		if hosted.exitOnDone {
			break
		}
		logger.Info("input ended; serving history until interrupted")
		<-ctx.Done()
	}

	// Close queues session_ending for every viewer. Closing the
	// listener then cancels the handlers, and session.Serve writes the
	// queued notification before it closes each connection.
	broker.Close()
	listener.Close()
	<-served
	cancel()
	workers.Wait()
	if err := broker.Err(); err != nil {
		return cli.Internal("session failed: %w", err)
	}
	return nil
}

func newBroker(cfg *config.Config, initial *grid.Grid, input session.InputSink, logger *slog.Logger) (*session.Broker, error) {
	compression, err := compress.Parse(cfg.Session.Compression)
	if err != nil {
		return nil, cli.Validation("%w", err)
	}
	retention := cfg.History.Retention
	broker, err := session.New(initial, session.Config{
		History: history.Config{
			SnapshotInterval: cfg.History.SnapshotInterval,
			MaxScrollback:    cfg.History.MaxScrollback,
			Retention: history.Retention{
				Mode:      history.RetentionMode(retention.Mode),
				MaxDeltas: retention.MaxDeltas,
				MaxAge:    retention.MaxAge,
				MaxBytes:  retention.MaxBytes,
			},
		},
		QueueSize:         cfg.Session.QueueSize,
		Overflow:          session.OverflowPolicy(cfg.Session.Overflow),
		Compression:       compression,
		RetentionInterval: cfg.Session.RetentionInterval,
		Input:             input,
		Logger:            logger.With("component", "broker"),
	})
	if err != nil {
		return nil, cli.Validation("creating session: %w", err)
	}
	return broker, nil
}

// passthrough delivers viewer input to the host's standard output and
// applies viewer resize requests to the line source.
type passthrough struct {
	mu     sync.Mutex
	output io.Writer
	lines  *source.LineSource
	logger *slog.Logger
}

func (p *passthrough) Input(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.output.Write(data)
	return err
}

func (p *passthrough) Resize(width, height uint16) error {
	p.logger.Info("viewer resized session", "width", width, "height", height)
	return p.lines.Resize(width, height)
}
