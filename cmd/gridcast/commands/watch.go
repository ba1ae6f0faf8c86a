// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/gridcast/cmd/gridcast/cli"
	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/lib/compress"
	"github.com/bureau-foundation/gridcast/lib/netutil"
	"github.com/bureau-foundation/gridcast/protocol"
	"github.com/bureau-foundation/gridcast/view"
)

// detachKey (Ctrl-]) ends a watch with --input.
const detachKey = 0x1d

type watchParams struct {
	configFlags
	transportKind string
	address       string
	name          string
	signalingDir  string
	width         int
	height        int
	mode          string
	version       uint64
	time          string
	line          uint64
	compression   string
	once          bool
	input         bool
}

func watchCommand() *cli.Command {
	var params watchParams
	return &cli.Command{
		Name:    "watch",
		Summary: "Follow a running session",
		Description: `Connect to a host and display one view of its session. The view
follows the host by default; --mode historical shows a past version
and --mode anchored pins an absolute line to the top of the screen.

With --input, keystrokes are sent to the host and the local terminal
is put in raw mode. Press Ctrl-] to detach.`,
		Usage: "gridcast watch [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.StringVar(&params.transportKind, "transport", "", "tcp, unix, websocket or webrtc")
			flagSet.StringVar(&params.address, "address", "", "host address: host:port, socket path, ws:// URL, or webrtc peer name")
			flagSet.StringVar(&params.name, "name", fmt.Sprintf("viewer-%d", os.Getpid()), "peer name for webrtc signaling")
			flagSet.StringVar(&params.signalingDir, "signaling-dir", "", "shared directory for webrtc signaling")
			flagSet.IntVar(&params.width, "width", 0, "view width (default: terminal width)")
			flagSet.IntVar(&params.height, "height", 0, "view height (default: terminal height)")
			flagSet.StringVar(&params.mode, "mode", "realtime", "realtime, historical or anchored")
			flagSet.Uint64Var(&params.version, "version", 0, "history version (historical)")
			flagSet.StringVar(&params.time, "time", "", "RFC 3339 time or Unix nanoseconds (historical)")
			flagSet.Uint64Var(&params.line, "line", 0, "absolute line at the top of the view (anchored)")
			flagSet.StringVar(&params.compression, "compression", "auto", "none, lz4, zstd or auto")
			flagSet.BoolVar(&params.once, "once", false, "print the first snapshot as plain text and exit")
			flagSet.BoolVar(&params.input, "input", false, "send keystrokes to the host")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Follow a session on a Unix socket", Command: "gridcast watch --transport unix --address /tmp/build.sock"},
			{Description: "Print the session as it was at version 42", Command: "gridcast watch --address :7891 --transport tcp --mode historical --version 42 --once"},
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument %q", args[0])
			}
			return params.run()
		},
	}
}

func (p *watchParams) run() error {
	cfg, err := p.load()
	if err != nil {
		return err
	}
	if p.transportKind != "" {
		cfg.Transport.Kind = p.transportKind
	}
	if p.address != "" {
		cfg.Transport.Address = p.address
	}
	if p.signalingDir != "" {
		cfg.Transport.SignalingDirectory = p.signalingDir
	}
	if cfg.Transport.Address == "" {
		return cli.Validation("no host address: pass --address or set transport.address")
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return cli.Validation("%w", err)
	}
	logger := cli.NewCommandLogger(level).With("command", "watch")

	terminal := term.IsTerminal(int(os.Stdout.Fd()))
	followTerminal := terminal && p.width == 0 && p.height == 0 && !p.once
	if terminal && (p.width == 0 || p.height == 0) {
		if width, height, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			if p.width == 0 {
				p.width = width
			}
			if p.height == 0 {
				p.height = height
			}
		}
	}
	if p.width == 0 {
		p.width = cfg.Session.Width
	}
	if p.height == 0 {
		p.height = cfg.Session.Height
	}
	subscribe, err := p.subscribe()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dial, release, err := dialer(cfg.Transport, p.name, logger)
	if err != nil {
		return err
	}
	defer release()
	connection, err := dial.DialContext(ctx, cfg.Transport.Address)
	if err != nil {
		return cli.Transient("connecting to %s: %w", cfg.Transport.Address, err)
	}
	defer connection.Close()

	options := watchOptions{
		subscribe: subscribe,
		once:      p.once,
		profile:   termenv.EnvColorProfile(),
	}
	if followTerminal {
		options.resizes = terminalResizes(ctx, int(os.Stdout.Fd()))
	}
	if p.input {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			state, err := term.MakeRaw(int(os.Stdin.Fd()))
			if err != nil {
				return cli.Internal("entering raw mode: %w", err)
			}
			defer term.Restore(int(os.Stdin.Fd()), state)
		}
		options.input = os.Stdin
	}
	return runWatch(ctx, connection, options, os.Stdout, logger)
}

func (p *watchParams) subscribe() (protocol.Subscribe, error) {
	width, err := dimension("width", p.width)
	if err != nil {
		return protocol.Subscribe{}, err
	}
	height, err := dimension("height", p.height)
	if err != nil {
		return protocol.Subscribe{}, err
	}
	mode, err := view.ParseMode(p.mode)
	if err != nil {
		return protocol.Subscribe{}, cli.Validation("%w", err)
	}
	at, err := parseTime(p.time)
	if err != nil {
		return protocol.Subscribe{}, err
	}
	compression, err := compress.Parse(p.compression)
	if err != nil {
		return protocol.Subscribe{}, cli.Validation("%w", err)
	}
	subscribe := protocol.Subscribe{
		SubscriptionID: "watch",
		Width:          width,
		Height:         height,
		Mode:           mode,
		Position:       view.Position{Version: p.version, Time: at, Line: p.line},
		Compression:    compression,
	}
	if err := subscribe.Key().Validate(); err != nil {
		return protocol.Subscribe{}, cli.Validation("%w", err)
	}
	return subscribe, nil
}

// terminalResizes reports the terminal size after every SIGWINCH
// until ctx is done.
func terminalResizes(ctx context.Context, fd int) <-chan size {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGWINCH)
	sizes := make(chan size, 1)
	go func() {
		defer signal.Stop(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
			}
			width, height, err := term.GetSize(fd)
			if err != nil || width <= 0 || height <= 0 || width > 65535 || height > 65535 {
				continue
			}
			select {
			case sizes <- size{width: uint16(width), height: uint16(height)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sizes
}

type size struct {
	width  uint16
	height uint16
}

type watchOptions struct {
	subscribe protocol.Subscribe
	// once prints the first complete view as plain text and returns.
	once    bool
	profile termenv.Profile
	// resizes, when set, moves the subscription to each new size.
	resizes <-chan size
	// input, when set, is forwarded to the host.
	input io.Reader
}

// watcher follows one subscription over a connection.
type watcher struct {
	connection io.ReadWriteCloser
	options    watchOptions
	output     io.Writer
	screen     *termenv.Output
	logger     *slog.Logger

	writeMu sync.Mutex
	replica replica

	mu        sync.Mutex
	subscribe protocol.Subscribe
}

// runWatch subscribes over connection and renders the view to output
// until ctx is done or the host ends the session.
func runWatch(ctx context.Context, connection io.ReadWriteCloser, options watchOptions, output io.Writer, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &watcher{
		connection: connection,
		options:    options,
		output:     output,
		logger:     logger,
		replica:    replica{subscriptionID: options.subscribe.SubscriptionID},
		subscribe:  options.subscribe,
	}
	if !options.once {
		w.screen = termenv.NewOutput(output, termenv.WithProfile(options.profile))
		w.screen.HideCursor()
		defer w.screen.ShowCursor()
	}

	go func() {
		<-ctx.Done()
		connection.Close()
	}()

	if err := w.send(w.currentSubscribe()); err != nil {
		return cli.Transient("subscribing: %w", err)
	}
	if options.input != nil {
		go w.forwardInput(ctx, cancel)
	}
	if options.resizes != nil {
		go w.followResizes(ctx)
	}

	for {
		message, err := protocol.ReadMessage(connection)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if netutil.IsExpectedCloseError(err) {
				return cli.Transient("host closed the connection")
			}
			return cli.Transient("reading from host: %w", err)
		}
		done, err := w.handle(message)
		if err != nil || done {
			return err
		}
	}
}

// handle processes one host message. done is true when the watch
// should end without error.
func (w *watcher) handle(message protocol.Message) (done bool, err error) {
	var applyErr error
	switch m := message.(type) {
	case *protocol.SubscriptionAck:
		w.logger.Debug("subscribed", "view", m.ViewID, "status", m.Status, "shared_with", m.SharedWith)
		return false, nil
	case *protocol.Snapshot:
		applyErr = w.replica.snapshot(m)
	case *protocol.Delta:
		applyErr = w.replica.delta(m)
	case *protocol.ViewTransition:
		w.logger.Debug("view transition", "reason", m.Reason, "view", m.ViewID)
		applyErr = w.replica.transition(m)
	case *protocol.Error:
		if !m.Recoverable {
			return false, cli.Internal("host error: %w", m)
		}
		if !w.replica.synced() && m.SubscriptionID == w.replica.subscriptionID {
			return false, cli.Validation("subscription rejected: %w", m)
		}
		w.logger.Warn("host rejected request", "code", m.Code.String(), "message", m.Message)
		return false, nil
	case *protocol.Notify:
		switch m.Kind {
		case protocol.NotifySessionEnding:
			w.logger.Info("session ending", "message", m.Message)
			return true, nil
		case protocol.NotifyResyncRequired:
			w.logger.Info("resync required", "message", m.Message)
			w.replica.reset()
			return false, w.send(w.currentSubscribe())
		}
		return false, nil
	default:
		return false, nil
	}

	if applyErr != nil {
		if !errors.Is(applyErr, errGap) {
			return false, cli.Internal("%w", applyErr)
		}
		w.logger.Warn("requesting snapshot", "error", applyErr)
		w.replica.reset()
		return false, w.send(&protocol.RequestSnapshot{SubscriptionID: w.replica.subscriptionID})
	}

	if w.options.once {
		for _, line := range view.Plain(w.replica.grid) {
			if _, err := fmt.Fprintln(w.output, line); err != nil {
				return false, cli.Internal("%w", err)
			}
		}
		return true, nil
	}
	w.draw(w.replica.grid)
	return false, nil
}

// draw repaints the screen from g and places the cursor.
func (w *watcher) draw(g *grid.Grid) {
	var frame bytes.Buffer
	screen := termenv.NewOutput(&frame, termenv.WithProfile(w.options.profile))
	screen.ClearScreen()
	for row, line := range view.ANSI(g, w.options.profile) {
		screen.MoveCursor(row+1, 1)
		frame.WriteString(line)
	}
	screen.MoveCursor(int(g.Cursor.Row)+1, int(g.Cursor.Column)+1)
	w.output.Write(frame.Bytes())
	if g.Cursor.Visible {
		w.screen.ShowCursor()
	} else {
		w.screen.HideCursor()
	}
}

// currentSubscribe returns a Subscribe for the view at its latest size.
func (w *watcher) currentSubscribe() *protocol.Subscribe {
	w.mu.Lock()
	defer w.mu.Unlock()
	subscribe := w.subscribe
	return &subscribe
}

func (w *watcher) send(message protocol.Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := protocol.WriteMessage(w.connection, message, compress.None, 0); err != nil {
		return cli.Transient("sending %s: %w", message.MessageType(), err)
	}
	return nil
}

// forwardInput sends keystrokes to the host until input ends or the
// detach key is read.
func (w *watcher) forwardInput(ctx context.Context, cancel context.CancelFunc) {
	buffer := make([]byte, 4096)
	for ctx.Err() == nil {
		n, err := w.options.input.Read(buffer)
		if n > 0 {
			data := buffer[:n]
			detach := false
			if index := bytes.IndexByte(data, detachKey); index >= 0 {
				data = data[:index]
				detach = true
			}
			if len(data) > 0 {
				if err := w.send(&protocol.Input{Data: bytes.Clone(data)}); err != nil {
					w.logger.Warn("sending input failed", "error", err)
					cancel()
					return
				}
			}
			if detach {
				cancel()
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// followResizes moves the subscription to each new terminal size.
func (w *watcher) followResizes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-w.options.resizes:
			w.mu.Lock()
			w.subscribe.Width = next.width
			w.subscribe.Height = next.height
			current := w.subscribe
			w.mu.Unlock()
			if err := w.send(&protocol.ModifySubscription{
				SubscriptionID: current.SubscriptionID,
				Width:          next.width,
				Height:         next.height,
				Mode:           current.Mode,
				Position:       current.Position,
			}); err != nil {
				w.logger.Warn("resizing view failed", "error", err)
			}
		}
	}
}
