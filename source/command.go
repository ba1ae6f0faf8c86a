// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Command runs a program on a pseudo-terminal sized to a LineSource
// and renders the program's output into it. Writes to Command reach
// the program's terminal input, so a Command can serve as the
// session's input sink.
type Command struct {
	lines    *LineSource
	cmd      *exec.Cmd
	terminal *os.File

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// StartCommand starts name with args on a new pseudo-terminal. The
// program sees TERM=dumb; escape sequences it emits anyway are
// stripped by lines.
func StartCommand(lines *LineSource, name string, args ...string) (*Command, error) {
	current := lines.Grid()
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), "TERM=dumb")
	terminal, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: current.Height, Cols: current.Width})
	if err != nil {
		return nil, fmt.Errorf("starting %s on a pseudo-terminal: %w", name, err)
	}

	c := &Command{
		lines:    lines,
		cmd:      cmd,
		terminal: terminal,
		done:     make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// run copies output until the terminal closes, then reaps the process.
func (c *Command) run() {
	defer close(c.done)

	// Linux reports EIO on the primary side once every holder of the
	// secondary side has exited.
	_, readErr := c.lines.ReadFrom(c.terminal)
	waitErr := c.cmd.Wait()
	c.terminal.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case waitErr != nil:
		c.err = fmt.Errorf("%s: %w", c.cmd.Path, waitErr)
	case readErr != nil && !errors.Is(readErr, syscall.EIO) && !errors.Is(readErr, os.ErrClosed):
		c.err = fmt.Errorf("reading %s output: %w", c.cmd.Path, readErr)
	}
}

// Input writes data to the program's terminal.
func (c *Command) Input(data []byte) error {
	_, err := c.terminal.Write(data)
	return err
}

// Resize changes the terminal size seen by the program and the size
// of the rendered grid.
func (c *Command) Resize(width, height uint16) error {
	if err := pty.Setsize(c.terminal, &pty.Winsize{Rows: height, Cols: width}); err != nil {
		return fmt.Errorf("resizing pseudo-terminal: %w", err)
	}
	return c.lines.Resize(width, height)
}

// Done is closed once the program has exited and its output has been
// rendered.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Err returns the program's failure, or nil if it exited cleanly or
// has not exited.
func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop kills the program and waits for it to be reaped.
func (c *Command) Stop() {
	select {
	case <-c.done:
		return
	default:
	}
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	<-c.done
}
