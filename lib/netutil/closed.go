// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies connection errors for the viewer and the
// transports.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err only says that the other
// end of a viewer connection went away. Such errors end a read loop
// quietly instead of being logged as failures.
//
// A host that closes the socket outright, rather than half-closing it,
// shows up on the viewer as EPIPE or ECONNRESET, not EOF. In-process
// pipes report io.ErrClosedPipe.
func IsExpectedCloseError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return true
	}
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}
