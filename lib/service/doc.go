// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the CBOR request/response socket used for
// out-of-band control of a running session.
//
// Each connection carries exactly one request and one response. The
// request is a CBOR map with an "action" field plus action-specific
// fields; the response is a [Response] envelope. [SocketServer] routes
// requests to registered [ActionFunc] handlers and [ServiceClient]
// issues calls from the CLI.
//
// The socket file is created with mode 0600. Anyone who can connect is
// trusted with every registered action, including destructive ones, so
// access control is the filesystem's job.
package service
