// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformed wraps every decoding failure of a frame or message.
var ErrMalformed = errors.New("malformed message")

// ErrorCode classifies an Error message. Codes in the 1xxx range are
// request errors, 2xxx are view errors, 5xxx are session errors.
type ErrorCode uint16

const (
	CodeInvalidMessage      ErrorCode = 1001
	CodeUnknownSubscription ErrorCode = 1002
	CodeVersionMismatch     ErrorCode = 1003
	CodeUnknownClient       ErrorCode = 1004
	CodeAlreadySubscribed   ErrorCode = 1005
	CodeInvalidDimensions   ErrorCode = 2002
	CodeHistoryUnavailable  ErrorCode = 2003
	CodeInternal            ErrorCode = 5001
	CodeSessionEnding       ErrorCode = 5002
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidMessage:
		return "invalid_message"
	case CodeUnknownSubscription:
		return "unknown_subscription"
	case CodeVersionMismatch:
		return "version_mismatch"
	case CodeUnknownClient:
		return "unknown_client"
	case CodeAlreadySubscribed:
		return "already_subscribed"
	case CodeInvalidDimensions:
		return "invalid_dimensions"
	case CodeHistoryUnavailable:
		return "history_unavailable"
	case CodeInternal:
		return "internal"
	case CodeSessionEnding:
		return "session_ending"
	default:
		return fmt.Sprintf("code(%d)", uint16(c))
	}
}
