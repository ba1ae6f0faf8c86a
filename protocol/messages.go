// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"io"

	"github.com/bureau-foundation/gridcast/grid"
	"github.com/bureau-foundation/gridcast/lib/codec"
	"github.com/bureau-foundation/gridcast/lib/compress"
	"github.com/bureau-foundation/gridcast/view"
)

// MessageType is the first byte of every frame. Viewer-to-host types
// have the high bit clear; host-to-viewer types have it set.
type MessageType uint8

const (
	TypeSubscribe          MessageType = 0x01
	TypeModifySubscription MessageType = 0x02
	TypeUnsubscribe        MessageType = 0x03
	TypeInput              MessageType = 0x04
	TypeResize             MessageType = 0x05
	TypeRequestSnapshot    MessageType = 0x06
	TypePing               MessageType = 0x07

	TypeSnapshot        MessageType = 0x81
	TypeDelta           MessageType = 0x82
	TypeViewTransition  MessageType = 0x83
	TypeError           MessageType = 0x84
	TypeSubscriptionAck MessageType = 0x85
	TypePong            MessageType = 0x86
	TypeNotify          MessageType = 0x87
)

func (t MessageType) String() string {
	switch t {
	case TypeSubscribe:
		return "subscribe"
	case TypeModifySubscription:
		return "modify_subscription"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypeInput:
		return "input"
	case TypeResize:
		return "resize"
	case TypeRequestSnapshot:
		return "request_snapshot"
	case TypePing:
		return "ping"
	case TypeSnapshot:
		return "snapshot"
	case TypeDelta:
		return "delta"
	case TypeViewTransition:
		return "view_transition"
	case TypeError:
		return "error"
	case TypeSubscriptionAck:
		return "subscription_ack"
	case TypePong:
		return "pong"
	case TypeNotify:
		return "notify"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// Message is any protocol message.
type Message interface {
	MessageType() MessageType
}

// Subscribe binds the viewer to a view. The host answers with a
// SubscriptionAck followed by a Snapshot, or with an Error.
type Subscribe struct {
	SubscriptionID string        `cbor:"subscription_id"`
	Width          uint16        `cbor:"width"`
	Height         uint16        `cbor:"height"`
	Mode           view.Mode     `cbor:"mode"`
	Position       view.Position `cbor:"position"`
	Compression    compress.Tag  `cbor:"compression"`
}

// Key returns the normalized view key the request names.
func (m *Subscribe) Key() view.Key {
	return view.Key{Width: m.Width, Height: m.Height, Mode: m.Mode, Position: m.Position}.Normalize()
}

// ModifySubscription moves an existing subscription to another view.
// The host answers with a ViewTransition.
type ModifySubscription struct {
	SubscriptionID string        `cbor:"subscription_id"`
	Width          uint16        `cbor:"width"`
	Height         uint16        `cbor:"height"`
	Mode           view.Mode     `cbor:"mode"`
	Position       view.Position `cbor:"position"`
}

// Key returns the normalized view key the request names.
func (m *ModifySubscription) Key() view.Key {
	return view.Key{Width: m.Width, Height: m.Height, Mode: m.Mode, Position: m.Position}.Normalize()
}

// Unsubscribe ends a subscription. Unsubscribing when not subscribed
// is a no-op.
type Unsubscribe struct {
	SubscriptionID string `cbor:"subscription_id"`
}

// Input carries keystrokes for the host terminal. The bytes are not
// interpreted.
type Input struct {
	Data []byte `cbor:"data"`
}

// Resize asks the host to resize its terminal.
type Resize struct {
	Width  uint16 `cbor:"width"`
	Height uint16 `cbor:"height"`
}

// RequestSnapshot asks for a fresh Snapshot of the current view, for
// a viewer that detected a sequence gap.
type RequestSnapshot struct {
	SubscriptionID string `cbor:"subscription_id"`
}

// Ping is answered with a Pong carrying the same nonce.
type Ping struct {
	Nonce      uint64 `cbor:"nonce"`
	ClientTime int64  `cbor:"client_time"`
}

// Snapshot is the complete state of a view at Sequence.
type Snapshot struct {
	SubscriptionID string     `cbor:"subscription_id"`
	ViewID         string     `cbor:"view_id"`
	Sequence       uint64     `cbor:"sequence"`
	Grid           *grid.Grid `cbor:"grid"`
	// Checksum is view.Checksum of Grid.
	Checksum []byte `cbor:"checksum"`
}

// Delta advances a view from Sequence-1 to Sequence. Change.SourceVersion
// and Change.TargetVersion are view sequence numbers.
type Delta struct {
	SubscriptionID string      `cbor:"subscription_id"`
	Sequence       uint64      `cbor:"sequence"`
	Change         *grid.Delta `cbor:"change"`
}

// TransitionReason explains a ViewTransition.
type TransitionReason string

const (
	ReasonDimensionsChanged TransitionReason = "dimensions_changed"
	ReasonModeChanged       TransitionReason = "mode_changed"
	ReasonPositionChanged   TransitionReason = "position_changed"
	ReasonRefresh           TransitionReason = "refresh"
	ReasonResync            TransitionReason = "resync"
)

// ViewTransition moves a viewer from one view to another. Exactly one
// of Snapshot and Delta is set. A transition Delta takes the old
// view's sequence to the new view's sequence; they are not
// consecutive.
type ViewTransition struct {
	SubscriptionID string           `cbor:"subscription_id"`
	Reason         TransitionReason `cbor:"reason"`
	ViewID         string           `cbor:"view_id"`
	Snapshot       *Snapshot        `cbor:"snapshot,omitempty"`
	Delta          *Delta           `cbor:"delta,omitempty"`
}

// Error reports a failed request. When Recoverable is true the
// connection stays usable.
type Error struct {
	SubscriptionID string    `cbor:"subscription_id,omitempty"`
	Code           ErrorCode `cbor:"code"`
	Message        string    `cbor:"message"`
	Recoverable    bool      `cbor:"recoverable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, uint16(e.Code), e.Message)
}

// SubscriptionStatus tells a viewer whether its view was computed for
// it or is shared with other viewers.
type SubscriptionStatus string

const (
	StatusActive SubscriptionStatus = "active"
	StatusShared SubscriptionStatus = "shared"
)

// SubscriptionAck confirms a Subscribe.
type SubscriptionAck struct {
	SubscriptionID string             `cbor:"subscription_id"`
	ViewID         string             `cbor:"view_id"`
	Status         SubscriptionStatus `cbor:"status"`
	// SharedWith is the number of other viewers on the same view.
	SharedWith int `cbor:"shared_with"`
}

// Pong answers a Ping.
type Pong struct {
	Nonce      uint64 `cbor:"nonce"`
	ClientTime int64  `cbor:"client_time"`
	ServerTime int64  `cbor:"server_time"`
	// Sequence is the current sequence of the viewer's view, zero
	// when unsubscribed.
	Sequence uint64 `cbor:"sequence"`
}

// NotifyKind is the subject of a Notify.
type NotifyKind string

const (
	// NotifyResyncRequired means every view was torn down; the viewer
	// must subscribe again.
	NotifyResyncRequired NotifyKind = "resync_required"
	// NotifySessionEnding precedes the host closing the connection.
	NotifySessionEnding NotifyKind = "session_ending"
)

// Notify is an unsolicited session event.
type Notify struct {
	Kind    NotifyKind `cbor:"kind"`
	Message string     `cbor:"message,omitempty"`
}

func (*Subscribe) MessageType() MessageType          { return TypeSubscribe }
func (*ModifySubscription) MessageType() MessageType { return TypeModifySubscription }
func (*Unsubscribe) MessageType() MessageType        { return TypeUnsubscribe }
func (*Input) MessageType() MessageType              { return TypeInput }
func (*Resize) MessageType() MessageType             { return TypeResize }
func (*RequestSnapshot) MessageType() MessageType    { return TypeRequestSnapshot }
func (*Ping) MessageType() MessageType               { return TypePing }
func (*Snapshot) MessageType() MessageType           { return TypeSnapshot }
func (*Delta) MessageType() MessageType              { return TypeDelta }
func (*ViewTransition) MessageType() MessageType     { return TypeViewTransition }
func (*Error) MessageType() MessageType              { return TypeError }
func (*SubscriptionAck) MessageType() MessageType    { return TypeSubscriptionAck }
func (*Pong) MessageType() MessageType               { return TypePong }
func (*Notify) MessageType() MessageType             { return TypeNotify }

// newMessage returns an empty message of the given type.
func newMessage(messageType MessageType) (Message, error) {
	switch messageType {
	case TypeSubscribe:
		return &Subscribe{}, nil
	case TypeModifySubscription:
		return &ModifySubscription{}, nil
	case TypeUnsubscribe:
		return &Unsubscribe{}, nil
	case TypeInput:
		return &Input{}, nil
	case TypeResize:
		return &Resize{}, nil
	case TypeRequestSnapshot:
		return &RequestSnapshot{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypeSnapshot:
		return &Snapshot{}, nil
	case TypeDelta:
		return &Delta{}, nil
	case TypeViewTransition:
		return &ViewTransition{}, nil
	case TypeError:
		return &Error{}, nil
	case TypeSubscriptionAck:
		return &SubscriptionAck{}, nil
	case TypePong:
		return &Pong{}, nil
	case TypeNotify:
		return &Notify{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrMalformed, uint8(messageType))
	}
}

// Decode decodes the payload of a frame.
func Decode(frame Frame) (Message, error) {
	message, err := newMessage(frame.Type)
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(frame.Payload, message); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, frame.Type, err)
	}
	return message, nil
}

// Encode returns the CBOR payload of message.
func Encode(message Message) ([]byte, error) {
	payload, err := codec.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", message.MessageType(), err)
	}
	return payload, nil
}

// WriteMessage encodes and frames message. See WriteFrame for
// preference and threshold.
func WriteMessage(w io.Writer, message Message, preference compress.Tag, threshold int) error {
	payload, err := Encode(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, message.MessageType(), payload, preference, threshold)
}

// ReadMessage reads and decodes one message.
func ReadMessage(r io.Reader) (Message, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(frame)
}
