// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the messages exchanged between a session
// host and its viewers, and their framing on a byte stream.
//
// Every message is one frame:
//
//	[1 byte type] [1 byte compression] [4 bytes payload length] [4 bytes raw length] [payload]
//
// Lengths are big-endian. The payload is the CBOR encoding of the
// message struct, compressed with the algorithm named by the
// compression byte (see lib/compress). The raw length is the size of
// the CBOR encoding before compression and equals the payload length
// for uncompressed frames.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bureau-foundation/gridcast/lib/compress"
)

// HeaderLength is the fixed size of a frame header.
const HeaderLength = 10

// MaxPayloadLength bounds both the compressed and the raw payload. A
// full snapshot of a 500x200 styled grid is well under 4 MB.
const MaxPayloadLength = 16 * 1024 * 1024

// Frame is one undecoded message. Payload is always the raw
// (decompressed) CBOR.
type Frame struct {
	Type        MessageType
	Compression compress.Tag
	Payload     []byte
}

// WriteFrame compresses payload according to preference and writes
// one frame. Payloads shorter than threshold are sent uncompressed.
func WriteFrame(w io.Writer, messageType MessageType, payload []byte, preference compress.Tag, threshold int) error {
	if len(payload) > MaxPayloadLength {
		return fmt.Errorf("payload length %d exceeds maximum %d", len(payload), MaxPayloadLength)
	}
	body, tag, err := compress.Encode(payload, preference, threshold)
	if err != nil {
		return fmt.Errorf("compressing %s payload: %w", messageType, err)
	}

	// One write per frame keeps frames intact on transports that map
	// writes to datagrams.
	frame := make([]byte, HeaderLength+len(body))
	frame[0] = byte(messageType)
	frame[1] = byte(tag)
	binary.BigEndian.PutUint32(frame[2:6], uint32(len(body)))
	binary.BigEndian.PutUint32(frame[6:10], uint32(len(payload)))
	copy(frame[HeaderLength:], body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", messageType, err)
	}
	return nil
}

// ReadFrame reads and decompresses one frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	messageType := MessageType(header[0])
	tag := compress.Tag(header[1])
	payloadLength := binary.BigEndian.Uint32(header[2:6])
	rawLength := binary.BigEndian.Uint32(header[6:10])
	if payloadLength > MaxPayloadLength || rawLength > MaxPayloadLength {
		return Frame{}, fmt.Errorf("frame length %d (raw %d) exceeds maximum %d",
			payloadLength, rawLength, MaxPayloadLength)
	}

	body := make([]byte, payloadLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame payload: %w", err)
	}
	payload, err := compress.Decompress(body, tag, int(rawLength))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %s frame: %v", ErrMalformed, messageType, err)
	}
	return Frame{Type: messageType, Compression: tag, Payload: payload}, nil
}
