// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds gridcast's CBOR configuration.
//
// Every wire payload (viewer protocol messages, inspection socket
// requests and responses) and every size measurement the history
// makes goes through the same encoder, so two encodings of the same
// grid are byte-identical. The encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items.
//
// Buffer-oriented:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Stream-oriented:
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Types that only ever travel as CBOR use `cbor` struct tags. Types
// the CLI may also print as JSON use `json` tags, which fxamacker/cbor
// reads as a fallback. A field never carries both.
package codec
