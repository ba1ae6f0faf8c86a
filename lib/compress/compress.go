// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress implements the payload compression used on viewer
// connections. Each frame carries a one-byte Tag naming the
// algorithm so a connection can mix compressed and uncompressed
// frames: small deltas go out raw, snapshots are usually compressed.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the compression algorithm of one frame payload.
// Values are wire constants.
type Tag uint8

const (
	// None is an uncompressed payload.
	None Tag = 0

	// LZ4 is LZ4 block compression. Cheap on the host, the usual
	// choice for viewers on fast links.
	LZ4 Tag = 1

	// Zstd is zstd at the default level. Terminal text compresses
	// several times over, which matters on slow links.
	Zstd Tag = 2

	// Auto is a subscription preference, never a frame tag: the
	// algorithm is chosen per payload by probing.
	Auto Tag = 0xff
)

// String returns the configuration name of a tag.
func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case Auto:
		return "auto"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// Parse parses a tag or preference name. The empty string means None.
func Parse(name string) (Tag, error) {
	switch name {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	case "auto":
		return Auto, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler so tags appear by
// name in configuration and protocol messages.
func (tag Tag) MarshalText() ([]byte, error) {
	return []byte(tag.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (tag *Tag) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*tag = parsed
	return nil
}

// ErrIncompressible is returned by Compress when the output would not
// be smaller than the input. Callers send the payload with None.
var ErrIncompressible = errors.New("data is incompressible")

// Compress compresses data with the given algorithm. None returns data
// unchanged.
func Compress(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case None:
		return data, nil
	case LZ4:
		return compressLZ4(data)
	case Zstd:
		return compressZstd(data)
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", tag)
	}
}

// Decompress reverses Compress. rawSize must equal the original
// length exactly.
func Decompress(compressed []byte, tag Tag, rawSize int) ([]byte, error) {
	switch tag {
	case None:
		if len(compressed) != rawSize {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d",
				len(compressed), rawSize)
		}
		return compressed, nil
	case LZ4:
		return decompressLZ4(compressed, rawSize)
	case Zstd:
		return decompressZstd(compressed, rawSize)
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", tag)
	}
}

// Encode compresses data according to a subscription preference.
// Payloads shorter than threshold are sent raw, Auto probes for the
// best algorithm, and incompressible payloads fall back to None. The
// returned tag is what the frame header must carry.
func Encode(data []byte, preference Tag, threshold int) ([]byte, Tag, error) {
	if preference == None || len(data) < threshold {
		return data, None, nil
	}
	tag := preference
	if tag == Auto {
		tag = Select(data)
		if tag == None {
			return data, None, nil
		}
	}
	compressed, err := Compress(data, tag)
	if err != nil {
		if errors.Is(err, ErrIncompressible) {
			return data, None, nil
		}
		return nil, 0, err
	}
	return compressed, tag, nil
}

// Select probes data with zstd. A ratio of 1.5x or better selects
// zstd, 1.1x or better selects LZ4, anything less is sent raw.
func Select(data []byte) Tag {
	if len(data) == 0 {
		return None
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return Zstd
	case ratio >= 1.1:
		return LZ4
	default:
		return None
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, ErrIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, rawSize int) ([]byte, error) {
	destination := make([]byte, rawSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != rawSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, rawSize)
	}
	return destination, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, ErrIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, rawSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != rawSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), rawSize)
	}
	return result, nil
}
