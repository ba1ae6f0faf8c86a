// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package grid

import "fmt"

// ColorKind distinguishes the terminal colour models.
type ColorKind uint8

const (
	// ColorDefault is the terminal's default foreground or background.
	ColorDefault ColorKind = iota
	// ColorIndexed is one of the 256 palette entries.
	ColorIndexed
	// ColorRGB is a 24-bit colour packed as 0xRRGGBB.
	ColorRGB
)

// Color is a cell colour. The zero value is the default colour.
type Color struct {
	_ struct{} `cbor:",toarray"`

	Kind  ColorKind
	Value uint32
}

// Indexed returns a palette colour.
func Indexed(index uint8) Color {
	return Color{Kind: ColorIndexed, Value: uint32(index)}
}

// RGB returns a 24-bit colour.
func RGB(red, green, blue uint8) Color {
	return Color{Kind: ColorRGB, Value: uint32(red)<<16 | uint32(green)<<8 | uint32(blue)}
}

// Hex formats an RGB colour as "#rrggbb". Other kinds return "".
func (c Color) Hex() string {
	if c.Kind != ColorRGB {
		return ""
	}
	return fmt.Sprintf("#%06x", c.Value&0xffffff)
}

// Attributes is a bitmask of text rendition flags.
type Attributes uint16

const (
	Bold Attributes = 1 << iota
	Italic
	Underline
	Strikethrough
	Reverse
	Blink
	Dim
	Hidden
)

// Has reports whether every flag in mask is set.
func (a Attributes) Has(mask Attributes) bool {
	return a&mask == mask
}

// Cell is one character position. Cells encode as CBOR arrays since a
// snapshot carries thousands of them.
type Cell struct {
	_ struct{} `cbor:",toarray"`

	Char       rune
	Foreground Color
	Background Color
	Attributes Attributes
}

// Blank is an empty cell in default colours.
var Blank = Cell{Char: ' '}

// IsBlank reports whether the cell renders as empty space in default
// colours.
func (c Cell) IsBlank() bool {
	return (c.Char == ' ' || c.Char == 0) &&
		c.Foreground == Color{} && c.Background == Color{} && c.Attributes == 0
}

// SameStyle reports whether two cells render with identical colours
// and attributes.
func (c Cell) SameStyle(other Cell) bool {
	return c.Foreground == other.Foreground && c.Background == other.Background &&
		c.Attributes == other.Attributes
}

// CursorShape is the rendered shape of the cursor.
type CursorShape uint8

const (
	CursorBlock CursorShape = iota
	CursorUnderline
	CursorBar
)

// Cursor is the cursor position within a grid.
type Cursor struct {
	Row     uint16      `cbor:"row"`
	Column  uint16      `cbor:"column"`
	Visible bool        `cbor:"visible"`
	Shape   CursorShape `cbor:"shape,omitempty"`
}
