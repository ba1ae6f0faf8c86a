// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// RenderScrollbar produces a single-column scrollbar of the given height.
// The thumb indicates the visible region within the total content and
// spans the whole height when everything fits.
func RenderScrollbar(theme Theme, height, totalLines, visibleLines, scrollOffset int) string {
	if height <= 0 {
		return ""
	}

	trackStyle := lipgloss.NewStyle().Foreground(theme.BorderColor)
	thumbStyle := lipgloss.NewStyle().Foreground(theme.ScrollThumb)

	thumbSize := height
	thumbOffset := 0
	if totalLines > visibleLines && totalLines > 0 {
		thumbSize = max(height*visibleLines/totalLines, 1)
		scrollableRange := totalLines - visibleLines
		trackRange := height - thumbSize
		if trackRange > 0 {
			thumbOffset = min(scrollOffset*trackRange/scrollableRange, trackRange)
		}
	}

	lines := make([]string, height)
	for index := range lines {
		if index >= thumbOffset && index < thumbOffset+thumbSize {
			lines[index] = thumbStyle.Render("┃")
		} else {
			lines[index] = trackStyle.Render("│")
		}
	}
	return strings.Join(lines, "\n")
}
