// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import "github.com/charmbracelet/lipgloss"

// Theme defines the browser's colors. All colors use lipgloss ANSI
// 256-color codes for broad terminal compatibility. Frame contents are
// drawn with the session's own styles and are not themed.
type Theme struct {
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	HeaderForeground lipgloss.Color
	BorderColor      lipgloss.Color
	HelpText         lipgloss.Color

	// LiveForeground marks the header while following the head.
	LiveForeground lipgloss.Color
	// ScrollThumb is the scrollbar thumb beside a frame taller than
	// the screen.
	ScrollThumb lipgloss.Color

	ErrorForeground lipgloss.Color
}

// DefaultTheme is the built-in dark-terminal color scheme.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	HeaderForeground: lipgloss.Color("255"),
	BorderColor:      lipgloss.Color("240"),
	HelpText:         lipgloss.Color("241"),

	LiveForeground: lipgloss.Color("114"), // green
	ScrollThumb:    lipgloss.Color("220"), // amber

	ErrorForeground: lipgloss.Color("196"),
}
