// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the browser's key bindings.
type KeyMap struct {
	// History navigation.
	Previous     key.Binding
	Next         key.Binding
	PageBackward key.Binding
	PageForward  key.Binding
	First        key.Binding
	Live         key.Binding

	// Scrolling within a frame taller than the screen.
	Up   key.Binding
	Down key.Binding

	Refresh key.Binding
	Help    key.Binding
	Quit    key.Binding
}

// DefaultKeyMap is the built-in key binding set: vim-style keys
// alongside the arrows.
var DefaultKeyMap = KeyMap{
	Previous: key.NewBinding(
		key.WithKeys("h", "left"),
		key.WithHelp("h/←", "older"),
	),
	Next: key.NewBinding(
		key.WithKeys("l", "right"),
		key.WithHelp("l/→", "newer"),
	),
	PageBackward: key.NewBinding(
		key.WithKeys("H", "pgup"),
		key.WithHelp("H", "back 10"),
	),
	PageForward: key.NewBinding(
		key.WithKeys("L", "pgdown"),
		key.WithHelp("L", "forward 10"),
	),
	First: key.NewBinding(
		key.WithKeys("g", "home"),
		key.WithHelp("g", "oldest"),
	),
	Live: key.NewBinding(
		key.WithKeys("G", "end"),
		key.WithHelp("G", "follow live"),
	),
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("k/↑", "scroll up"),
	),
	Down: key.NewBinding(
		key.WithKeys("j", "down"),
		key.WithHelp("j/↓", "scroll down"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "more keys"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// ShortHelp implements help.KeyMap.
func (keys KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{keys.Previous, keys.Next, keys.Live, keys.Help, keys.Quit}
}

// FullHelp implements help.KeyMap.
func (keys KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{keys.Previous, keys.Next, keys.PageBackward, keys.PageForward},
		{keys.First, keys.Live, keys.Up, keys.Down},
		{keys.Refresh, keys.Help, keys.Quit},
	}
}
