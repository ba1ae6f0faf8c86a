// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/gridcast/session"
	"github.com/bureau-foundation/gridcast/view"
)

const (
	// pageStep is how many versions PageBackward and PageForward move.
	pageStep = 10

	// requestTimeout bounds each query to the Source.
	requestTimeout = 10 * time.Second

	// chromeHeight is the header, the frame border and the status
	// line. Help is measured separately.
	chromeHeight = 4
)

// Source answers the browser's queries against a session.
type Source interface {
	Stats(ctx context.Context) (*session.Stats, error)
	View(ctx context.Context, request session.GridViewRequest) (*session.GridViewResponse, error)
}

// Options configures a Model.
type Options struct {
	// Theme defaults to DefaultTheme.
	Theme *Theme

	// Profile names the color profile frames are rendered for, as
	// session.GridViewRequest.Profile. Empty requests plain text.
	Profile string

	// Refresh is how often statistics are re-read so the live head and
	// the oldest version stay current. Zero refreshes only on demand.
	Refresh time.Duration
}

// statsMsg delivers a Stats result.
type statsMsg struct {
	stats *session.Stats
	err   error
}

// frameMsg delivers the frame for one version. Frames for a version
// other than the selected one are stale and dropped.
type frameMsg struct {
	version uint64
	frame   *session.GridViewResponse
	err     error
}

// refreshTickMsg schedules a statistics refresh.
type refreshTickMsg struct{}

// Model is the bubbletea model for the history browser.
type Model struct {
	source  Source
	theme   Theme
	keys    KeyMap
	help    help.Model
	profile string
	refresh time.Duration

	viewport viewport.Model
	width    int
	height   int

	stats   *session.Stats
	version uint64
	live    bool
	frame   *session.GridViewResponse
	err     error
}

// NewModel returns a browser over source that starts by following
// the live head.
func NewModel(source Source, options Options) Model {
	theme := DefaultTheme
	if options.Theme != nil {
		theme = *options.Theme
	}
	helpModel := help.New()
	helpModel.Styles.ShortKey = lipgloss.NewStyle().Foreground(theme.NormalText)
	helpModel.Styles.ShortDesc = lipgloss.NewStyle().Foreground(theme.HelpText)
	helpModel.Styles.FullKey = helpModel.Styles.ShortKey
	helpModel.Styles.FullDesc = helpModel.Styles.ShortDesc
	return Model{
		source:   source,
		theme:    theme,
		keys:     DefaultKeyMap,
		help:     helpModel,
		profile:  options.Profile,
		refresh:  options.Refresh,
		viewport: viewport.New(0, 0),
		live:     true,
	}
}

// Version returns the selected version.
func (model Model) Version() uint64 { return model.version }

// Live reports whether the browser is following the head.
func (model Model) Live() bool { return model.live }

// Frame returns the frame on screen, or nil before the first arrives.
func (model Model) Frame() *session.GridViewResponse { return model.frame }

// Err returns the most recent query error, cleared by the next
// successful query.
func (model Model) Err() error { return model.err }

// Init implements tea.Model.
func (model Model) Init() tea.Cmd {
	return tea.Batch(model.fetchStats(), model.scheduleRefresh())
}

// Update implements tea.Model.
func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		model.width = message.Width
		model.height = message.Height
		model.help.Width = message.Width
		model.layout()
		return model, nil

	case tea.KeyMsg:
		return model.handleKey(message)

	case statsMsg:
		if message.err != nil {
			model.err = message.err
			return model, nil
		}
		model.err = nil
		model.stats = message.stats
		history := message.stats.History
		target := model.version
		if model.live || model.frame == nil {
			target = history.HeadVersion
		}
		target = max(target, history.BaseVersion)
		target = min(target, history.HeadVersion)
		if model.frame != nil && target == model.version && model.frame.SourceVersion == target {
			return model, nil
		}
		model.version = target
		return model, model.fetchFrame(target)

	case frameMsg:
		if message.version != model.version {
			return model, nil
		}
		if message.err != nil {
			model.err = message.err
			return model, nil
		}
		model.err = nil
		model.frame = message.frame
		model.setContent()
		return model, nil

	case refreshTickMsg:
		return model, tea.Batch(model.fetchStats(), model.scheduleRefresh())
	}
	return model, nil
}

func (model Model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(message, model.keys.Quit):
		return model, tea.Quit
	case key.Matches(message, model.keys.Previous):
		return model.step(-1)
	case key.Matches(message, model.keys.Next):
		return model.step(1)
	case key.Matches(message, model.keys.PageBackward):
		return model.step(-pageStep)
	case key.Matches(message, model.keys.PageForward):
		return model.step(pageStep)
	case key.Matches(message, model.keys.First):
		if model.stats == nil {
			return model, nil
		}
		return model.selectVersion(model.stats.History.BaseVersion)
	case key.Matches(message, model.keys.Live):
		model.live = true
		return model, model.fetchStats()
	case key.Matches(message, model.keys.Up):
		model.viewport.LineUp(1)
	case key.Matches(message, model.keys.Down):
		model.viewport.LineDown(1)
	case key.Matches(message, model.keys.Refresh):
		return model, model.fetchStats()
	case key.Matches(message, model.keys.Help):
		model.help.ShowAll = !model.help.ShowAll
		model.layout()
	}
	return model, nil
}

// step moves delta versions from the selection, clamped to history.
// Any explicit move stops following the head.
func (model Model) step(delta int) (tea.Model, tea.Cmd) {
	if model.stats == nil {
		return model, nil
	}
	history := model.stats.History
	target := int64(model.version) + int64(delta)
	target = max(target, int64(history.BaseVersion))
	target = min(target, int64(history.HeadVersion))
	return model.selectVersion(uint64(target))
}

func (model Model) selectVersion(version uint64) (tea.Model, tea.Cmd) {
	model.live = false
	if version == model.version && model.frame != nil {
		return model, nil
	}
	model.version = version
	return model, model.fetchFrame(version)
}

func (model Model) fetchStats() tea.Cmd {
	source := model.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		stats, err := source.Stats(ctx)
		return statsMsg{stats: stats, err: err}
	}
}

func (model Model) fetchFrame(version uint64) tea.Cmd {
	source := model.source
	request := session.GridViewRequest{
		Mode:    view.Historical.String(),
		Version: version,
		ANSI:    model.profile != "",
		Profile: model.profile,
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		frame, err := source.View(ctx, request)
		return frameMsg{version: version, frame: frame, err: err}
	}
}

func (model Model) scheduleRefresh() tea.Cmd {
	if model.refresh <= 0 {
		return nil
	}
	return tea.Tick(model.refresh, func(time.Time) tea.Msg { return refreshTickMsg{} })
}

// layout sizes the viewport to the space the chrome leaves.
func (model *Model) layout() {
	helpHeight := lipgloss.Height(model.help.View(model.keys))
	model.viewport.Width = max(model.width-3, 0)
	model.viewport.Height = max(model.height-chromeHeight-helpHeight, 0)
	model.setContent()
}

func (model *Model) setContent() {
	if model.frame == nil {
		return
	}
	rows := model.frame.Lines
	if len(model.frame.ANSI) == len(rows) {
		rows = model.frame.ANSI
	}
	model.viewport.SetContent(strings.Join(rows, "\n"))
}

// View implements tea.Model.
func (model Model) View() string {
	if model.width == 0 {
		return ""
	}
	var sections []string
	sections = append(sections, model.renderHeader())

	body := model.viewport.View()
	if model.frame == nil {
		body = lipgloss.NewStyle().Foreground(model.theme.FaintText).Render("loading...")
	}
	scrollbar := RenderScrollbar(model.theme, model.viewport.Height,
		model.viewport.TotalLineCount(), model.viewport.Height, model.viewport.YOffset)
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(model.theme.BorderColor).
		Width(model.viewport.Width).
		Height(model.viewport.Height).
		Render(body)
	sections = append(sections, lipgloss.JoinHorizontal(lipgloss.Top, box, "\n"+scrollbar))

	sections = append(sections, model.renderStatus())
	sections = append(sections, model.help.View(model.keys))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model Model) renderHeader() string {
	style := lipgloss.NewStyle().Bold(true).Foreground(model.theme.HeaderForeground)
	if model.stats == nil {
		return style.Render("gridcast")
	}
	history := model.stats.History
	header := fmt.Sprintf("version %d of %d-%d", model.version, history.BaseVersion, history.HeadVersion)
	if model.live {
		live := lipgloss.NewStyle().Bold(true).Foreground(model.theme.LiveForeground).Render(" LIVE")
		return style.Render(header) + live
	}
	return style.Render(header)
}

func (model Model) renderStatus() string {
	if model.err != nil {
		return lipgloss.NewStyle().Foreground(model.theme.ErrorForeground).Render("error: " + model.err.Error())
	}
	if model.frame == nil || model.stats == nil {
		return ""
	}
	status := fmt.Sprintf("%dx%d  line %d  %d viewers  checksum %.12s",
		model.frame.Width, model.frame.Height, model.frame.StartLine,
		model.stats.Clients, model.frame.Checksum)
	return lipgloss.NewStyle().Foreground(model.theme.FaintText).Render(status)
}
