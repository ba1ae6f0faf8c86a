// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bureau-foundation/gridcast/history"
	"github.com/bureau-foundation/gridcast/session"
)

// fakeSource serves versions base..head, each a one-line frame naming
// its version.
type fakeSource struct {
	mu       sync.Mutex
	base     uint64
	head     uint64
	requests []session.GridViewRequest
	err      error
}

func (s *fakeSource) Stats(ctx context.Context) (*session.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &session.Stats{
		History: history.Stats{BaseVersion: s.base, HeadVersion: s.head},
		Clients: 2,
	}, nil
}

func (s *fakeSource) View(ctx context.Context, request session.GridViewRequest) (*session.GridViewResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, request)
	if s.err != nil {
		return nil, s.err
	}
	return &session.GridViewResponse{
		Key:           fmt.Sprintf("20x3 historical@v%d", request.Version),
		Width:         20,
		Height:        3,
		SourceVersion: request.Version,
		Lines:         []string{fmt.Sprintf("frame %d", request.Version), "", ""},
		Checksum:      "00112233445566778899",
	}, nil
}

func (s *fakeSource) lastRequest() session.GridViewRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

// settle runs cmd and every command its messages produce until none
// remain. Quit ends the run.
func settle(t *testing.T, model Model, cmd tea.Cmd) (Model, bool) {
	t.Helper()
	pending := []tea.Cmd{cmd}
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]
		if next == nil {
			continue
		}
		message := next()
		switch message := message.(type) {
		case nil:
			continue
		case tea.BatchMsg:
			pending = append(pending, message...)
			continue
		case tea.QuitMsg:
			return model, true
		}
		updated, followup := model.Update(message)
		model = updated.(Model)
		pending = append(pending, followup)
	}
	return model, false
}

func press(t *testing.T, model Model, message tea.KeyMsg) (Model, bool) {
	t.Helper()
	updated, cmd := model.Update(message)
	return settle(t, updated.(Model), cmd)
}

func runes(text string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)}
}

func started(t *testing.T, source *fakeSource, options Options) Model {
	t.Helper()
	model := NewModel(source, options)
	updated, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 16})
	model, _ = settle(t, updated.(Model), model.Init())
	return model
}

func TestBrowserStartsLive(t *testing.T) {
	source := &fakeSource{base: 3, head: 9}
	model := started(t, source, Options{})

	if !model.Live() || model.Version() != 9 {
		t.Fatalf("live %v version %d, want live at 9", model.Live(), model.Version())
	}
	if model.Frame() == nil || model.Frame().Lines[0] != "frame 9" {
		t.Fatalf("frame %+v", model.Frame())
	}
	request := source.lastRequest()
	if request.Mode != "historical" || request.ANSI {
		t.Errorf("request %+v, want plain historical", request)
	}

	rendered := model.View()
	for _, want := range []string{"version 9 of 3-9", "LIVE", "frame 9", "2 viewers"} {
		if !strings.Contains(rendered, want) {
			t.Errorf("view missing %q:\n%s", want, rendered)
		}
	}
}

func TestBrowserStepsAndClamps(t *testing.T) {
	source := &fakeSource{base: 3, head: 9}
	model := started(t, source, Options{})

	model, _ = press(t, model, tea.KeyMsg{Type: tea.KeyLeft})
	if model.Live() || model.Version() != 8 || model.Frame().Lines[0] != "frame 8" {
		t.Fatalf("after left: live %v version %d frame %q", model.Live(), model.Version(), model.Frame().Lines[0])
	}

	model, _ = press(t, model, runes("H"))
	if model.Version() != 3 {
		t.Errorf("paging back from 8 landed on %d, want the base 3", model.Version())
	}
	model, _ = press(t, model, runes("h"))
	if model.Version() != 3 {
		t.Errorf("stepping before the base moved to %d", model.Version())
	}

	model, _ = press(t, model, tea.KeyMsg{Type: tea.KeyPgDown})
	if model.Version() != 9 || model.Live() {
		t.Errorf("paging forward: version %d live %v, want 9 and not live", model.Version(), model.Live())
	}

	model, _ = press(t, model, runes("g"))
	if model.Version() != 3 {
		t.Errorf("oldest is %d, want 3", model.Version())
	}
	if !strings.Contains(model.View(), "version 3 of 3-9") || strings.Contains(model.View(), "LIVE") {
		t.Errorf("header after g:\n%s", model.View())
	}
}

func TestBrowserFollowsHead(t *testing.T) {
	source := &fakeSource{base: 0, head: 4}
	model := started(t, source, Options{})
	model, _ = press(t, model, runes("h"))

	source.mu.Lock()
	source.head = 6
	source.mu.Unlock()

	// A refresh keeps a stepped-away selection in place.
	model, _ = press(t, model, runes("r"))
	if model.Version() != 3 {
		t.Errorf("refresh moved the selection to %d", model.Version())
	}

	model, _ = press(t, model, runes("G"))
	if !model.Live() || model.Version() != 6 || model.Frame().Lines[0] != "frame 6" {
		t.Errorf("after G: live %v version %d", model.Live(), model.Version())
	}
}

func TestBrowserDropsStaleFrames(t *testing.T) {
	source := &fakeSource{base: 0, head: 5}
	model := started(t, source, Options{})

	updated, _ := model.Update(frameMsg{version: 2, frame: &session.GridViewResponse{Lines: []string{"stale"}}})
	model = updated.(Model)
	if model.Frame().Lines[0] != "frame 5" {
		t.Errorf("stale frame replaced the current one: %q", model.Frame().Lines)
	}
}

func TestBrowserShowsErrors(t *testing.T) {
	source := &fakeSource{base: 0, head: 5}
	model := started(t, source, Options{})

	source.mu.Lock()
	source.err = errors.New("version 4 was pruned")
	source.mu.Unlock()
	model, _ = press(t, model, runes("h"))
	if model.Err() == nil || !strings.Contains(model.View(), "error: version 4 was pruned") {
		t.Fatalf("error not shown:\n%s", model.View())
	}
	// The last good frame stays on screen.
	if model.Frame().Lines[0] != "frame 5" {
		t.Errorf("frame %q", model.Frame().Lines)
	}

	source.mu.Lock()
	source.err = nil
	source.mu.Unlock()
	model, _ = press(t, model, runes("r"))
	if model.Err() != nil || model.Frame().Lines[0] != "frame 4" {
		t.Errorf("after recovery: err %v frame %q", model.Err(), model.Frame().Lines)
	}
}

func TestBrowserRequestsColor(t *testing.T) {
	source := &fakeSource{base: 0, head: 1}
	started(t, source, Options{Profile: "ansi256"})
	request := source.lastRequest()
	if !request.ANSI || request.Profile != "ansi256" {
		t.Errorf("request %+v, want ANSI for ansi256", request)
	}
}

func TestBrowserQuitAndHelp(t *testing.T) {
	model := started(t, &fakeSource{head: 1}, Options{})

	short := model.View()
	model, _ = press(t, model, runes("?"))
	if !strings.Contains(model.View(), "scroll down") || strings.Contains(short, "scroll down") {
		t.Errorf("full help not toggled:\n%s", model.View())
	}

	if _, quit := press(t, model, runes("q")); !quit {
		t.Error("q did not quit")
	}
}

func TestRenderScrollbar(t *testing.T) {
	full := strings.Split(RenderScrollbar(DefaultTheme, 4, 3, 4, 0), "\n")
	if len(full) != 4 {
		t.Fatalf("%d rows, want 4", len(full))
	}
	for _, row := range full {
		if !strings.Contains(row, "┃") {
			t.Errorf("content that fits should fill the track: %q", full)
		}
	}

	partial := strings.Split(RenderScrollbar(DefaultTheme, 4, 8, 4, 4), "\n")
	if strings.Contains(partial[0], "┃") || !strings.Contains(partial[3], "┃") {
		t.Errorf("scrolled to the bottom: %q", partial)
	}
	if RenderScrollbar(DefaultTheme, 0, 1, 1, 0) != "" {
		t.Error("zero height should render nothing")
	}
}
