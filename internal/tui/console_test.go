package tui

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/agentrouter/internal/conversation"
)

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func keyNamed(name string) tea.KeyMsg {
	switch name {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "backspace":
		return tea.KeyMsg{Type: tea.KeyBackspace}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	default:
		return tea.KeyMsg{}
	}
}

func TestTypingUpdatesInput(t *testing.T) {
	m := newConsoleModel(context.Background(), ConsoleConfig{})

	updated, _ := m.Update(keyRunes("hello"))
	m = updated.(consoleModel)
	if string(m.input) != "hello" {
		t.Fatalf("input = %q, want hello", string(m.input))
	}
	if m.cursor != 5 {
		t.Fatalf("cursor = %d, want 5", m.cursor)
	}

	updated, _ = m.Update(keyNamed("backspace"))
	m = updated.(consoleModel)
	if string(m.input) != "hell" {
		t.Fatalf("input = %q, want hell", string(m.input))
	}
}

func TestControlRunesFiltered(t *testing.T) {
	m := newConsoleModel(context.Background(), ConsoleConfig{})

	updated, _ := m.Update(keyRunes("a\rb\nc"))
	m = updated.(consoleModel)
	if string(m.input) != "abc" {
		t.Fatalf("input = %q, want abc", string(m.input))
	}
}

func TestHelpCommand(t *testing.T) {
	m := newConsoleModel(context.Background(), ConsoleConfig{})

	updated, _ := m.Update(keyRunes("/help"))
	m = updated.(consoleModel)
	updated, _ = m.Update(keyNamed("enter"))
	m = updated.(consoleModel)

	last := m.history[len(m.history)-1]
	if last.role != chatRoleSystem {
		t.Fatalf("role = %q, want system", last.role)
	}
	if !strings.Contains(last.text, "/agents") {
		t.Fatalf("help text missing commands: %q", last.text)
	}
	if len(m.input) != 0 {
		t.Fatal("input not cleared after enter")
	}
}

func TestModelCommand(t *testing.T) {
	t.Setenv("AGENTROUTER_HOME", t.TempDir())
	m := newConsoleModel(context.Background(), ConsoleConfig{})

	updated, _ := m.Update(keyRunes("/model google gemini-2.5-pro"))
	m = updated.(consoleModel)
	updated, _ = m.Update(keyNamed("enter"))
	m = updated.(consoleModel)

	last := m.history[len(m.history)-1]
	if !strings.Contains(last.text, "gemini-2.5-pro") {
		t.Fatalf("reply = %q", last.text)
	}

	updated, _ = m.Update(keyRunes("/model google"))
	m = updated.(consoleModel)
	updated, _ = m.Update(keyNamed("enter"))
	m = updated.(consoleModel)
	if !strings.Contains(m.history[len(m.history)-1].text, "Usage:") {
		t.Fatalf("reply = %q", m.history[len(m.history)-1].text)
	}
}

func TestInputHistoryNavigation(t *testing.T) {
	m := newConsoleModel(context.Background(), ConsoleConfig{})
	m.inputHistory = []string{"first", "second"}
	m.histIdx = 2

	updated, _ := m.Update(keyNamed("up"))
	m = updated.(consoleModel)
	if string(m.input) != "second" {
		t.Fatalf("input = %q, want second", string(m.input))
	}
	updated, _ = m.Update(keyNamed("up"))
	m = updated.(consoleModel)
	if string(m.input) != "first" {
		t.Fatalf("input = %q, want first", string(m.input))
	}
	updated, _ = m.Update(keyNamed("down"))
	m = updated.(consoleModel)
	if string(m.input) != "second" {
		t.Fatalf("input = %q, want second", string(m.input))
	}
}

func TestRenderResultRouting(t *testing.T) {
	res := conversation.TurnResult{
		Type:          conversation.ResultRouting,
		Message:       "Great! Routing to wave-scheduler",
		RoutingTarget: "wave-scheduler",
		Payload: &conversation.RoutingPayload{
			Agent:      "campaign",
			Subagent:   "wave-scheduler",
			ClientName: "Acme",
			WaveNumber: "2",
		},
	}
	got := renderResult(res)
	if !strings.Contains(got, "agent=campaign") || !strings.Contains(got, "wave=2") {
		t.Fatalf("rendered = %q", got)
	}
}

func TestRenderResultSuggestions(t *testing.T) {
	res := conversation.TurnResult{
		Type:            conversation.ResultClarification,
		Message:         "Which one?",
		SuggestedAgents: []string{"campaign", "reporting"},
	}
	got := renderResult(res)
	if !strings.Contains(got, "campaign, reporting") {
		t.Fatalf("rendered = %q", got)
	}
}

func TestDeleteWordLeft(t *testing.T) {
	in, cursor := deleteWordLeft([]rune("schedule a wave"), 15)
	if string(in) != "schedule a " || cursor != 11 {
		t.Fatalf("got %q cursor %d", string(in), cursor)
	}
	in, cursor = deleteWordLeft([]rune("one two  "), 9)
	if string(in) != "one " || cursor != 4 {
		t.Fatalf("got %q cursor %d", string(in), cursor)
	}
}

func TestHumanError(t *testing.T) {
	err := &wrapErr{"resolve agent: lookup failed: connection refused"}
	if got := humanError(err); got != "Connection refused" {
		t.Fatalf("humanError = %q", got)
	}
}

type wrapErr struct{ msg string }

func (e *wrapErr) Error() string { return e.msg }
