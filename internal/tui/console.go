// Package tui is the interactive console: a chat loop over the in-process
// router so a conversation can be exercised without the HTTP gateway.
package tui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/basket/agentrouter/internal/catalog"
	"github.com/basket/agentrouter/internal/config"
	"github.com/basket/agentrouter/internal/conversation"
)

type chatRole string

const (
	chatRoleUser      chatRole = "user"
	chatRoleAssistant chatRole = "assistant"
	chatRoleSystem    chatRole = "system"
)

type chatEntry struct {
	role chatRole
	text string
}

type turnReplyMsg struct {
	result conversation.TurnResult
	err    error
}

type ctxDoneMsg struct{}

type spinnerTickMsg struct{}

var (
	styleSystem  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	styleUser    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleRouting = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
)

// ConsoleConfig holds the dependencies for the interactive console.
type ConsoleConfig struct {
	Router  *conversation.Router
	Catalog *catalog.Store
	Model   string
}

type consoleModel struct {
	ctx context.Context
	cc  ConsoleConfig

	sessionID string

	width  int
	height int

	history    []chatEntry
	thinking   bool
	spinnerIdx int

	input  []rune
	cursor int // rune index within input

	// Input history navigation (Up/Down).
	inputHistory []string
	histIdx      int
	histSaved    string
}

func newConsoleModel(ctx context.Context, cc ConsoleConfig) consoleModel {
	m := consoleModel{
		ctx:       ctx,
		cc:        cc,
		sessionID: uuid.NewString(),
	}
	m.history = append(m.history, chatEntry{
		role: chatRoleSystem,
		text: "agentrouter is online. Describe what you need, or type /help for commands.",
	})
	return m
}

// Run starts the console and blocks until it exits.
func Run(ctx context.Context, cc ConsoleConfig, cancel context.CancelFunc) error {
	defer bestEffortResetTTY()

	m := newConsoleModel(ctx, cc)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if cancel != nil {
		cancel()
	}
	if err != nil && ctx.Err() != nil {
		// Renderer errors during shutdown are uninteresting.
		return nil
	}
	return err
}

func (m consoleModel) Init() tea.Cmd {
	return waitCtxDone(m.ctx)
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		return m.handleKey(msg)

	case turnReplyMsg:
		m.thinking = false
		if msg.err != nil {
			if m.ctx.Err() != nil {
				return m, tea.Quit
			}
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Error: " + humanError(msg.err)})
			return m, nil
		}
		m.history = append(m.history, chatEntry{role: chatRoleAssistant, text: renderResult(msg.result)})
		if msg.result.Type == conversation.ResultRouting {
			// The session is consumed on handoff; continue with a fresh one.
			m.sessionID = uuid.NewString()
		}
		return m, nil

	case spinnerTickMsg:
		if m.thinking {
			m.spinnerIdx++
			return m, waitForSpinner()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	}

	return m, nil
}

func (m consoleModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit

	case "enter", "ctrl+m", "ctrl+j":
		if m.thinking {
			return m, nil
		}
		line := strings.TrimSpace(string(m.input))
		m.input = nil
		m.cursor = 0
		m.histIdx = len(m.inputHistory)
		m.histSaved = ""
		if line == "" {
			return m, nil
		}
		m.inputHistory = append(m.inputHistory, line)
		m.histIdx = len(m.inputHistory)

		if strings.HasPrefix(line, "/") {
			return m.handleCommand(line)
		}

		m.history = append(m.history, chatEntry{role: chatRoleUser, text: line})
		m.thinking = true
		return m, tea.Batch(m.turnCmd(line), waitForSpinner())

	case "up", "ctrl+p":
		return m.historyPrev(), nil
	case "down", "ctrl+n":
		return m.historyNext(), nil

	case "backspace":
		m.input, m.cursor = deleteRuneLeft(m.input, m.cursor)
		return m, nil
	case "delete":
		m.input, m.cursor = deleteRuneRight(m.input, m.cursor)
		return m, nil
	case " ":
		m.input, m.cursor = insertRunes(m.input, m.cursor, []rune{' '})
		return m, nil

	case "left", "ctrl+b":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "right", "ctrl+f":
		if m.cursor < len(m.input) {
			m.cursor++
		}
		return m, nil
	case "home", "ctrl+a":
		m.cursor = 0
		return m, nil
	case "end", "ctrl+e":
		m.cursor = len(m.input)
		return m, nil
	case "ctrl+k":
		if m.cursor < len(m.input) {
			m.input = append([]rune(nil), m.input[:m.cursor]...)
		}
		return m, nil
	case "ctrl+u":
		m.input = nil
		m.cursor = 0
		return m, nil
	case "ctrl+w", "alt+backspace":
		m.input, m.cursor = deleteWordLeft(m.input, m.cursor)
		return m, nil
	}

	// Typing stays responsive while a turn is in flight; only Enter blocks.
	if msg.Type == tea.KeyRunes && len(msg.Runes) > 0 {
		filtered := make([]rune, 0, len(msg.Runes))
		for _, r := range msg.Runes {
			if r == '\r' || r == '\n' || (r < 0x20 && r != '\t') {
				continue
			}
			filtered = append(filtered, r)
		}
		if len(filtered) > 0 {
			m.input, m.cursor = insertRunes(m.input, m.cursor, filtered)
		}
	}
	return m, nil
}

func (m consoleModel) handleCommand(line string) (tea.Model, tea.Cmd) {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return m, tea.Quit
	case "/clear":
		m.cc.Router.Clear(m.ctx, m.sessionID)
		m.sessionID = uuid.NewString()
		m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Session cleared."})
		return m, nil
	case "/agents":
		agents, err := m.cc.Catalog.ListAgents(m.ctx)
		if err != nil {
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Error: " + humanError(err)})
			return m, nil
		}
		var b strings.Builder
		b.WriteString("Registered agents:")
		for _, a := range agents {
			fmt.Fprintf(&b, "\n  %s: %s", a.Name, a.Description)
			for _, s := range a.Subagents {
				fmt.Fprintf(&b, "\n    %s: %s", s.Name, s.Description)
			}
		}
		m.history = append(m.history, chatEntry{role: chatRoleSystem, text: b.String()})
		return m, nil
	case "/session":
		m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Session: " + m.sessionID})
		return m, nil
	case "/models":
		text := "Models with a configured key:\n  " + strings.Join(config.AvailableModels(), "\n  ")
		m.history = append(m.history, chatEntry{role: chatRoleSystem, text: text})
		return m, nil
	case "/model":
		parts := strings.Fields(line)
		if len(parts) != 3 {
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Usage: /model <provider> <name>"})
			return m, nil
		}
		if err := config.SetModel(config.HomeDir(), parts[1], parts[2]); err != nil {
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Error: " + humanError(err)})
			return m, nil
		}
		m.history = append(m.history, chatEntry{role: chatRoleSystem,
			text: fmt.Sprintf("Model set to %s/%s. Restart to apply.", parts[1], parts[2])})
		return m, nil
	case "/key":
		parts := strings.Fields(line)
		if len(parts) != 3 {
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Usage: /key <provider> <api-key>"})
			return m, nil
		}
		if err := config.SetAPIKey(config.HomeDir(), parts[1], parts[2]); err != nil {
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Error: " + humanError(err)})
			return m, nil
		}
		m.history = append(m.history, chatEntry{role: chatRoleSystem,
			text: "API key saved for " + parts[1] + ". Restart to apply."})
		return m, nil
	case "/help":
		m.history = append(m.history, chatEntry{role: chatRoleSystem, text: helpText()})
		return m, nil
	default:
		m.history = append(m.history, chatEntry{role: chatRoleSystem, text: "Unknown command. Type /help."})
		return m, nil
	}
}

func helpText() string {
	return strings.Join([]string{
		"Commands:",
		"  /agents   list the agent catalog",
		"  /clear    drop the current session and start over",
		"  /session  show the current session id",
		"  /models   list models with a configured key",
		"  /model    set provider and model (/model google gemini-2.5-pro)",
		"  /key      store a provider API key",
		"  /quit     exit",
	}, "\n")
}

func (m consoleModel) turnCmd(query string) tea.Cmd {
	sessionID := m.sessionID
	return func() tea.Msg {
		result, err := m.cc.Router.Handle(m.ctx, sessionID, query)
		return turnReplyMsg{result: result, err: err}
	}
}

// renderResult formats a turn result for the transcript, appending the
// details the plain message does not carry.
func renderResult(res conversation.TurnResult) string {
	var b strings.Builder
	b.WriteString(res.Message)
	if len(res.SuggestedAgents) > 0 {
		b.WriteString("\nSuggestions: ")
		b.WriteString(strings.Join(res.SuggestedAgents, ", "))
	}
	if res.Type == conversation.ResultRouting && res.Payload != nil {
		fmt.Fprintf(&b, "\nHandoff: agent=%s", res.Payload.Agent)
		if res.Payload.Subagent != "" {
			fmt.Fprintf(&b, " subagent=%s", res.Payload.Subagent)
		}
		if res.Payload.ClientName != "" {
			fmt.Fprintf(&b, " client=%s", res.Payload.ClientName)
		}
		if res.Payload.WaveNumber != "" {
			fmt.Fprintf(&b, " wave=%s", res.Payload.WaveNumber)
		}
	}
	return b.String()
}

func (m consoleModel) View() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("agentrouter (%s)\n", m.cc.Model))
	b.WriteString("Type a request. /help for commands, Ctrl+D or /quit to exit.\n\n")

	hLines := m.renderHistoryLines()
	available := m.height - 6
	if available < 3 {
		available = 3
	}
	if len(hLines) > available {
		hLines = hLines[len(hLines)-available:]
	}
	for _, l := range hLines {
		b.WriteString(l)
		b.WriteString("\n")
	}

	b.WriteString("\n> ")
	b.WriteString(renderCursor(string(m.input), m.cursor))
	b.WriteString("\n")
	if m.thinking {
		spin := []string{"|", "/", "-", "\\"}[m.spinnerIdx%4]
		b.WriteString(fmt.Sprintf("%s routing...\n", spin))
	} else {
		b.WriteString("\n")
	}
	b.WriteString(styleSystem.Render(fmt.Sprintf("[session %s]", shortID(m.sessionID))))
	b.WriteString("\n")

	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m consoleModel) renderHistoryLines() []string {
	lines := make([]string, 0, len(m.history)*2)
	for _, e := range m.history {
		prefix := ""
		text := e.text
		switch e.role {
		case chatRoleUser:
			prefix = "You: "
			text = styleUser.Render(text)
		case chatRoleAssistant:
			prefix = "router: "
			if strings.HasPrefix(text, "Great! Routing to ") {
				text = styleRouting.Render(text)
			}
		case chatRoleSystem:
			text = styleSystem.Render(text)
		}
		lines = append(lines, m.wrapWithPrefix(text, prefix)...)
	}
	return lines
}

func (m consoleModel) wrapWithPrefix(text, prefix string) []string {
	if m.width <= 0 {
		return appendPrefixToLines(text, prefix)
	}
	availableWidth := m.width - len(prefix)
	if availableWidth < 10 {
		availableWidth = 10
	}
	var result []string
	for _, line := range strings.Split(text, "\n") {
		for len(line) > availableWidth {
			result = append(result, prefix+line[:availableWidth])
			line = line[availableWidth:]
		}
		result = append(result, prefix+line)
	}
	return result
}

func appendPrefixToLines(text, prefix string) []string {
	var result []string
	for _, line := range strings.Split(text, "\n") {
		result = append(result, prefix+line)
	}
	return result
}

func (m consoleModel) historyPrev() consoleModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx == len(m.inputHistory) {
		m.histSaved = string(m.input)
	}
	if m.histIdx > 0 {
		m.histIdx--
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
	}
	return m
}

func (m consoleModel) historyNext() consoleModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx < len(m.inputHistory)-1 {
		m.histIdx++
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
		return m
	}
	if m.histIdx == len(m.inputHistory)-1 {
		m.histIdx = len(m.inputHistory)
		m.input = []rune(m.histSaved)
		m.cursor = len(m.input)
	}
	return m
}

func waitForSpinner() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(time.Time) tea.Msg {
		return spinnerTickMsg{}
	})
}
