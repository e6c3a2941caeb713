package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/nstogner/agcluster/pkg/client"
	"github.com/nstogner/agcluster/pkg/logging"
	"github.com/nstogner/agcluster/pkg/server"
	"github.com/nstogner/agcluster/pkg/translate"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	toolStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
)

type state int

const (
	stateSelectingConfig state = iota
	stateLaunching
	stateChatting
	stateConfirmExit
)

type role int

const (
	roleUser role = iota
	roleAssistant
	roleTool
	roleError
)

type entry struct {
	role role
	text string
}

type errMsg struct{ err error }
type configsMsg []server.ConfigInfo
type launchedMsg struct{ resp *server.LaunchResponse }
type turnStartedMsg struct{ events <-chan translate.Event }
type chatEventMsg struct {
	ev translate.Event
	ok bool
}

type model struct {
	ctx    context.Context
	client *client.Client

	// State
	state      state
	configs    []server.ConfigInfo
	sessionID  string
	streaming  bool
	events     <-chan translate.Event
	cursor     int
	listOffset int
	width      int
	height     int
	err        error

	// UI Components
	viewport viewport.Model
	textarea textarea.Model

	// Data
	transcript []entry
	renderer   *glamour.TermRenderer
}

func initialModel(ctx context.Context, c *client.Client, sessionID string) model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000

	ta.SetWidth(80)
	ta.SetHeight(3)

	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)

	// The standard style avoids terminal queries that leak into input.
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	m := model{
		ctx:       ctx,
		client:    c,
		state:     stateSelectingConfig,
		sessionID: sessionID,
		viewport:  vp,
		textarea:  ta,
		renderer:  r,
	}
	if sessionID != "" {
		m.state = stateChatting
	}
	return m
}

func (m model) Init() tea.Cmd {
	if m.state == stateSelectingConfig {
		return tea.Batch(textarea.Blink, m.loadConfigs())
	}
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keys only reach the textarea while chatting so menu Enter does not leak.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = max(msg.Height-m.textarea.Height()-4, 0)
		m.viewport.YPosition = 2

		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(max(m.width-4, 20)),
		)
		m.clampList()
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.streaming {
				return m, m.interruptCmd()
			}
			if m.sessionID != "" {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEsc:
			if m.state == stateConfirmExit {
				m.state = stateChatting
				return m, nil
			}
			if m.sessionID != "" {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateSelectingConfig:
				if len(m.configs) == 0 {
					return m, nil
				}
				m.state = stateLaunching
				return m, m.launchCmd(m.configs[m.cursor].ID)
			case stateChatting:
				m.err = nil
				return m.sendMessage()
			}
		case tea.KeyUp:
			if m.state == stateSelectingConfig && m.cursor > 0 {
				m.cursor--
				m.clampList()
			}
		case tea.KeyDown:
			if m.state == stateSelectingConfig && m.cursor < len(m.configs)-1 {
				m.cursor++
				m.clampList()
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					return m, tea.Sequence(m.endSessionCmd(), tea.Quit)
				case "n", "N":
					return m, tea.Quit
				}
			}
		}

	case configsMsg:
		m.configs = msg
		if len(m.configs) == 0 {
			m.err = errors.New("the server has no agent configs")
		}

	case launchedMsg:
		m.sessionID = msg.resp.SessionID
		m.state = stateChatting
		m.transcript = append(m.transcript, entry{roleTool, fmt.Sprintf("Launched %s on %s (session %s)", msg.resp.ConfigID, msg.resp.Backend, msg.resp.SessionID)})
		m.refresh()

	case turnStartedMsg:
		m.events = msg.events
		cmds = append(cmds, waitForEvent(m.events))

	case chatEventMsg:
		if !msg.ok {
			m.streaming = false
			m.events = nil
			break
		}
		m.apply(msg.ev)
		m.refresh()
		cmds = append(cmds, waitForEvent(m.events))

	case errMsg:
		m.err = msg.err
		m.streaming = false
		if m.state == stateLaunching {
			m.state = stateSelectingConfig
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *model) clampList() {
	maxViewable := max(m.height-7, 1)
	if m.cursor < m.listOffset {
		m.listOffset = m.cursor
	}
	if m.cursor >= m.listOffset+maxViewable {
		m.listOffset = m.cursor - maxViewable + 1
	}
	m.listOffset = max(m.listOffset, 0)
}

// apply folds one event into the transcript. Consecutive text deltas extend
// the current assistant entry.
func (m *model) apply(ev translate.Event) {
	switch ev.Kind {
	case translate.KindText:
		if n := len(m.transcript); n > 0 && m.transcript[n-1].role == roleAssistant {
			m.transcript[n-1].text += ev.Text
			return
		}
		m.transcript = append(m.transcript, entry{roleAssistant, ev.Text})
	case translate.KindToolUse:
		m.transcript = append(m.transcript, entry{roleTool, fmt.Sprintf("[Tool: %s]", ev.ToolUse.Name)})
	case translate.KindToolResult:
		status := "Success"
		if ev.ToolResult.IsError {
			status = "Error"
		}
		m.transcript = append(m.transcript, entry{roleTool, fmt.Sprintf("[%s: %s]", status, ev.ToolResult.ToolUseID)})
	case translate.KindTodo:
		var sb strings.Builder
		for _, t := range ev.Todos {
			mark := " "
			switch t.Status {
			case "completed":
				mark = "x"
			case "in_progress":
				mark = ">"
			}
			fmt.Fprintf(&sb, "[%s] %s\n", mark, t.Content)
		}
		m.transcript = append(m.transcript, entry{roleTool, strings.TrimRight(sb.String(), "\n")})
	case translate.KindMetadata:
		u := ev.Metadata.Usage
		m.transcript = append(m.transcript, entry{roleTool, fmt.Sprintf("[%d tokens, $%.4f]", u.TotalTokens, ev.Metadata.CostUSD)})
	case translate.KindError:
		m.transcript = append(m.transcript, entry{roleError, ev.Error})
	case translate.KindComplete:
		m.streaming = false
	}
}

func (m *model) refresh() {
	var sb strings.Builder
	for _, e := range m.transcript {
		switch e.role {
		case roleUser:
			sb.WriteString(userStyle.Render("You: "))
			sb.WriteString("\n" + e.text + "\n")
		case roleAssistant:
			sb.WriteString(senderStyle.Render("Agent: "))
			sb.WriteString("\n")
			content := e.text
			if m.renderer != nil {
				if rendered, err := m.renderer.Render(e.text); err == nil {
					content = rendered
				}
			}
			sb.WriteString(content + "\n")
		case roleTool:
			sb.WriteString(toolStyle.Render(e.text) + "\n")
		case roleError:
			sb.WriteString(errorStyle.Render("Error: "+e.text) + "\n")
		}
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateSelectingConfig:
		header := titleStyle.Render("Select Agent Config")

		maxViewable := max(m.height-7, 1)
		start := m.listOffset
		end := min(start+maxViewable, len(m.configs))

		var optionsView []string
		for i := start; i < end; i++ {
			c := m.configs[i]
			cursor := " "
			line := fmt.Sprintf("%s (%s)", c.Name, c.ID)
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to launch, Esc to quit."
		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateLaunching:
		return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render("Launching"), "", "Starting sandbox...", errorView)

	case stateConfirmExit:
		return lipgloss.JoinVertical(
			lipgloss.Left,
			titleStyle.Render("Confirm Exit"),
			"",
			"End Session? (y/n)",
			"Ending the session will remove the sandbox.",
			errorView,
		)
	}

	status := "Ctrl+C to quit"
	if m.streaming {
		status = "Agent is working... Ctrl+C to interrupt"
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("agcluster "+m.sessionID),
		"",
		m.viewport.View(),
		toolStyle.Render(status),
		errorView,
		m.textarea.View(),
	)
}

// Actions

func (m model) loadConfigs() tea.Cmd {
	return func() tea.Msg {
		list, err := m.client.Configs(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return configsMsg(list.Configs)
	}
}

func (m model) launchCmd(configID string) tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Launch(m.ctx, server.LaunchRequest{ConfigID: configID})
		if err != nil {
			return errMsg{err}
		}
		return launchedMsg{resp}
	}
}

func (m model) sendMessage() (model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" || m.streaming {
		return m, nil
	}
	if v == "/exit" {
		m.state = stateConfirmExit
		return m, nil
	}

	m.textarea.Reset()
	m.transcript = append(m.transcript, entry{roleUser, v})
	m.streaming = true
	m.refresh()

	return m, func() tea.Msg {
		events, err := m.client.Chat(m.ctx, m.sessionID, v)
		if err != nil {
			return errMsg{err}
		}
		return turnStartedMsg{events}
	}
}

func (m model) interruptCmd() tea.Cmd {
	return func() tea.Msg {
		if err := m.client.Interrupt(m.ctx, m.sessionID); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m model) endSessionCmd() tea.Cmd {
	return func() tea.Msg {
		if err := m.client.Stop(m.ctx, m.sessionID); err != nil {
			slog.Error("Failed to stop session", "session", m.sessionID, "error", err)
		}
		return nil
	}
}

func waitForEvent(ch <-chan translate.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		return chatEventMsg{ev: ev, ok: ok}
	}
}

func chatCmd(g *globalFlags) *cobra.Command {
	var (
		sessionID string
		logFile   string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.apiKey == "" {
				return errors.New("an API key is required: set ANTHROPIC_API_KEY or pass --api-key")
			}
			// The terminal belongs to the UI, so logs go to a file only.
			l, closer, err := logging.New(io.Discard, logging.Options{Level: "info", File: logFile, MaxSize: 10, MaxBackups: 1})
			if err != nil {
				return err
			}
			defer closer.Close()
			slog.SetDefault(l)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			p := tea.NewProgram(initialModel(ctx, client.New(g.server, g.apiKey), sessionID), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "attach to an existing session instead of launching one")
	cmd.Flags().StringVar(&logFile, "log-file", "agcluster-chat.log", "log file for the chat client")
	return cmd
}
