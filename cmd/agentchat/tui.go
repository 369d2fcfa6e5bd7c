package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"agentchat/internal/chat"
	"agentchat/internal/config"
)

const (
	timelineMaxLines = 80
	timelineMaxChars = 8000
	maxLogLines      = 50
)

type tabID int

const (
	tabChat tabID = iota
	tabStatus
	tabHelp
	tabCount
)

type model struct {
	cfg  config.Config
	ctx  context.Context
	orch *chat.Orchestrator

	statusLine   string
	logs         []string
	activeTab    tabID
	showThinking bool
	quitConfirm  bool

	width  int
	height int

	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model
	markdown *glamour.TermRenderer
	mdWidth  int

	theme uiTheme
}

func newChatCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Open the terminal chat client (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts)
		},
	}
}

func runChat(cmd *cobra.Command, opts *globalOpts) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	// The terminal belongs to bubbletea, so logs only go to a file.
	ctx, closeLog, err := opts.logContext(cmd.Context(), cfg, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer closeLog()

	orch := chat.NewOrchestrator(
		newSubmitter(cfg),
		chat.NewHealthMonitor(cfg.Client.RelayURL, cfg.Client.HealthInterval, cfg.Client.ProbeTimeout),
		cfg.Agent.Model,
		cfg.Agent.Endpoint,
		chat.WithContext(ctx),
	)
	defer orch.Close()

	log.Info(ctx, log.KV{K: "msg", V: "chat client starting"}, log.KV{K: "relay", V: cfg.Client.RelayURL})
	p := tea.NewProgram(newModel(ctx, cfg, orch), tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat ui: %w", err)
	}
	return nil
}

func newModel(ctx context.Context, cfg config.Config, orch *chat.Orchestrator) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Ask the agent anything. Enter sends, Esc cancels a running turn."
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true
	timeline.MouseWheelDelta = 4

	return model{
		cfg:        cfg,
		ctx:        ctx,
		orch:       orch,
		statusLine: "connecting to relay...",
		logs:       []string{},
		activeTab:  tabChat,
		input:      input,
		timeline:   timeline,
		spinner:    sp,
		theme:      newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		textinput.Blink,
		m.orch.Init(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case chat.TurnResolvedMsg:
		cmds = append(cmds, m.orch.Update(msg))
		m.reportTurn()
		m.renderPanes()
	case chat.HealthMsg:
		was := m.orch.Status().Connected
		cmds = append(cmds, m.orch.Update(msg))
		m.reportHealth(was, msg)
		m.renderPanes()
	case tea.MouseMsg:
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		return m.handleKey(msg)
	default:
		cmds = append(cmds, m.orch.Update(msg))
	}
	return m, tea.Batch(cmds...)
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		m.orch.Close()
		return m, tea.Quit
	}
	if m.quitConfirm {
		switch msg.String() {
		case "y", "Y", "enter":
			m.orch.Close()
			return m, tea.Quit
		case "n", "N", "esc":
			m.quitConfirm = false
			m.statusLine = "quit canceled"
		}
		return m, nil
	}

	switch msg.String() {
	case "esc":
		if m.orch.Busy() {
			m.orch.Cancel()
			m.statusLine = "cancelling..."
			m.appendLog("cancel requested")
			return m, nil
		}
		m.beginQuitConfirm()
		return m, nil
	case "tab":
		m.setTab((m.activeTab + 1) % tabCount)
		return m, nil
	case "shift+tab":
		m.setTab((m.activeTab + tabCount - 1) % tabCount)
		return m, nil
	case "ctrl+t":
		m.showThinking = !m.showThinking
		m.statusLine = "thinking traces " + onOff(m.showThinking)
		m.renderPanes()
		return m, nil
	case "pgup", "ctrl+b":
		m.timeline.LineUp(8)
		return m, nil
	case "pgdown", "ctrl+f":
		m.timeline.LineDown(8)
		return m, nil
	case "home":
		m.timeline.GotoTop()
		return m, nil
	case "end":
		m.timeline.GotoBottom()
		return m, nil
	}

	if m.activeTab != tabChat {
		return m, nil
	}
	switch msg.String() {
	case "enter":
		return m, m.submit()
	case "up":
		if strings.TrimSpace(m.input.Value()) == "" {
			m.timeline.LineUp(4)
			return m, nil
		}
	case "down":
		if strings.TrimSpace(m.input.Value()) == "" {
			m.timeline.LineDown(4)
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) submit() tea.Cmd {
	raw := m.input.Value()
	switch m.orch.CanSubmit(raw) {
	case chat.RejectEmpty:
		return nil
	case chat.RejectBusy:
		m.statusLine = "still waiting on the agent; Esc cancels"
		return nil
	case chat.RejectDisconnected:
		m.statusLine = "error: relay is not connected"
		return nil
	}
	cmd := m.orch.Submit(raw)
	if cmd == nil {
		return nil
	}
	m.input.SetValue("")
	m.statusLine = "processing..."
	m.timeline.GotoBottom()
	m.renderPanes()
	return cmd
}

func (m *model) setTab(tab tabID) {
	m.activeTab = tab
	if tab == tabChat {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
	m.renderPanes()
}

func (m *model) beginQuitConfirm() {
	m.quitConfirm = true
	m.statusLine = "quit agentchat?"
}

func (m *model) reportTurn() {
	msgs := m.orch.Messages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	switch last.Status {
	case chat.StatusError:
		m.statusLine = "error: " + compactSingleLine(last.Content, 160)
		m.appendLog(fmt.Sprintf("turn failed (%s): %s", last.Failure, last.Content))
	case chat.StatusSent:
		m.statusLine = "reply in " + nullCoalesce(formatSeconds(last.ExecutionTime), "?")
		m.appendLog("turn completed " + formatSeconds(last.ExecutionTime))
	}
}

func (m *model) reportHealth(was bool, msg chat.HealthMsg) {
	now := m.orch.Status().Connected
	if was == now && m.statusLine != "connecting to relay..." {
		return
	}
	if now {
		m.statusLine = "connected · " + m.cfg.Client.RelayURL
		m.appendLog("relay connected")
		return
	}
	detail := "unreachable"
	if msg.Err != nil {
		detail = msg.Err.Error()
	}
	m.statusLine = "error: relay disconnected"
	m.appendLog("relay disconnected: " + detail)
}

func (m *model) appendLog(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	m.logs = append(m.logs, fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), compactSingleLine(trimmed, 220)))
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
}

// renderMarkdown formats an assistant reply, falling back to plain wrapping
// when glamour cannot render it.
func (m *model) renderMarkdown(text string, width int) string {
	if m.markdown == nil || m.mdWidth != width {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle("dark"),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			log.Debug(m.ctx, log.KV{K: "msg", V: "markdown renderer unavailable"}, log.KV{K: "err", V: err.Error()})
			return wrapText(text, width)
		}
		m.markdown = r
		m.mdWidth = width
	}
	out, err := m.markdown.Render(text)
	if err != nil {
		return wrapText(text, width)
	}
	return strings.Trim(out, "\n")
}
