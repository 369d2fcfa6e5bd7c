package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"agentchat/internal/chat"
)

type uiTheme struct {
	root        lipgloss.Style
	header      lipgloss.Style
	tabActive   lipgloss.Style
	tabInactive lipgloss.Style
	panel       lipgloss.Style
	panelTitle  lipgloss.Style
	footer      lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	inputPanel  lipgloss.Style
	helpText    lipgloss.Style
	settingKey  lipgloss.Style
	accent      lipgloss.Style
	modal       lipgloss.Style
	online      lipgloss.Style
	offline     lipgloss.Style
	thinking    lipgloss.Style
	roles       map[chat.Role]lipgloss.Style
}

func newTheme() uiTheme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	bg := lipgloss.Color("#120924")
	panelBg := lipgloss.Color("#1b0f35")
	text := lipgloss.Color("#f3f3ff")
	muted := lipgloss.Color("#9ca3d8")

	return uiTheme{
		root: lipgloss.NewStyle().
			Background(bg).
			Foreground(text).
			Padding(0, 1),
		header: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(text).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		tabActive: lipgloss.NewStyle().
			Background(pink).
			Foreground(lipgloss.Color("#22062f")).
			Bold(true).
			Padding(0, 1),
		tabInactive: lipgloss.NewStyle().
			Background(lipgloss.Color("#2a184a")).
			Foreground(muted).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().
			Foreground(mint).
			Bold(true),
		footer: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(muted).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(pink).
			Padding(0, 1),
		status:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		inputPanel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		helpText:   lipgloss.NewStyle().Foreground(muted),
		settingKey: lipgloss.NewStyle().Foreground(blue),
		accent:     lipgloss.NewStyle().Foreground(mint).Bold(true),
		modal: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(blue).
			Padding(1, 2),
		online:   lipgloss.NewStyle().Foreground(mint).Bold(true),
		offline:  lipgloss.NewStyle().Foreground(pink).Bold(true),
		thinking: lipgloss.NewStyle().Foreground(muted).Italic(true),
		roles: map[chat.Role]lipgloss.Style{
			chat.RoleUser:      lipgloss.NewStyle().Foreground(mint).Bold(true),
			chat.RoleAssistant: lipgloss.NewStyle().Foreground(blue).Bold(true),
		},
	}
}

func (m model) View() string {
	var out string
	if m.quitConfirm {
		out = m.renderQuitModal()
	} else {
		out = lipgloss.JoinVertical(lipgloss.Left,
			m.renderHeader(),
			m.renderContent(),
			m.renderInput(),
			m.renderFooter(),
		)
	}
	return m.theme.root.Render(out)
}

func (m *model) renderHeader() string {
	tabs := []struct {
		id    tabID
		label string
	}{
		{tabChat, "Chat"},
		{tabStatus, "Status"},
		{tabHelp, "Help"},
	}
	segments := make([]string, 0, len(tabs)+2)
	for _, tab := range tabs {
		style := m.theme.tabInactive
		if tab.id == m.activeTab {
			style = m.theme.tabActive
		}
		segments = append(segments, style.Render(tab.label))
	}
	status := m.orch.Status()
	dot := m.theme.offline.Render(" ● offline")
	if status.Connected {
		dot = m.theme.online.Render(" ● online")
	}
	segments = append(segments, dot)
	meta := fmt.Sprintf("  %s @ %s", nullCoalesce(status.Model, "n/a"), nullCoalesce(status.Endpoint, "n/a"))
	segments = append(segments, m.theme.helpText.Render(meta))
	joined := lipgloss.JoinHorizontal(lipgloss.Left, segments...)
	return m.theme.header.Width(maxInt(20, m.width-4)).Render(joined)
}

func (m *model) renderContent() string {
	contentHeight := maxInt(8, m.height-12)
	contentWidth := maxInt(40, m.width-4)
	panel := m.theme.panel.Width(contentWidth).Height(contentHeight)

	switch m.activeTab {
	case tabChat:
		return panel.Render(m.theme.panelTitle.Render("Conversation") + "\n" + m.timeline.View())
	case tabStatus:
		return panel.Render(m.theme.panelTitle.Render("Agent Status") + "\n" + m.renderStatus())
	case tabHelp:
		return panel.Render(m.theme.panelTitle.Render("agentchat Help") + "\n" + m.renderHelp())
	default:
		return ""
	}
}

func (m *model) renderInput() string {
	contentWidth := maxInt(40, m.width-4)
	if m.activeTab != tabChat {
		return m.theme.inputPanel.Width(contentWidth).Render(m.theme.helpText.Render("Input disabled outside Chat tab. Press Tab to return."))
	}
	inputView := m.input.View()
	if m.orch.Busy() {
		elapsed := m.orch.Elapsed().Seconds()
		inputView = fmt.Sprintf("%s processing... %.0fs %s", m.spinner.View(), elapsed, inputView)
	}
	return m.theme.inputPanel.Width(contentWidth).Render(inputView)
}

func (m *model) renderFooter() string {
	contentWidth := maxInt(40, m.width-4)
	statusStyle := m.theme.status
	lower := strings.ToLower(m.statusLine)
	if strings.Contains(lower, "failed") || strings.Contains(lower, "error") {
		statusStyle = m.theme.errorStatus
	}
	line := statusStyle.Render(compactSingleLine(m.statusLine, 180))
	hints := m.theme.helpText.Render("Keys: Enter send · Esc cancel/quit · Tab switch view · Ctrl+T thinking · PgUp/PgDn scroll · Ctrl+C quit")
	return m.theme.footer.Width(contentWidth).Render(line + "\n" + hints)
}

func (m *model) renderQuitModal() string {
	canvasWidth := maxInt(40, m.width-4)
	canvasHeight := maxInt(12, m.height-4)
	modalWidth := clampInt(int(float64(canvasWidth)*0.56), 32, 72)
	if modalWidth > canvasWidth-2 {
		modalWidth = canvasWidth - 2
	}

	body := strings.Join([]string{
		m.theme.errorStatus.Render("QUIT AGENTCHAT?"),
		"",
		m.theme.helpText.Render("The conversation lives in memory only and will be lost."),
		"",
		m.theme.accent.Render("[Y / Enter] Quit") + "    " + m.theme.helpText.Render("[N / Esc] Return"),
	}, "\n")
	return lipgloss.Place(
		canvasWidth,
		canvasHeight,
		lipgloss.Center,
		lipgloss.Center,
		m.theme.modal.Width(modalWidth).Render(body),
		lipgloss.WithWhitespaceBackground(lipgloss.Color("#120924")),
	)
}

func (m *model) resize() {
	contentWidth := maxInt(40, m.width-4)
	m.input.Width = maxInt(20, contentWidth-6)
}

func (m *model) renderPanes() {
	prevYOffset := m.timeline.YOffset
	prevAtBottom := m.timeline.AtBottom()

	contentHeight := maxInt(8, m.height-12)
	contentWidth := maxInt(40, m.width-4)
	m.timeline.Width = maxInt(20, contentWidth-4)
	m.timeline.Height = maxInt(5, contentHeight-3)

	m.timeline.SetContent(m.renderTimeline())
	if prevAtBottom {
		m.timeline.GotoBottom()
	} else {
		m.timeline.SetYOffset(prevYOffset)
	}
}

func (m *model) renderTimeline() string {
	msgs := m.orch.Messages()
	if len(msgs) == 0 {
		return m.theme.helpText.Render("No messages yet. Type a prompt and press Enter.")
	}
	width := maxInt(24, m.timeline.Width-2)
	var b strings.Builder
	for _, msg := range msgs {
		style, ok := m.theme.roles[msg.Role]
		if !ok {
			style = m.theme.helpText
		}
		b.WriteString(style.Render(m.messageHeader(msg)))
		b.WriteString("\n")
		b.WriteString(m.messageBody(msg, width))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func (m *model) messageHeader(msg chat.Message) string {
	parts := []string{shortTime(msg.Timestamp), "[" + string(msg.Role) + "]"}
	switch msg.Status {
	case chat.StatusSending:
		parts = append(parts, "…")
	case chat.StatusError:
		parts = append(parts, "error:"+string(msg.Failure))
	case chat.StatusSent:
		if t := formatSeconds(msg.ExecutionTime); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func (m *model) messageBody(msg chat.Message, width int) string {
	switch {
	case msg.Status == chat.StatusSending:
		return m.theme.helpText.Render(m.spinner.View() + " thinking...")
	case msg.Status == chat.StatusError:
		return m.theme.errorStatus.Render(wrapText(msg.Content, width))
	case msg.Role == chat.RoleUser:
		return wrapText(compactMessage(msg.Content, timelineMaxLines, timelineMaxChars), width)
	}
	var b strings.Builder
	if msg.Thinking != "" {
		if m.showThinking {
			trace := compactMessage(msg.Thinking, timelineMaxLines, timelineMaxChars)
			b.WriteString(m.theme.thinking.Render(wrapText(trace, width)))
		} else {
			b.WriteString(m.theme.thinking.Render("(thinking hidden · Ctrl+T to show)"))
		}
		b.WriteString("\n")
	}
	b.WriteString(m.renderMarkdown(compactMessage(msg.Content, timelineMaxLines, timelineMaxChars), width))
	return b.String()
}

func (m *model) renderStatus() string {
	status := m.orch.Status()
	row := func(key, value string) string {
		return m.theme.settingKey.Render(fmt.Sprintf("%-16s", key)) + " " + value
	}
	connected := m.theme.offline.Render("disconnected")
	if status.Connected {
		connected = m.theme.online.Render("connected")
	}
	lastProbe := "never"
	if health, ok := m.orch.LastHealth(); ok {
		lastProbe = shortTime(health.At)
		if health.Err != nil {
			lastProbe += " (" + compactSingleLine(health.Err.Error(), 80) + ")"
		}
	}
	lines := []string{
		row("relay", m.cfg.Client.RelayURL),
		row("connection", connected),
		row("last probe", lastProbe),
		row("processing", onOff(status.Processing)),
		row("model", status.Model),
		row("endpoint", status.Endpoint),
		row("temperature", fmt.Sprintf("%.2f", m.cfg.Agent.Temperature)),
		row("context size", fmt.Sprintf("%d", m.cfg.Agent.ContextSize)),
		row("max iterations", fmt.Sprintf("%d", m.cfg.Agent.MaxIterations)),
		row("turn timeout", m.cfg.Client.RequestTimeout.String()),
		row("health every", m.cfg.Client.HealthInterval.String()),
		row("messages", fmt.Sprintf("%d", len(m.orch.Messages()))),
		"",
		m.theme.panelTitle.Render("Recent Log"),
	}
	if len(m.logs) == 0 {
		lines = append(lines, m.theme.helpText.Render("(empty)"))
	}
	start := maxInt(0, len(m.logs)-maxInt(3, m.height-30))
	for _, line := range m.logs[start:] {
		lines = append(lines, m.theme.helpText.Render(line))
	}
	return strings.Join(lines, "\n")
}

func (m *model) renderHelp() string {
	lines := []string{
		"Keys",
		"- Enter: send prompt (Chat tab, relay connected, no turn running)",
		"- Esc: cancel the running turn; when idle, open the quit prompt",
		"- Tab / Shift+Tab: switch views",
		"- Ctrl+T: show or hide the agent's thinking traces",
		"- PgUp/PgDn, Up/Down (input empty), Home/End: scroll the conversation",
		"- Ctrl+C: quit",
		"",
		"Behaviour",
		"- One turn at a time; the relay is probed every " + m.cfg.Client.HealthInterval.String(),
		"- Turns time out after " + m.cfg.Client.RequestTimeout.String(),
		"- Failed turns keep your message and show the reason in place of the reply",
		"- Start the relay with `agentchat relay`; check setup with `agentchat doctor`",
	}
	return m.theme.helpText.Render(strings.Join(lines, "\n"))
}
