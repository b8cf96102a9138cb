package ui

import (
	"fmt"
	"strings"

	"github.com/76creates/stickers/flexbox"
	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/aeolun/relaychat/pkg/session"
	"github.com/charmbracelet/lipgloss"
)

var (
	primaryColor = lipgloss.Color("205")
	mutedColor   = lipgloss.Color("240")
	errorColor   = lipgloss.Color("#FF5555")
	accentColor  = lipgloss.Color("#00D0D0")
)

// Styles holds every style the views share
var Styles = struct {
	Header      lipgloss.Style
	Pane        lipgloss.Style
	FocusedPane lipgloss.Style
	PaneTitle   lipgloss.Style
	Selected    lipgloss.Style
	Active      lipgloss.Style
	Item        lipgloss.Style
	Author      lipgloss.Style
	OwnAuthor   lipgloss.Style
	Timestamp   lipgloss.Style
	Pending     lipgloss.Style
	Failed      lipgloss.Style
	Error       lipgloss.Style
	Status      lipgloss.Style
	Help        lipgloss.Style
	Spinner     lipgloss.Style
}{
	Header:      lipgloss.NewStyle().Bold(true).Foreground(primaryColor),
	Pane:        lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(mutedColor).Padding(0, 1),
	FocusedPane: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(primaryColor).Padding(0, 1),
	PaneTitle:   lipgloss.NewStyle().Bold(true).Foreground(accentColor),
	Selected:    lipgloss.NewStyle().Foreground(primaryColor).Bold(true),
	Active:      lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Underline(true),
	Item:        lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
	Author:      lipgloss.NewStyle().Bold(true).Foreground(accentColor),
	OwnAuthor:   lipgloss.NewStyle().Bold(true).Foreground(primaryColor),
	Timestamp:   lipgloss.NewStyle().Foreground(mutedColor),
	Pending:     lipgloss.NewStyle().Foreground(mutedColor).Italic(true),
	Failed:      lipgloss.NewStyle().Foreground(errorColor),
	Error:       lipgloss.NewStyle().Foreground(errorColor),
	Status:      lipgloss.NewStyle().Foreground(accentColor),
	Help:        lipgloss.NewStyle().Foreground(mutedColor),
	Spinner:     lipgloss.NewStyle().Foreground(primaryColor),
}

// sidebarWidth is the width of the server and channel column
func sidebarWidth(total int) int {
	w := total / 4
	if w < 18 {
		w = 18
	}
	if w > 32 {
		w = 32
	}
	return w
}

// View renders the current view
func (m Model) View() string {
	// Don't render until we have dimensions
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	if top := m.modalStack.Top(); top != nil {
		return top.Render(m.width, m.height)
	}

	// Header and footer take one line each
	layout := flexbox.NewHorizontal(m.width, m.height-2)
	sidebarCol := layout.NewColumn().AddCells(
		flexbox.NewCell(1, 1).
			SetStyle(lipgloss.NewStyle().Width(sidebarWidth(m.width))).
			SetContent(m.renderSidebar()),
	)
	chatCol := layout.NewColumn().AddCells(
		flexbox.NewCell(3, 1).SetContent(m.renderChat()),
	)
	layout.AddColumns([]*flexbox.Column{sidebarCol, chatCol})

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		layout.Render(),
		m.renderFooter(),
	)
}

func (m Model) renderHeader() string {
	self := m.state.Identity()
	parts := []string{Styles.Header.Render("relaychat"), m.relayAddr}
	if self.DisplayName != "" {
		parts = append(parts, "as "+self.DisplayName)
	}
	if name := m.serverName(); name != "" {
		parts = append(parts, name)
	}
	return strings.Join(parts, Styles.Help.Render(" · "))
}

func (m Model) renderSidebar() string {
	width := sidebarWidth(m.width)
	// Split the height between servers and channels
	inner := m.height - 4
	serverHeight := inner / 3
	if serverHeight < 3 {
		serverHeight = 3
	}
	channelHeight := inner - serverHeight - 2
	if channelHeight < 3 {
		channelHeight = 3
	}

	var servers []string
	if m.loadingServers && len(m.snap.Servers) == 0 {
		servers = append(servers, m.spinner.View()+" loading")
	}
	for i, s := range m.snap.Servers {
		servers = append(servers, m.renderListItem(s.Name, i == m.serverCursor && m.focus == PaneServers, s.ID == m.snap.ServerID))
	}
	if len(servers) == 0 {
		servers = append(servers, Styles.Help.Render("no servers, n to create"))
	}

	var channels []string
	for i, c := range m.snap.Channels {
		channels = append(channels, m.renderListItem("#"+c.Name, i == m.channelCursor && m.focus == PaneChannels, c.ID == m.snap.ChannelID))
	}
	if len(channels) == 0 && m.snap.ServerID != 0 {
		channels = append(channels, Styles.Help.Render("no channels, n to create"))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderPane("Servers", servers, width, serverHeight, m.focus == PaneServers),
		m.renderPane("Channels", channels, width, channelHeight, m.focus == PaneChannels),
	)
}

func (m Model) renderListItem(label string, cursor, active bool) string {
	switch {
	case cursor:
		return Styles.Selected.Render("→ " + label)
	case active:
		return Styles.Active.Render("  " + label)
	default:
		return Styles.Item.Render("  " + label)
	}
}

func (m Model) renderPane(title string, rows []string, width, height int, focused bool) string {
	if len(rows) > height-1 {
		rows = rows[:height-1]
	}
	content := Styles.PaneTitle.Render(title) + "\n" + strings.Join(rows, "\n")
	style := Styles.Pane
	if focused {
		style = Styles.FocusedPane
	}
	return style.Width(width - 2).Height(height).Render(content)
}

func (m Model) renderChat() string {
	var top string
	switch {
	case m.snap.HistoryErr != nil:
		top = Styles.Error.Render(fmt.Sprintf("Couldn't load history: %v (ctrl+r to retry)", m.snap.HistoryErr))
	case m.snap.Phase == session.PhaseLoading:
		top = m.spinner.View() + " Loading history..."
	case m.snap.Phase == session.PhaseIdle:
		top = Styles.Help.Render("Pick a channel to start chatting")
	default:
		title := m.channelTitle()
		if !m.snap.Subscribed {
			title += Styles.Help.Render("  (reconnecting)")
		}
		top = Styles.PaneTitle.Render(title)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		top,
		m.chatViewport.View(),
		m.chatTextarea.View(),
	)
}

func (m Model) renderFooter() string {
	if m.errorMessage != "" {
		return Styles.Error.Render(m.errorMessage)
	}
	if m.statusMessage != "" {
		return Styles.Status.Render(m.statusMessage)
	}
	return Styles.Help.Render(helpLine(m.focus))
}

func helpLine(focus Pane) string {
	common := "[Tab] switch pane  [ctrl+e] resend failed  [ctrl+n] name  [ctrl+c] quit"
	switch focus {
	case PaneServers:
		return "[↑/↓] move  [Enter] open  [n] new server  [r] reload  " + common
	case PaneChannels:
		return "[↑/↓] move  [Enter] open  [n] new channel  " + common
	default:
		return "[Enter] send  [PgUp/PgDn] scroll  " + common
	}
}

// buildChatMessages renders the transcript for the chat viewport
func (m Model) buildChatMessages() string {
	if len(m.snap.Messages) == 0 {
		if m.snap.Phase == session.PhaseLive {
			return Styles.Help.Render("No messages yet. Say hi!")
		}
		return ""
	}
	self := m.state.Identity()
	lines := make([]string, 0, len(m.snap.Messages))
	for _, msg := range m.snap.Messages {
		lines = append(lines, formatMessage(msg, self))
	}
	return strings.Join(lines, "\n")
}

// formatMessage renders one transcript line
func formatMessage(msg chat.Message, self chat.Identity) string {
	author := Styles.Author
	if msg.UserID == self.UserID && self.UserID != "" {
		author = Styles.OwnAuthor
	}
	line := Styles.Timestamp.Render(msg.CreatedAt.Local().Format("15:04")) + " " +
		author.Render(msg.DisplayName) + " "

	switch {
	case msg.Failed:
		return line + Styles.Failed.Render(msg.Content+"  ✗ not sent (ctrl+e to resend)")
	case msg.Pending:
		return line + Styles.Pending.Render(msg.Content+"  …")
	default:
		return line + msg.Content
	}
}
