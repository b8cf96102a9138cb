package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/aeolun/relaychat/pkg/client/ui/modal"
	"github.com/aeolun/relaychat/pkg/session"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.chatViewport.SetContent(m.buildChatMessages())
		m.chatViewport.GotoBottom()
		return m, nil

	case SessionUpdatedMsg:
		m.applySnapshot(m.sess.Snapshot())
		return m, listenForUpdates(m.sess)

	case SessionClosedMsg:
		return m, tea.Quit

	case ServersLoadedMsg:
		m.loadingServers = false
		if msg.Err != nil {
			m.errorMessage = fmt.Sprintf("Couldn't load servers: %v", msg.Err)
			m.modalStack.Push(modal.NewConnectionFailedModal(m.relayAddr, msg.Err.Error()))
			return m, nil
		}
		m.errorMessage = ""
		m.applySnapshot(m.sess.Snapshot())
		return m, nil

	case modal.ConnectionFailedRetryMsg:
		m.loadingServers = true
		m.errorMessage = ""
		return m, m.loadServers()

	case ActionResultMsg:
		if msg.Err != nil {
			m.errorMessage = msg.Err.Error()
			return m, nil
		}
		if msg.Status != "" {
			cmd := m.setStatus(msg.Status)
			return m, cmd
		}
		return m, nil

	case DisplayNameSetMsg:
		if err := m.state.SetDisplayName(msg.Name); err != nil {
			m.errorMessage = fmt.Sprintf("Couldn't save display name: %v", err)
			m.modalStack.Push(m.displayNameModal())
			return m, nil
		}
		if err := m.state.SetFirstRunComplete(); err != nil {
			m.logf("Failed to mark first run complete: %v", err)
		}
		cmd := m.setStatus("Display name set to " + msg.Name)
		if m.loadingServers && len(m.snap.Servers) == 0 {
			return m, tea.Batch(cmd, m.loadServers())
		}
		return m, cmd

	case ClearStatusMsg:
		if msg.Version == m.statusVersion {
			m.statusMessage = ""
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	var taCmd tea.Cmd
	m.chatTextarea, taCmd = m.chatTextarea.Update(msg)
	return m, tea.Batch(cmd, taCmd)
}

// applySnapshot takes a new session state, keeps the cursors on the selected
// rows and raises notifications for new mentions and failed sends
func (m *Model) applySnapshot(snap session.Snapshot) {
	atBottom := m.chatViewport.AtBottom()
	prev := m.snap
	m.snap = snap

	// Cursors follow the selection only when it changes
	if snap.ServerID != prev.ServerID {
		if i := indexOfServer(snap.Servers, snap.ServerID); i >= 0 {
			m.serverCursor = i
		}
	}
	m.serverCursor = clampCursor(m.serverCursor, len(snap.Servers))
	if snap.ChannelID != prev.ChannelID || len(snap.Channels) != len(prev.Channels) {
		if i := indexOfChannel(snap.Channels, snap.ChannelID); i >= 0 {
			m.channelCursor = i
		}
	}
	m.channelCursor = clampCursor(m.channelCursor, len(snap.Channels))

	m.checkNotifications()

	m.chatViewport.SetContent(m.buildChatMessages())
	if atBottom {
		m.chatViewport.GotoBottom()
	}
}

// checkNotifications notifies once per failed send and once per new message
// that mentions us. History loaded on a channel switch is never announced.
func (m *Model) checkNotifications() {
	snap := m.snap
	for _, msg := range snap.Messages {
		if msg.Failed && !m.notifiedFailed[msg.ID] {
			m.notifiedFailed[msg.ID] = true
			m.sendNotification("Message not sent", truncate(msg.Content, 100))
		}
	}

	// The first live snapshot of a channel is the baseline
	live := snap.Phase == session.PhaseLive
	if snap.ChannelID != m.seenChannel || !live || !m.seenLive {
		m.seenChannel = snap.ChannelID
		m.seenLive = live
		m.seen = make(map[string]bool, len(snap.Messages))
		for _, msg := range snap.Messages {
			m.seen[msg.ID] = true
		}
		return
	}

	self := m.state.Identity()
	for _, msg := range snap.Messages {
		if m.seen[msg.ID] {
			continue
		}
		m.seen[msg.ID] = true
		if msg.Optimistic() || msg.UserID == self.UserID {
			continue
		}
		if mentions(msg.Content, self.DisplayName) {
			m.sendNotification(m.channelTitle(), fmt.Sprintf("%s: %s", msg.DisplayName, truncate(msg.Content, 100)))
		}
	}
}

// sendNotification is best effort
func (m *Model) sendNotification(title, body string) {
	if m.notify == nil {
		return
	}
	if err := m.notify(title, body); err != nil {
		m.logf("Failed to send desktop notification: %v", err)
	}
}

func (m *Model) resize() {
	sidebar := sidebarWidth(m.width)
	chatWidth := m.width - sidebar - 2
	if chatWidth < 20 {
		chatWidth = 20
	}
	// Header, footer and the input box take six lines
	chatHeight := m.height - 7
	if chatHeight < 3 {
		chatHeight = 3
	}
	m.chatViewport.Width = chatWidth
	m.chatViewport.Height = chatHeight
	m.chatTextarea.SetWidth(chatWidth - 4)
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, m.saveAndQuit()
	}

	if top := m.modalStack.Top(); top != nil {
		handled, next, cmd := top.HandleKey(msg)
		if handled {
			m.modalStack.Replace(next)
			return m, cmd
		}
		if top.IsBlockingInput() {
			return m, nil
		}
	}

	switch msg.String() {
	case "tab":
		m.setFocus((m.focus + 1) % paneCount)
		return m, nil
	case "shift+tab":
		m.setFocus((m.focus + paneCount - 1) % paneCount)
		return m, nil
	case "ctrl+r":
		return m.retryHistory()
	case "ctrl+e":
		return m.resendLastFailed()
	case "ctrl+n":
		m.modalStack.Push(m.displayNameModal())
		return m, nil
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.chatViewport, cmd = m.chatViewport.Update(msg)
		return m, cmd
	}

	switch m.focus {
	case PaneServers:
		return m.handleServerKeys(msg)
	case PaneChannels:
		return m.handleChannelKeys(msg)
	default:
		return m.handleInputKeys(msg)
	}
}

func (m *Model) setFocus(p Pane) {
	m.focus = p
	if p == PaneInput {
		m.chatTextarea.Focus()
	} else {
		m.chatTextarea.Blur()
	}
}

func (m Model) handleServerKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		m.serverCursor = clampCursor(m.serverCursor-1, len(m.snap.Servers))
	case "down", "j":
		m.serverCursor = clampCursor(m.serverCursor+1, len(m.snap.Servers))
	case "enter":
		if len(m.snap.Servers) == 0 {
			return m, nil
		}
		server := m.snap.Servers[m.serverCursor]
		if server.ID == m.snap.ServerID {
			m.setFocus(PaneChannels)
			return m, nil
		}
		m.setFocus(PaneChannels)
		return m, m.selectServer(server.ID)
	case "n":
		m.modalStack.Push(modal.NewCreateServerModal(m.createServer))
	case "r":
		m.loadingServers = true
		return m, m.loadServers()
	case "q":
		return m, m.saveAndQuit()
	}
	return m, nil
}

func (m Model) handleChannelKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		m.channelCursor = clampCursor(m.channelCursor-1, len(m.snap.Channels))
	case "down", "j":
		m.channelCursor = clampCursor(m.channelCursor+1, len(m.snap.Channels))
	case "enter":
		if len(m.snap.Channels) == 0 {
			return m, nil
		}
		channel := m.snap.Channels[m.channelCursor]
		m.setFocus(PaneInput)
		if channel.ID == m.snap.ChannelID {
			return m, nil
		}
		if err := m.sess.SelectChannel(channel.ID); err != nil {
			m.errorMessage = err.Error()
		}
		return m, nil
	case "n":
		if m.snap.ServerID == 0 {
			cmd := m.setStatus("Select a server first")
			return m, cmd
		}
		m.modalStack.Push(modal.NewCreateChannelModal(m.serverName(), m.createChannel))
	case "q":
		return m, m.saveAndQuit()
	}
	return m, nil
}

func (m Model) handleInputKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		content := strings.TrimSpace(m.chatTextarea.Value())
		if content == "" {
			return m, nil
		}
		return m.sendMessage(content)
	case "up", "down":
		var cmd tea.Cmd
		m.chatViewport, cmd = m.chatViewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.chatTextarea, cmd = m.chatTextarea.Update(msg)
	return m, cmd
}

// sendMessage hands content to the session. The optimistic entry shows up
// through the next SessionUpdatedMsg.
func (m Model) sendMessage(content string) (tea.Model, tea.Cmd) {
	if !m.state.Identity().Valid() {
		m.modalStack.Push(m.displayNameModal())
		return m, nil
	}
	if _, err := m.sess.Send(content); err != nil {
		m.errorMessage = fmt.Sprintf("Couldn't send: %v", err)
		return m, nil
	}
	m.errorMessage = ""
	m.chatTextarea.Reset()
	m.chatViewport.GotoBottom()
	return m, nil
}

func (m Model) retryHistory() (tea.Model, tea.Cmd) {
	if m.snap.HistoryErr == nil {
		return m, nil
	}
	if err := m.sess.RetryHistory(); err != nil {
		m.errorMessage = err.Error()
		return m, nil
	}
	m.errorMessage = ""
	cmd := m.setStatus("Retrying history...")
	return m, cmd
}

// resendLastFailed retries the newest failed message
func (m Model) resendLastFailed() (tea.Model, tea.Cmd) {
	msg, ok := lastFailed(m.snap.Messages)
	if !ok {
		cmd := m.setStatus("No failed messages")
		return m, cmd
	}
	if err := m.sess.Resend(msg.ID); err != nil {
		m.errorMessage = err.Error()
		return m, nil
	}
	delete(m.notifiedFailed, msg.ID)
	cmd := m.setStatus("Resending...")
	return m, cmd
}

func lastFailed(msgs []chat.Message) (chat.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Failed {
			return msgs[i], true
		}
	}
	return chat.Message{}, false
}

func (m Model) selectServer(serverID int64) tea.Cmd {
	sess := m.sess
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := sess.SelectServer(ctx, serverID); err != nil {
			return ActionResultMsg{Err: err}
		}
		return nil
	}
}

func (m Model) createServer(name string) tea.Cmd {
	sess := m.sess
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		server, err := sess.CreateServer(ctx, name)
		if err != nil {
			return ActionResultMsg{Err: err}
		}
		return ActionResultMsg{Status: fmt.Sprintf("Created server %s", server.Name)}
	}
}

func (m Model) createChannel(name, description string) tea.Cmd {
	sess := m.sess
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		channel, err := sess.CreateChannel(ctx, name, description)
		if err != nil {
			return ActionResultMsg{Err: err}
		}
		return ActionResultMsg{Status: fmt.Sprintf("Created #%s", channel.Name)}
	}
}

func statusTimeout(version uint64) tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return ClearStatusMsg{Version: version}
	})
}

// setStatus sets the status message and returns the timeout command
func (m *Model) setStatus(message string) tea.Cmd {
	m.statusVersion++
	m.statusMessage = message
	return statusTimeout(m.statusVersion)
}

func (m Model) serverName() string {
	if i := indexOfServer(m.snap.Servers, m.snap.ServerID); i >= 0 {
		return m.snap.Servers[i].Name
	}
	return ""
}

func (m Model) channelTitle() string {
	if i := indexOfChannel(m.snap.Channels, m.snap.ChannelID); i >= 0 {
		return "relaychat - #" + m.snap.Channels[i].Name
	}
	return "relaychat"
}

func indexOfServer(servers []chat.Server, id int64) int {
	for i, s := range servers {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func indexOfChannel(channels []chat.Channel, id int64) int {
	for i, c := range channels {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// clampCursor keeps cursor inside a list of n rows
func clampCursor(cursor, n int) int {
	if n == 0 || cursor < 0 {
		return 0
	}
	if cursor >= n {
		return n - 1
	}
	return cursor
}

// mentions reports whether content contains @name as a whole word,
// ignoring case
func mentions(content, name string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(content)
	target := "@" + strings.ToLower(name)
	for start := 0; ; {
		i := strings.Index(lower[start:], target)
		if i < 0 {
			return false
		}
		end := start + i + len(target)
		if end == len(lower) || !isWordByte(lower[end]) {
			return true
		}
		start = end
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b == '-' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
