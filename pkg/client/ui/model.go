package ui

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/client/ui/modal"
	"github.com/aeolun/relaychat/pkg/session"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gen2brain/beeep"
)

const requestTimeout = 10 * time.Second

// Session is the part of the session controller the UI drives
type Session interface {
	Updates() <-chan struct{}
	Done() <-chan struct{}
	Snapshot() session.Snapshot
	LoadServers(ctx context.Context) ([]chat.Server, error)
	SelectServer(ctx context.Context, serverID int64) error
	SelectChannel(channelID int64) error
	CreateServer(ctx context.Context, name string) (chat.Server, error)
	CreateChannel(ctx context.Context, name, description string) (chat.Channel, error)
	Send(content string) (string, error)
	Resend(localID string) error
	RetryHistory() error
	Close()
}

var _ Session = (*session.Controller)(nil)

// Pane is the part of the screen that receives keys
type Pane int

const (
	PaneServers Pane = iota
	PaneChannels
	PaneInput
	paneCount
)

// Notifier shows a desktop notification
type Notifier func(title, body string) error

func desktopNotify(title, body string) error {
	return beeep.Notify(title, body, "")
}

// Model represents the application state
type Model struct {
	sess      Session
	state     client.StateInterface
	logger    *log.Logger
	relayAddr string
	notify    Notifier

	// Last state read from the session
	snap session.Snapshot

	// UI state
	width         int
	height        int
	focus         Pane
	serverCursor  int
	channelCursor int
	chatViewport  viewport.Model
	chatTextarea  textarea.Model
	spinner       spinner.Model
	modalStack    modal.ModalStack

	loadingServers bool // True until the first catalog load returns

	// Error and status
	errorMessage  string
	statusMessage string
	statusVersion uint64 // Incremented each time statusMessage is set, for timeout tracking

	// Notification bookkeeping for the channel in seenChannel
	seenChannel    int64
	seenLive       bool
	seen           map[string]bool
	notifiedFailed map[string]bool
}

// NewModel creates a new application model. initialConnErr is the result of
// the first dial; when set the connection failed modal is shown.
func NewModel(sess Session, state client.StateInterface, relayAddr string, logger *log.Logger, initialConnErr error) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = Styles.Spinner

	ta := textarea.New()
	ta.Placeholder = "Type a message..."
	ta.Prompt = ""
	ta.CharLimit = 0 // The relay enforces the maximum length
	ta.SetWidth(80)  // Resized on the first WindowSizeMsg
	ta.SetHeight(1)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false) // Enter sends
	ta.FocusedStyle.Base = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(primaryColor).
		Padding(0, 1)
	ta.BlurredStyle.Base = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(mutedColor).
		Padding(0, 1)

	m := Model{
		sess:           sess,
		state:          state,
		logger:         logger,
		relayAddr:      relayAddr,
		notify:         desktopNotify,
		snap:           sess.Snapshot(),
		focus:          PaneInput,
		chatViewport:   viewport.New(80, 20),
		chatTextarea:   ta,
		spinner:        s,
		loadingServers: true,
		seen:           make(map[string]bool),
		notifiedFailed: make(map[string]bool),
	}
	m.chatTextarea.Focus()

	if initialConnErr != nil {
		m.modalStack.Push(modal.NewConnectionFailedModal(relayAddr, initialConnErr.Error()))
	}
	if !state.Identity().Valid() {
		m.modalStack.Push(m.displayNameModal())
	}
	return m
}

// SetNotifier replaces the desktop notifier
func (m *Model) SetNotifier(n Notifier) {
	m.notify = n
}

func (m *Model) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// SessionUpdatedMsg is sent when the session state changed
type SessionUpdatedMsg struct{}

// SessionClosedMsg is sent once the session is closed
type SessionClosedMsg struct{}

// ServersLoadedMsg reports the end of the server list refresh
type ServersLoadedMsg struct {
	Err error
}

// ActionResultMsg reports the end of a background action
type ActionResultMsg struct {
	Status string
	Err    error
}

// ClearStatusMsg clears the status line if it was not replaced since
type ClearStatusMsg struct {
	Version uint64
}

// DisplayNameSetMsg carries a newly chosen display name
type DisplayNameSetMsg struct {
	Name string
}

// Init starts listening to the session and loads the server list. Without a
// display name the relay can't be greeted, so loading waits for the prompt.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{listenForUpdates(m.sess), m.spinner.Tick, textarea.Blink}
	if m.state.Identity().Valid() {
		cmds = append(cmds, m.loadServers())
	}
	return tea.Batch(cmds...)
}

// listenForUpdates waits for the next session change
func listenForUpdates(sess Session) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-sess.Updates():
			return SessionUpdatedMsg{}
		case <-sess.Done():
			return SessionClosedMsg{}
		}
	}
}

// loadServers refreshes the catalog and restores the last selection when it
// still exists
func (m Model) loadServers() tea.Cmd {
	sess, state := m.sess, m.state
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		servers, err := sess.LoadServers(ctx)
		if err != nil {
			return ServersLoadedMsg{Err: err}
		}

		lastServer, lastChannel := state.LastSelection()
		if lastServer != 0 && lastServer != sess.Snapshot().ServerID && containsServer(servers, lastServer) {
			if err := sess.SelectServer(ctx, lastServer); err != nil {
				return ServersLoadedMsg{Err: err}
			}
		}
		if lastChannel != 0 && lastChannel != sess.Snapshot().ChannelID {
			err := sess.SelectChannel(lastChannel)
			if err != nil && !errors.Is(err, session.ErrUnknownChannel) {
				return ServersLoadedMsg{Err: err}
			}
		}
		return ServersLoadedMsg{}
	}
}

func containsServer(servers []chat.Server, id int64) bool {
	for _, s := range servers {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (m Model) displayNameModal() modal.Modal {
	return modal.NewDisplayNameModal(m.state.Identity().DisplayName, func(name string) tea.Cmd {
		return func() tea.Msg { return DisplayNameSetMsg{Name: name} }
	})
}

// saveAndQuit remembers the selection, closes the session and quits
func (m *Model) saveAndQuit() tea.Cmd {
	if m.snap.ServerID != 0 {
		if err := m.state.SaveSelection(m.snap.ServerID, m.snap.ChannelID); err != nil {
			m.logf("Failed to save selection: %v", err)
		}
	}
	m.sess.Close()
	return tea.Quit
}
