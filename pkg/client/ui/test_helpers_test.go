package ui

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/session"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type notification struct {
	title string
	body  string
}

// testSetup is a model wired to a real controller over a mock backend
type testSetup struct {
	model    Model
	backend  *session.MockBackend
	ctrl     *session.Controller
	state    *client.MockState
	notified []notification
}

// newTestSetup seeds two servers: Home (general, random) and Work (standup)
func newTestSetup(t *testing.T, configure func(*client.MockState, *session.MockBackend)) *testSetup {
	t.Helper()
	backend := session.NewMockBackend()
	now := time.Now()
	backend.AddServer(chat.Server{ID: 1, Name: "Home", CreatedAt: now.Add(-time.Hour)},
		chat.Channel{ID: 11, ServerID: 1, Name: "random"},
		chat.Channel{ID: 10, ServerID: 1, Name: "general"},
	)
	backend.AddServer(chat.Server{ID: 2, Name: "Work", CreatedAt: now},
		chat.Channel{ID: 20, ServerID: 2, Name: "standup"},
	)

	state := client.NewMockState()
	require.NoError(t, state.SetDisplayName("alice"))
	if configure != nil {
		configure(state, backend)
	}

	logger := log.New(io.Discard, "", 0) // Discard logs in tests
	ctrl := session.NewController(backend, state, logger)
	ctrl.SetCatalog(backend)
	t.Cleanup(ctrl.Close)

	ts := &testSetup{backend: backend, ctrl: ctrl, state: state}
	ts.model = NewModel(ctrl, state, "ws://localhost:8080/ws", logger, nil)
	ts.model.SetNotifier(func(title, body string) error {
		ts.notified = append(ts.notified, notification{title, body})
		return nil
	})
	ts.update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return ts
}

func (ts *testSetup) update(msg tea.Msg) tea.Cmd {
	next, cmd := ts.model.Update(msg)
	ts.model = next.(Model)
	return cmd
}

func (ts *testSetup) key(k tea.KeyMsg) tea.Cmd {
	return ts.update(k)
}

func (ts *testSetup) typeText(text string) {
	for _, r := range text {
		if r == ' ' {
			ts.key(tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}})
			continue
		}
		ts.key(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
}

// loadServers runs the catalog load synchronously and waits for the history
// of the selected channel
func (ts *testSetup) loadServers(t *testing.T) {
	t.Helper()
	ts.update(ts.model.loadServers()())
	ts.waitLive(t)
}

// waitLive waits until the controller is live and subscribed, then applies
// its state
func (ts *testSetup) waitLive(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := ts.ctrl.Snapshot()
		return snap.Phase == session.PhaseLive && snap.Subscribed
	}, waitFor, tick)
	ts.sync()
}

// sync applies the current controller state as the update listener would
func (ts *testSetup) sync() {
	ts.update(SessionUpdatedMsg{})
}

// waitUntil applies controller state once cond holds
func (ts *testSetup) waitUntil(t *testing.T, cond func(session.Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cond(ts.ctrl.Snapshot())
	}, waitFor, tick)
	ts.sync()
}

func (ts *testSetup) subscription(t *testing.T, channelID int64) *session.MockSubscription {
	t.Helper()
	subs := ts.backend.Subscriptions(channelID)
	require.NotEmpty(t, subs)
	return subs[len(subs)-1]
}

func enterKey() tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyEnter} }
func tabKey() tea.KeyMsg   { return tea.KeyMsg{Type: tea.KeyTab} }
func downKey() tea.KeyMsg  { return tea.KeyMsg{Type: tea.KeyDown} }
func runeKey(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}
