package ui

import (
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/aeolun/relaychat/pkg/client"
	"github.com/aeolun/relaychat/pkg/client/ui/modal"
	"github.com/aeolun/relaychat/pkg/session"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewModelPromptsForDisplayName(t *testing.T) {
	state := client.NewMockState()
	ctrl := session.NewController(session.NewMockBackend(), state, nil)
	defer ctrl.Close()

	m := NewModel(ctrl, state, "ws://localhost:8080/ws", log.New(io.Discard, "", 0), nil)
	require.Equal(t, modal.ModalDisplayName, m.modalStack.TopType())

	ts := &testSetup{model: m, ctrl: ctrl, state: state}
	ts.typeText("Ada")
	cmd := ts.key(enterKey())
	require.NotNil(t, cmd)
	load := ts.update(cmd())
	assert.NotNil(t, load, "the first name starts loading servers")

	assert.Equal(t, "Ada", state.Identity().DisplayName)
	assert.False(t, state.GetFirstRun())
	assert.True(t, ts.model.modalStack.IsEmpty())
	assert.Equal(t, "Display name set to Ada", ts.model.statusMessage)
}

func TestNewModelShowsConnectionFailure(t *testing.T) {
	state := client.NewMockState()
	require.NoError(t, state.SetDisplayName("alice"))
	backend := session.NewMockBackend()
	ctrl := session.NewController(backend, state, nil)
	ctrl.SetCatalog(backend)
	defer ctrl.Close()

	m := NewModel(ctrl, state, "ws://nowhere/ws", nil, errors.New("connection refused"))
	require.Equal(t, modal.ModalConnectionFailed, m.modalStack.TopType())

	ts := &testSetup{model: m, ctrl: ctrl, state: state}
	cmd := ts.key(runeKey('r'))
	require.NotNil(t, cmd)
	assert.True(t, ts.model.modalStack.IsEmpty())

	retry := ts.update(cmd())
	assert.True(t, ts.model.loadingServers)
	require.NotNil(t, retry, "retry reloads the catalog")
	assert.Equal(t, ServersLoadedMsg{}, retry())
}

func TestLoadServersSelectsFirstChannel(t *testing.T) {
	ts := newTestSetup(t, nil)
	ts.loadServers(t)

	snap := ts.model.snap
	assert.Equal(t, int64(1), snap.ServerID)
	assert.Equal(t, int64(10), snap.ChannelID, "channels are ordered by name")
	assert.False(t, ts.model.loadingServers)
	assert.Equal(t, 0, ts.model.serverCursor)
	assert.Equal(t, 0, ts.model.channelCursor)

	view := ts.model.View()
	assert.Contains(t, view, "Home")
	assert.Contains(t, view, "#general")
	assert.Contains(t, view, "#random")
}

func TestLoadServersRestoresLastSelection(t *testing.T) {
	ts := newTestSetup(t, func(state *client.MockState, _ *session.MockBackend) {
		require.NoError(t, state.SaveSelection(2, 20))
	})
	ts.loadServers(t)

	assert.Equal(t, int64(2), ts.model.snap.ServerID)
	assert.Equal(t, int64(20), ts.model.snap.ChannelID)
	assert.Equal(t, 1, ts.model.serverCursor)
}

func TestLoadServersIgnoresUnknownSelection(t *testing.T) {
	ts := newTestSetup(t, func(state *client.MockState, _ *session.MockBackend) {
		require.NoError(t, state.SaveSelection(1, 99))
	})
	ts.loadServers(t)

	assert.Equal(t, int64(1), ts.model.snap.ServerID)
	assert.Equal(t, int64(10), ts.model.snap.ChannelID)
	assert.Empty(t, ts.model.errorMessage)
}

func TestLoadServersFailure(t *testing.T) {
	ts := newTestSetup(t, func(_ *client.MockState, backend *session.MockBackend) {
		backend.SetCatalogError(errors.New("relay unreachable"))
	})
	ts.update(ts.model.loadServers()())

	assert.Contains(t, ts.model.errorMessage, "relay unreachable")
	assert.Equal(t, modal.ModalConnectionFailed, ts.model.modalStack.TopType())
}

func TestSendMessageLifecycle(t *testing.T) {
	ts := newTestSetup(t, nil)
	ts.loadServers(t)

	release := ts.backend.HoldPosts()
	defer release()

	ts.typeText("hello there")
	ts.key(enterKey())
	assert.Empty(t, ts.model.chatTextarea.Value(), "input is cleared after sending")

	ts.sync()
	require.Len(t, ts.model.snap.Messages, 1)
	local := ts.model.snap.Messages[0]
	assert.True(t, local.Pending)
	assert.Equal(t, "alice", local.DisplayName)
	assert.Contains(t, ts.model.buildChatMessages(), "hello there  …")

	release()
	require.Eventually(t, func() bool { return ts.backend.PostedCount() == 1 }, waitFor, tick)

	// The stored row arrives through the subscription and replaces the entry
	ts.subscription(t, 10).Deliver(chat.Message{
		ID:          "srv-1",
		Content:     "hello there",
		DisplayName: "alice",
		UserID:      "mock-user",
		ChannelID:   10,
		CreatedAt:   time.Now(),
	})
	ts.waitUntil(t, func(s session.Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].ID == "srv-1"
	})

	assert.False(t, ts.model.snap.Messages[0].Pending)
	assert.NotContains(t, ts.model.buildChatMessages(), "…")
	assert.Empty(t, ts.notified)
}

func TestSendRequiresActiveChannel(t *testing.T) {
	ts := newTestSetup(t, nil)

	ts.typeText("too early")
	ts.key(enterKey())

	assert.Contains(t, ts.model.errorMessage, session.ErrChannelNotActive.Error())
	assert.Equal(t, "too early", ts.model.chatTextarea.Value(), "input is kept when the send is refused")
}

func TestFailedSendNotifiesOnceAndResends(t *testing.T) {
	ts := newTestSetup(t, nil)
	ts.loadServers(t)
	ts.backend.SetPostError(errors.New("offline"))

	ts.typeText("are you there")
	ts.key(enterKey())
	ts.waitUntil(t, func(s session.Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Failed
	})

	require.Len(t, ts.notified, 1)
	assert.Equal(t, "Message not sent", ts.notified[0].title)
	assert.Contains(t, ts.model.buildChatMessages(), "not sent")

	ts.sync()
	assert.Len(t, ts.notified, 1, "a failure is announced once")

	ts.backend.SetPostError(nil)
	ts.key(tea.KeyMsg{Type: tea.KeyCtrlE})
	assert.Equal(t, "Resending...", ts.model.statusMessage)
	require.Eventually(t, func() bool { return ts.backend.PostedCount() == 1 }, waitFor, tick)
	ts.sync()
	assert.False(t, ts.model.snap.Messages[0].Failed)
}

func TestResendWithoutFailures(t *testing.T) {
	ts := newTestSetup(t, nil)
	ts.loadServers(t)

	ts.key(tea.KeyMsg{Type: tea.KeyCtrlE})
	assert.Equal(t, "No failed messages", ts.model.statusMessage)
}

func TestMentionNotifications(t *testing.T) {
	ts := newTestSetup(t, func(_ *client.MockState, backend *session.MockBackend) {
		backend.SetHistory(10, []chat.Message{
			{ID: "old", Content: "@alice from yesterday", DisplayName: "bob", UserID: "u-bob", ChannelID: 10, CreatedAt: time.Now().Add(-time.Hour)},
		})
	})
	ts.loadServers(t)
	assert.Empty(t, ts.notified, "history is never announced")

	sub := ts.subscription(t, 10)
	deliver := func(id, userID, content string) {
		sub.Deliver(chat.Message{ID: id, Content: content, DisplayName: "bob", UserID: userID, ChannelID: 10, CreatedAt: time.Now()})
		ts.waitUntil(t, func(s session.Snapshot) bool {
			for _, m := range s.Messages {
				if m.ID == id {
					return true
				}
			}
			return false
		})
	}

	deliver("m1", "u-bob", "hey @Alice, got a minute?")
	require.Len(t, ts.notified, 1)
	assert.Equal(t, "relaychat - #general", ts.notified[0].title)
	assert.Equal(t, "bob: hey @Alice, got a minute?", ts.notified[0].body)

	deliver("m2", "u-bob", "ping @alicex")
	deliver("m3", "mock-user", "note to self @alice")
	deliver("m4", "u-bob", "no mention")
	assert.Len(t, ts.notified, 1)
}

func TestPaneNavigation(t *testing.T) {
	ts := newTestSetup(t, nil)
	ts.loadServers(t)
	require.Equal(t, PaneInput, ts.model.focus)

	ts.key(tabKey())
	assert.Equal(t, PaneServers, ts.model.focus)
	assert.False(t, ts.model.chatTextarea.Focused())

	ts.key(downKey())
	assert.Equal(t, 1, ts.model.serverCursor)
	cmd := ts.key(enterKey())
	require.NotNil(t, cmd)
	assert.Equal(t, PaneChannels, ts.model.focus)
	assert.Nil(t, cmd())

	ts.waitUntil(t, func(s session.Snapshot) bool {
		return s.ChannelID == 20 && s.Phase == session.PhaseLive
	})
	assert.Equal(t, int64(2), ts.model.snap.ServerID)
	assert.Contains(t, ts.model.View(), "#standup")

	ts.key(tea.KeyMsg{Type: tea.KeyShiftTab})
	ts.key(tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, 0, ts.model.serverCursor)
	cmd = ts.key(enterKey())
	require.NotNil(t, cmd)
	cmd()
	ts.waitUntil(t, func(s session.Snapshot) bool {
		return s.ChannelID == 10 && s.Phase == session.PhaseLive
	})
	assert.Equal(t, int64(1), ts.model.snap.ServerID)
}

func TestChannelSelection(t *testing.T) {
	ts := newTestSetup(t, nil)
	ts.loadServers(t)

	ts.key(tabKey())
	ts.key(tabKey())
	require.Equal(t, PaneChannels, ts.model.focus)

	ts.key(downKey())
	ts.key(enterKey())
	assert.Equal(t, PaneInput, ts.model.focus)
	ts.waitUntil(t, func(s session.Snapshot) bool {
		return s.ChannelID == 11 && s.Phase == session.PhaseLive
	})
	assert.Equal(t, 1, ts.model.channelCursor)
}

func TestHistoryErrorAndRetry(t *testing.T) {
	ts := newTestSetup(t, func(_ *client.MockState, backend *session.MockBackend) {
		backend.SetHistoryError(errors.New("timeout"))
	})
	ts.update(ts.model.loadServers()())
	ts.waitUntil(t, func(s session.Snapshot) bool { return s.HistoryErr != nil })

	assert.Contains(t, ts.model.View(), "Couldn't load history")

	ts.backend.SetHistoryError(nil)
	ts.key(tea.KeyMsg{Type: tea.KeyCtrlR})
	assert.Equal(t, "Retrying history...", ts.model.statusMessage)
	ts.waitLive(t)
	assert.Nil(t, ts.model.snap.HistoryErr)
}

func TestCreateChannel(t *testing.T) {
	ts := newTestSetup(t, nil)
	ts.loadServers(t)

	ts.key(tabKey())
	ts.key(tabKey())
	ts.key(runeKey('n'))
	require.Equal(t, modal.ModalCreateChannel, ts.model.modalStack.TopType())

	ts.typeText("ops")
	cmd := ts.key(enterKey())
	require.NotNil(t, cmd)
	assert.True(t, ts.model.modalStack.IsEmpty())

	ts.update(cmd())
	assert.Equal(t, "Created #ops", ts.model.statusMessage)
	ts.waitUntil(t, func(s session.Snapshot) bool {
		return s.Phase == session.PhaseLive && len(s.Channels) == 3
	})
	assert.Equal(t, "ops", ts.model.snap.Channels[ts.model.channelCursor].Name)
}

func TestCreateServerOpensGeneral(t *testing.T) {
	ts := newTestSetup(t, nil)
	ts.loadServers(t)

	ts.key(tabKey())
	ts.key(runeKey('n'))
	require.Equal(t, modal.ModalCreateServer, ts.model.modalStack.TopType())
	ts.typeText("Lab")
	cmd := ts.key(enterKey())
	require.NotNil(t, cmd)

	ts.update(cmd())
	assert.Equal(t, "Created server Lab", ts.model.statusMessage)
	ts.waitUntil(t, func(s session.Snapshot) bool {
		return s.Phase == session.PhaseLive && len(s.Channels) == 1 && s.Channels[0].Name == "general"
	})
	assert.Equal(t, "Lab", ts.model.serverName())
	assert.Contains(t, ts.model.View(), "#general")
}

func TestCreateServerError(t *testing.T) {
	ts := newTestSetup(t, nil)
	ts.loadServers(t)
	ts.backend.SetCatalogError(errors.New("read only"))

	ts.key(tabKey())
	ts.key(runeKey('n'))
	require.Equal(t, modal.ModalCreateServer, ts.model.modalStack.TopType())
	ts.typeText("Lab")
	cmd := ts.key(enterKey())
	require.NotNil(t, cmd)

	ts.update(cmd())
	assert.Contains(t, ts.model.errorMessage, "read only")
}

func TestQuitSavesSelection(t *testing.T) {
	ts := newTestSetup(t, nil)
	ts.loadServers(t)

	cmd := ts.key(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())

	server, channel := ts.state.LastSelection()
	assert.Equal(t, int64(1), server)
	assert.Equal(t, int64(10), channel)

	select {
	case <-ts.ctrl.Done():
	default:
		t.Fatal("session should be closed")
	}
}

func TestSessionClosedQuits(t *testing.T) {
	ts := newTestSetup(t, nil)
	ts.ctrl.Close()

	msg := listenForUpdates(ts.ctrl)()
	// A pending update may be delivered first
	if _, ok := msg.(SessionUpdatedMsg); ok {
		msg = listenForUpdates(ts.ctrl)()
	}
	require.IsType(t, SessionClosedMsg{}, msg)
	cmd := ts.update(msg)
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestViewBeforeResize(t *testing.T) {
	ts := newTestSetup(t, nil)
	ts.model.width = 0
	assert.Equal(t, "Loading...", ts.model.View())

	ts.model.width = 120
	assert.True(t, strings.Contains(ts.model.View(), "relaychat"))
}
