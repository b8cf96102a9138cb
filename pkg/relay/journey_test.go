package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const timeout = 2 * time.Second

var (
	alice = chat.Identity{UserID: "u-alice", DisplayName: "alice"}
	bob   = chat.Identity{UserID: "u-bob", DisplayName: "bob"}
)

// ---------------------------------------------------------------------------
// Test relay
// ---------------------------------------------------------------------------

type testRelay struct {
	server  *Server
	http    *httptest.Server
	store   *database.MemDB
	channel chat.Channel
}

// newTestRelay starts a relay over an in-memory store seeded with one server
// and one channel
func newTestRelay(t *testing.T, mutate func(*Config)) *testRelay {
	t.Helper()

	store := database.NewMemDB()
	ctx := context.Background()
	srv, err := store.CreateServer(ctx, "Home", alice.UserID)
	require.NoError(t, err)
	channel, err := store.CreateChannel(ctx, chat.Channel{ServerID: srv.ID, Name: "general", CreatedBy: alice.UserID})
	require.NoError(t, err)

	config := DefaultConfig()
	if mutate != nil {
		mutate(&config)
	}
	server := NewServer(store, config)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		server.Stop()
	})

	return &testRelay{server: server, http: ts, store: store, channel: channel}
}

// ---------------------------------------------------------------------------
// WebSocket client
//
// One binary websocket message carries exactly one frame. A persistent reader
// goroutine decodes them into a channel.
// ---------------------------------------------------------------------------

type wsClient struct {
	conn      *websocket.Conn
	frames    chan *protocol.Frame
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(t *testing.T, r *testRelay) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WS dial %s: %v", url, err)
	}

	c := &wsClient{
		conn:   conn,
		frames: make(chan *protocol.Frame, 64),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.errors <- err
				return
			}
			frame, err := protocol.ParseFrame(data)
			if err != nil {
				c.errors <- err
				return
			}
			c.frames <- frame
		}
	}()
	t.Cleanup(c.close)
	return c
}

func (c *wsClient) send(t *testing.T, msgType uint8, payload interface{}) {
	t.Helper()
	frame, err := protocol.NewFrame(msgType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", protocol.TypeName(msgType), err)
	}
	data, err := frame.Bytes()
	if err != nil {
		t.Fatalf("encode %s: %v", protocol.TypeName(msgType), err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("WS send %s: %v", protocol.TypeName(msgType), err)
	}
}

// expect reads the next frame, asserts its type and decodes it into v
func (c *wsClient) expect(t *testing.T, expectedType uint8, v interface{}) *protocol.Frame {
	t.Helper()
	select {
	case frame := <-c.frames:
		if frame.Type != expectedType {
			t.Fatalf("expected %s, got %s: %s", protocol.TypeName(expectedType), protocol.TypeName(frame.Type), frame.Payload)
		}
		if v != nil {
			if err := frame.Unmarshal(v); err != nil {
				t.Fatalf("decode %s: %v", protocol.TypeName(expectedType), err)
			}
		}
		return frame
	case err := <-c.errors:
		t.Fatalf("expect %s: read error: %v", protocol.TypeName(expectedType), err)
	case <-time.After(timeout):
		t.Fatalf("expect %s: timeout after %v", protocol.TypeName(expectedType), timeout)
	}
	return nil
}

// expectError reads the next frame and asserts it is an error with code
func (c *wsClient) expectError(t *testing.T, code uint16) *protocol.ErrorMessage {
	t.Helper()
	msg := &protocol.ErrorMessage{}
	c.expect(t, protocol.TypeError, msg)
	if msg.Code != code {
		t.Fatalf("expected error code %d, got %d (%s)", code, msg.Code, msg.Message)
	}
	return msg
}

// expectClosed waits for the relay to close the connection
func (c *wsClient) expectClosed(t *testing.T) {
	t.Helper()
	for {
		select {
		case <-c.frames:
		case <-c.errors:
			return
		case <-time.After(timeout):
			t.Fatalf("connection still open after %v", timeout)
		}
	}
}

func (c *wsClient) hello(t *testing.T, identity chat.Identity, password string) {
	t.Helper()
	c.send(t, protocol.TypeHello, &protocol.HelloMessage{
		RequestID:   1,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Password:    password,
		Client:      "test",
	})
	welcome := &protocol.WelcomeMessage{}
	c.expect(t, protocol.TypeWelcome, welcome)
	if welcome.RequestID != 1 {
		t.Fatalf("welcome for request %d", welcome.RequestID)
	}
}

func (c *wsClient) subscribe(t *testing.T, channelID int64) uint64 {
	t.Helper()
	c.send(t, protocol.TypeSubscribe, &protocol.SubscribeMessage{RequestID: 50, ChannelID: channelID})
	resp := &protocol.SubscribedMessage{}
	c.expect(t, protocol.TypeSubscribed, resp)
	return resp.SubscriptionID
}

// sync round-trips a ping so everything the relay queued before it has been read
func (c *wsClient) sync(t *testing.T) {
	t.Helper()
	c.send(t, protocol.TypePing, &protocol.PingMessage{RequestID: 99, Timestamp: 42})
	pong := &protocol.PongMessage{}
	c.expect(t, protocol.TypePong, pong)
	if pong.ClientTimestamp != 42 {
		t.Fatalf("pong echoed %d", pong.ClientTimestamp)
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		for {
			select {
			case <-c.frames:
			case <-c.done:
				return
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHelloIsRequired(t *testing.T) {
	r := newTestRelay(t, nil)
	c := newWSClient(t, r)

	c.send(t, protocol.TypeListServers, &protocol.ListServersMessage{RequestID: 7})
	errMsg := c.expectError(t, protocol.ErrCodeAuthRequired)
	assert.Equal(t, uint64(7), errMsg.RequestID)

	// Ping works before hello
	c.sync(t)

	c.hello(t, alice, "")
	c.send(t, protocol.TypeListServers, &protocol.ListServersMessage{RequestID: 8})
	list := &protocol.ServerListMessage{}
	c.expect(t, protocol.TypeServerList, list)
	assert.Equal(t, uint64(8), list.RequestID)
	require.Len(t, list.Servers, 1)
	assert.Equal(t, "Home", list.Servers[0].Name)
}

func TestHelloValidation(t *testing.T) {
	r := newTestRelay(t, nil)
	c := newWSClient(t, r)

	c.send(t, protocol.TypeHello, &protocol.HelloMessage{RequestID: 1, UserID: "u1", DisplayName: "   "})
	c.expectError(t, protocol.ErrCodeInvalidInput)

	c.hello(t, alice, "")

	c.send(t, protocol.TypeHello, &protocol.HelloMessage{RequestID: 2, UserID: "u1", DisplayName: "again"})
	c.expectError(t, protocol.ErrCodeInvalidInput)
}

func TestHelloPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sesame"), bcrypt.MinCost)
	require.NoError(t, err)
	r := newTestRelay(t, func(c *Config) { c.PasswordHash = hash })

	good := newWSClient(t, r)
	good.hello(t, alice, "sesame")

	bad := newWSClient(t, r)
	bad.send(t, protocol.TypeHello, &protocol.HelloMessage{RequestID: 1, UserID: bob.UserID, DisplayName: bob.DisplayName, Password: "wrong"})
	bad.expectError(t, protocol.ErrCodeAuthFailed)
	bad.expectClosed(t)
}

func TestHandshakeTimeout(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.HandshakeTimeoutSeconds = 1 })
	c := newWSClient(t, r)

	c.expectError(t, protocol.ErrCodeAuthRequired)
	c.expectClosed(t)
}

func TestInvalidFrames(t *testing.T) {
	r := newTestRelay(t, nil)
	c := newWSClient(t, r)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	c.expectError(t, protocol.ErrCodeInvalidFrame)

	require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01}))
	c.expectError(t, protocol.ErrCodeInvalidFrame)

	// Length 3, version 9
	require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x00, 0x00, 0x03, 0x09, protocol.TypePing, 0x00}))
	c.expectError(t, protocol.ErrCodeUnsupportedVersion)

	c.hello(t, alice, "")
	c.send(t, 0x7F, &protocol.PingMessage{RequestID: 3})
	errMsg := c.expectError(t, protocol.ErrCodeUnknownType)
	assert.Equal(t, uint64(3), errMsg.RequestID)
}

func TestCatalog(t *testing.T) {
	r := newTestRelay(t, nil)
	c := newWSClient(t, r)
	c.hello(t, bob, "")

	c.send(t, protocol.TypeCreateServer, &protocol.CreateServerMessage{RequestID: 2, Name: "  Work  ", OwnerID: alice.UserID})
	created := &protocol.ServerCreatedMessage{}
	c.expect(t, protocol.TypeServerCreated, created)
	assert.Equal(t, "Work", created.Server.Name)
	assert.Equal(t, bob.UserID, created.Server.OwnerID, "owner is the session user, not the claimed one")

	c.send(t, protocol.TypeCreateChannel, &protocol.CreateChannelMessage{RequestID: 3, ServerID: created.Server.ID, Name: "standup", Description: "daily", CreatedBy: alice.UserID})
	channel := &protocol.ChannelCreatedMessage{}
	c.expect(t, protocol.TypeChannelCreated, channel)
	assert.Equal(t, "standup", channel.Channel.Name)
	assert.Equal(t, bob.UserID, channel.Channel.CreatedBy, "creator is the session user, not the claimed one")

	c.send(t, protocol.TypeCreateChannel, &protocol.CreateChannelMessage{RequestID: 4, ServerID: created.Server.ID, Name: "standup"})
	c.expectError(t, protocol.ErrCodeInvalidInput)

	c.send(t, protocol.TypeCreateChannel, &protocol.CreateChannelMessage{RequestID: 5, ServerID: 999, Name: "x"})
	c.expectError(t, protocol.ErrCodeServerNotFound)

	c.send(t, protocol.TypeCreateServer, &protocol.CreateServerMessage{RequestID: 6, Name: " "})
	c.expectError(t, protocol.ErrCodeInvalidInput)

	c.send(t, protocol.TypeListChannels, &protocol.ListChannelsMessage{RequestID: 7, ServerID: created.Server.ID})
	list := &protocol.ChannelListMessage{}
	c.expect(t, protocol.TypeChannelList, list)
	require.Len(t, list.Channels, 1)
	assert.Equal(t, channel.Channel.ID, list.Channels[0].ID)

	c.send(t, protocol.TypeListChannels, &protocol.ListChannelsMessage{RequestID: 8, ServerID: 999})
	c.expectError(t, protocol.ErrCodeServerNotFound)
}

func TestPostMessageFansOut(t *testing.T) {
	r := newTestRelay(t, nil)
	a := newWSClient(t, r)
	b := newWSClient(t, r)
	a.hello(t, alice, "")
	b.hello(t, bob, "")

	subA := a.subscribe(t, r.channel.ID)
	subB := b.subscribe(t, r.channel.ID)
	assert.NotEqual(t, subA, subB)

	a.send(t, protocol.TypePostMessage, &protocol.PostMessageMessage{
		RequestID: 10,
		Draft:     chat.Draft{Content: "  hi bob  ", ChannelID: r.channel.ID, UserID: "spoofed", DisplayName: "mallory"},
	})

	// The ack precedes the poster's own insert event
	posted := &protocol.MessagePostedMessage{}
	a.expect(t, protocol.TypeMessagePosted, posted)
	assert.Equal(t, uint64(10), posted.RequestID)
	assert.NotEmpty(t, posted.Message.ID)
	assert.Equal(t, "hi bob", posted.Message.Content)
	assert.Equal(t, alice.UserID, posted.Message.UserID)
	assert.Equal(t, alice.DisplayName, posted.Message.DisplayName)

	evA := &protocol.InsertEventMessage{}
	a.expect(t, protocol.TypeInsertEvent, evA)
	assert.Equal(t, subA, evA.SubscriptionID)
	assert.Equal(t, posted.Message.ID, evA.Message.ID)

	evB := &protocol.InsertEventMessage{}
	b.expect(t, protocol.TypeInsertEvent, evB)
	assert.Equal(t, subB, evB.SubscriptionID)
	assert.Equal(t, posted.Message, evB.Message)
	assert.Equal(t, 2, r.server.hub.SubscriberCount(r.channel.ID))
}

func TestPostMessageValidation(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.MaxMessageLength = 10 })
	c := newWSClient(t, r)
	c.hello(t, alice, "")

	c.send(t, protocol.TypePostMessage, &protocol.PostMessageMessage{RequestID: 1, Draft: chat.Draft{Content: " \n ", ChannelID: r.channel.ID}})
	c.expectError(t, protocol.ErrCodeInvalidInput)

	c.send(t, protocol.TypePostMessage, &protocol.PostMessageMessage{RequestID: 2, Draft: chat.Draft{Content: "this is too long", ChannelID: r.channel.ID}})
	c.expectError(t, protocol.ErrCodeMessageTooLong)

	c.send(t, protocol.TypePostMessage, &protocol.PostMessageMessage{RequestID: 3, Draft: chat.Draft{Content: "ok", ChannelID: 999}})
	c.expectError(t, protocol.ErrCodeChannelNotFound)

	msgs, err := r.store.ListMessages(context.Background(), r.channel.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFetchHistory(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.HistoryLimit = 3 })
	ctx := context.Background()
	for _, content := range []string{"one", "two", "three", "four"} {
		_, err := r.store.InsertMessage(ctx, chat.Draft{Content: content, ChannelID: r.channel.ID, UserID: alice.UserID, DisplayName: alice.DisplayName})
		require.NoError(t, err)
	}

	c := newWSClient(t, r)
	c.hello(t, alice, "")

	c.send(t, protocol.TypeFetchHistory, &protocol.FetchHistoryMessage{RequestID: 4, ChannelID: r.channel.ID})
	history := &protocol.HistoryMessage{}
	c.expect(t, protocol.TypeHistory, history)
	require.Len(t, history.Messages, 3, "capped at the configured limit")
	assert.Equal(t, "two", history.Messages[0].Content)
	assert.Equal(t, "four", history.Messages[2].Content)

	c.send(t, protocol.TypeFetchHistory, &protocol.FetchHistoryMessage{RequestID: 5, ChannelID: r.channel.ID, Limit: 1})
	c.expect(t, protocol.TypeHistory, history)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "four", history.Messages[0].Content)

	c.send(t, protocol.TypeFetchHistory, &protocol.FetchHistoryMessage{RequestID: 6, ChannelID: 999})
	c.expectError(t, protocol.ErrCodeChannelNotFound)
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	r := newTestRelay(t, nil)
	watcher := newWSClient(t, r)
	poster := newWSClient(t, r)
	watcher.hello(t, bob, "")
	poster.hello(t, alice, "")

	sub := watcher.subscribe(t, r.channel.ID)

	watcher.send(t, protocol.TypeUnsubscribe, &protocol.UnsubscribeMessage{RequestID: 2, SubscriptionID: sub})
	resp := &protocol.UnsubscribedMessage{}
	watcher.expect(t, protocol.TypeUnsubscribed, resp)
	assert.Equal(t, sub, resp.SubscriptionID)

	watcher.send(t, protocol.TypeUnsubscribe, &protocol.UnsubscribeMessage{RequestID: 3, SubscriptionID: sub})
	watcher.expectError(t, protocol.ErrCodeNotFound)

	poster.send(t, protocol.TypePostMessage, &protocol.PostMessageMessage{RequestID: 1, Draft: chat.Draft{Content: "anyone?", ChannelID: r.channel.ID}})
	poster.expect(t, protocol.TypeMessagePosted, nil)

	// The pong would arrive after any insert event queued for the watcher
	watcher.sync(t)
}

func TestSubscribeErrors(t *testing.T) {
	r := newTestRelay(t, func(c *Config) { c.MaxSubscriptions = 1 })
	c := newWSClient(t, r)
	c.hello(t, alice, "")

	c.send(t, protocol.TypeSubscribe, &protocol.SubscribeMessage{RequestID: 1, ChannelID: 999})
	c.expectError(t, protocol.ErrCodeChannelNotFound)

	c.subscribe(t, r.channel.ID)
	c.send(t, protocol.TypeSubscribe, &protocol.SubscribeMessage{RequestID: 2, ChannelID: r.channel.ID})
	c.expectError(t, protocol.ErrCodeInvalidInput)
}

func TestDisconnectReleasesSubscriptions(t *testing.T) {
	r := newTestRelay(t, nil)
	c := newWSClient(t, r)
	c.hello(t, alice, "")
	c.subscribe(t, r.channel.ID)
	require.Equal(t, 1, r.server.hub.SubscriberCount(r.channel.ID))

	c.close()

	require.Eventually(t, func() bool {
		return r.server.hub.SubscriberCount(r.channel.ID) == 0 && r.server.sessions.Count() == 0
	}, timeout, 5*time.Millisecond)
}

func TestStopClosesSessions(t *testing.T) {
	r := newTestRelay(t, nil)
	c := newWSClient(t, r)
	c.hello(t, alice, "")

	require.NoError(t, r.server.Stop())
	c.expectClosed(t)

	// Stopping twice is harmless
	require.NoError(t, r.server.Stop())
}
