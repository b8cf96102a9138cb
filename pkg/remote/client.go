// Package remote talks to a relay over its websocket protocol and adapts it
// to the session backend interfaces.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/aeolun/relaychat/pkg/session"
	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
	// ErrConnectionLost ends requests and subscriptions when the websocket drops.
	ErrConnectionLost = errors.New("connection lost")
	// ErrUnexpectedResponse means the relay answered with the wrong message type.
	ErrUnexpectedResponse = errors.New("unexpected response")
)

const (
	defaultRequestTimeout = 10 * time.Second
	writeWait             = 10 * time.Second
	// The relay pings every 54s
	readWait = 75 * time.Second
)

// Options configures a Client
type Options struct {
	// URL of the relay, e.g. ws://localhost:8080/ws. See NormalizeURL.
	URL string
	// Identity is read on every dial so a renamed user says hello with the
	// new name after the next reconnect
	Identity session.IdentityProvider
	Password string
	// ClientName is reported in hello
	ClientName string
	// HistoryLimit is sent with every history request; zero lets the relay decide
	HistoryLimit   int
	RequestTimeout time.Duration
	Logger         *log.Logger
	Dialer         *websocket.Dialer
}

// Client is a relay connection that dials lazily and redials on the next
// call after the websocket drops. It implements session.Backend,
// session.EchoWriter and session.Catalog.
type Client struct {
	opts   Options
	url    string
	nextID atomic.Uint64

	mu      sync.Mutex
	current *connection
	closed  bool
	welcome protocol.WelcomeMessage
}

var (
	_ session.Backend    = (*Client)(nil)
	_ session.EchoWriter = (*Client)(nil)
	_ session.Catalog    = (*Client)(nil)
)

// New creates a client. Nothing is dialed until the first call.
func New(opts Options) (*Client, error) {
	u, err := NormalizeURL(opts.URL)
	if err != nil {
		return nil, err
	}
	if opts.Identity == nil {
		return nil, session.ErrNoIdentity
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ClientName == "" {
		opts.ClientName = "relaychat"
	}
	return &Client{opts: opts, url: u}, nil
}

// NormalizeURL turns a relay address into a websocket URL. It accepts
// host:port, http(s):// and ws(s):// forms; a missing path becomes /ws.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("relay address is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relay address %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid relay address %q: missing host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.opts.Logger != nil {
		c.opts.Logger.Printf(format, args...)
	}
}

// URL returns the normalized relay URL
func (c *Client) URL() string {
	return c.url
}

// ServerName returns the name from the last welcome, empty before connecting
func (c *Client) ServerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome.ServerName
}

// Connected reports whether a live websocket exists
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && !c.current.isDone()
}

// Connect dials and says hello unless a live connection exists
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

// connection returns the live connection, dialing a new one if needed. The
// lock is held across the dial so concurrent callers share one connection.
func (c *Client) connection(ctx context.Context) (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.current != nil && !c.current.isDone() {
		return c.current, nil
	}
	identity := c.opts.Identity.Identity()
	if !identity.Valid() {
		return nil, session.ErrNoIdentity
	}

	ws, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn := newConnection(ws, c.logf)
	go conn.readLoop()

	welcome := &protocol.WelcomeMessage{}
	hello := &protocol.HelloMessage{
		RequestID:   c.nextID.Add(1),
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Password:    c.opts.Password,
		Client:      c.opts.ClientName,
	}
	if err := c.roundTrip(ctx, conn, hello.RequestID, protocol.TypeHello, hello, protocol.TypeWelcome, welcome); err != nil {
		conn.close(err)
		return nil, fmt.Errorf("hello: %w", err)
	}

	c.logf("Connected to %s (%s, protocol v%d)", c.url, welcome.ServerName, welcome.ProtocolVersion)
	c.current = conn
	c.welcome = *welcome
	return conn, nil
}

// roundTrip sends payload as request id and decodes the reply into out. An
// error reply is returned as *protocol.ErrorMessage.
func (c *Client) roundTrip(ctx context.Context, conn *connection, id uint64, reqType uint8, payload interface{}, respType uint8, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	reply := conn.expect(id)
	defer conn.forget(id)

	if err := conn.send(reqType, payload); err != nil {
		return err
	}

	select {
	case frame := <-reply:
		if frame.Type == protocol.TypeError {
			relayErr := &protocol.ErrorMessage{}
			if err := frame.Unmarshal(relayErr); err != nil {
				return err
			}
			return relayErr
		}
		if frame.Type != respType {
			return fmt.Errorf("%w: %s to %s", ErrUnexpectedResponse, protocol.TypeName(frame.Type), protocol.TypeName(reqType))
		}
		if out == nil {
			return nil
		}
		return frame.Unmarshal(out)
	case <-conn.done:
		return conn.failure()
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", protocol.TypeName(reqType), ctx.Err())
	}
}

// request runs one round trip on the live connection
func (c *Client) request(ctx context.Context, reqType uint8, build func(id uint64) interface{}, respType uint8, out interface{}) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}
	id := c.nextID.Add(1)
	return c.roundTrip(ctx, conn, id, reqType, build(id), respType, out)
}

// Close ends the connection and every subscription on it
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.current
	c.current = nil
	c.closed = true
	c.mu.Unlock()

	if conn != nil {
		conn.close(nil)
	}
	return nil
}

// Ping measures the round trip to the relay
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := c.request(ctx, protocol.TypePing, func(id uint64) interface{} {
		return &protocol.PingMessage{RequestID: id, Timestamp: start.UnixMilli()}
	}, protocol.TypePong, nil)
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// FetchHistory returns the newest messages of a channel, oldest first
func (c *Client) FetchHistory(ctx context.Context, channelID int64) ([]chat.Message, error) {
	resp := &protocol.HistoryMessage{}
	err := c.request(ctx, protocol.TypeFetchHistory, func(id uint64) interface{} {
		return &protocol.FetchHistoryMessage{RequestID: id, ChannelID: channelID, Limit: c.opts.HistoryLimit}
	}, protocol.TypeHistory, resp)
	if err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		resp.Messages = []chat.Message{}
	}
	return resp.Messages, nil
}

// PostMessage stores draft on the relay
func (c *Client) PostMessage(ctx context.Context, draft chat.Draft) error {
	_, err := c.PostMessageEcho(ctx, draft)
	return err
}

// PostMessageEcho stores draft and returns the stored row
func (c *Client) PostMessageEcho(ctx context.Context, draft chat.Draft) (chat.Message, error) {
	resp := &protocol.MessagePostedMessage{}
	err := c.request(ctx, protocol.TypePostMessage, func(id uint64) interface{} {
		return &protocol.PostMessageMessage{RequestID: id, Draft: draft}
	}, protocol.TypeMessagePosted, resp)
	if err != nil {
		return chat.Message{}, err
	}
	return resp.Message, nil
}

// Subscribe opens a live feed of inserts into channelID. The subscription
// ends with ErrConnectionLost if the websocket drops.
func (c *Client) Subscribe(ctx context.Context, channelID int64) (session.Subscription, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	resp := &protocol.SubscribedMessage{}
	err = c.roundTrip(ctx, conn, id, protocol.TypeSubscribe, &protocol.SubscribeMessage{
		RequestID: id,
		ChannelID: channelID,
	}, protocol.TypeSubscribed, resp)
	if err != nil {
		// The reply may have landed just as we stopped waiting. Later
		// replies are orphans, which dispatch releases itself.
		if conn.abandon(id) {
			c.logf("Released subscription for abandoned request %d", id)
		}
		return nil, err
	}

	sub, ok := conn.subscription(resp.SubscriptionID)
	if !ok {
		if conn.isDone() {
			return nil, conn.failure()
		}
		return nil, fmt.Errorf("subscription %d ended before it was returned", resp.SubscriptionID)
	}
	c.logf("Subscribed to channel %d (subscription %d)", channelID, resp.SubscriptionID)
	return sub, nil
}

// ListServers returns every server on the relay
func (c *Client) ListServers(ctx context.Context) ([]chat.Server, error) {
	resp := &protocol.ServerListMessage{}
	err := c.request(ctx, protocol.TypeListServers, func(id uint64) interface{} {
		return &protocol.ListServersMessage{RequestID: id}
	}, protocol.TypeServerList, resp)
	if err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// ListChannels returns the channels of a server
func (c *Client) ListChannels(ctx context.Context, serverID int64) ([]chat.Channel, error) {
	resp := &protocol.ChannelListMessage{}
	err := c.request(ctx, protocol.TypeListChannels, func(id uint64) interface{} {
		return &protocol.ListChannelsMessage{RequestID: id, ServerID: serverID}
	}, protocol.TypeChannelList, resp)
	if err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// CreateServer creates a server owned by ownerID
func (c *Client) CreateServer(ctx context.Context, name, ownerID string) (chat.Server, error) {
	resp := &protocol.ServerCreatedMessage{}
	err := c.request(ctx, protocol.TypeCreateServer, func(id uint64) interface{} {
		return &protocol.CreateServerMessage{RequestID: id, Name: name, OwnerID: ownerID}
	}, protocol.TypeServerCreated, resp)
	if err != nil {
		return chat.Server{}, err
	}
	return resp.Server, nil
}

// CreateChannel creates a channel in channel.ServerID
func (c *Client) CreateChannel(ctx context.Context, channel chat.Channel) (chat.Channel, error) {
	resp := &protocol.ChannelCreatedMessage{}
	err := c.request(ctx, protocol.TypeCreateChannel, func(id uint64) interface{} {
		return &protocol.CreateChannelMessage{
			RequestID:   id,
			ServerID:    channel.ServerID,
			Name:        channel.Name,
			Description: channel.Description,
			CreatedBy:   channel.CreatedBy,
		}
	}, protocol.TypeChannelCreated, resp)
	if err != nil {
		return chat.Channel{}, err
	}
	return resp.Channel, nil
}
