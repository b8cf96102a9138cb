package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/google/uuid"
)

// MockBackend is a test implementation of Backend and Catalog
type MockBackend struct {
	mu sync.Mutex

	// Data
	history  map[int64][]chat.Message
	servers  []chat.Server
	channels map[int64][]chat.Channel
	nextID   int64

	// Error injection
	historyErr   error
	postErr      error
	subscribeErr error
	catalogErr   error
	channelErr   error

	// Gates hold calls until released, to control interleavings
	historyGates map[int64]chan struct{}
	postGate     chan struct{}

	// Recorded calls
	Posted        []chat.Draft
	HistoryCalls  map[int64]int
	subscriptions []*MockSubscription
}

// NewMockBackend creates an empty mock backend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		history:      make(map[int64][]chat.Message),
		channels:     make(map[int64][]chat.Channel),
		historyGates: make(map[int64]chan struct{}),
		HistoryCalls: make(map[int64]int),
		nextID:       1,
	}
}

// FetchHistory returns the configured history for channelID
func (m *MockBackend) FetchHistory(ctx context.Context, channelID int64) ([]chat.Message, error) {
	m.mu.Lock()
	m.HistoryCalls[channelID]++
	gate := m.historyGates[channelID]
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return append([]chat.Message(nil), m.history[channelID]...), nil
}

// PostMessage records the draft
func (m *MockBackend) PostMessage(ctx context.Context, draft chat.Draft) error {
	m.mu.Lock()
	gate := m.postGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return m.postErr
	}
	m.Posted = append(m.Posted, draft)
	return nil
}

// Subscribe opens a mock subscription
func (m *MockBackend) Subscribe(ctx context.Context, channelID int64) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	sub := newMockSubscription(channelID)
	m.subscriptions = append(m.subscriptions, sub)
	return sub, nil
}

// ListServers returns the configured servers
func (m *MockBackend) ListServers(ctx context.Context) ([]chat.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.catalogErr != nil {
		return nil, m.catalogErr
	}
	return append([]chat.Server(nil), m.servers...), nil
}

// ListChannels returns the configured channels of serverID
func (m *MockBackend) ListChannels(ctx context.Context, serverID int64) ([]chat.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.catalogErr != nil {
		return nil, m.catalogErr
	}
	return append([]chat.Channel(nil), m.channels[serverID]...), nil
}

// CreateServer adds a server
func (m *MockBackend) CreateServer(ctx context.Context, name, ownerID string) (chat.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.catalogErr != nil {
		return chat.Server{}, m.catalogErr
	}
	server := chat.Server{ID: m.nextID, Name: name, OwnerID: ownerID, CreatedAt: time.Now()}
	m.nextID++
	m.servers = append(m.servers, server)
	return server, nil
}

// CreateChannel adds a channel
func (m *MockBackend) CreateChannel(ctx context.Context, channel chat.Channel) (chat.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.catalogErr != nil {
		return chat.Channel{}, m.catalogErr
	}
	if m.channelErr != nil {
		return chat.Channel{}, m.channelErr
	}
	channel.ID = m.nextID
	channel.CreatedAt = time.Now()
	m.nextID++
	m.channels[channel.ServerID] = append(m.channels[channel.ServerID], channel)
	return channel, nil
}

// Test helpers

// SetHistory sets the history returned for channelID
func (m *MockBackend) SetHistory(channelID int64, msgs []chat.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[channelID] = msgs
}

// AddServer registers a server and its channels
func (m *MockBackend) AddServer(server chat.Server, channels ...chat.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = append(m.servers, server)
	for _, ch := range channels {
		ch.ServerID = server.ID
		m.channels[server.ID] = append(m.channels[server.ID], ch)
	}
	if server.ID >= m.nextID {
		m.nextID = server.ID + 1
	}
}

// SetHistoryError sets an error to return from FetchHistory
func (m *MockBackend) SetHistoryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyErr = err
}

// SetPostError sets an error to return from PostMessage
func (m *MockBackend) SetPostError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postErr = err
}

// SetSubscribeError sets an error to return from Subscribe
func (m *MockBackend) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// SetCatalogError sets an error to return from every catalog call
func (m *MockBackend) SetCatalogError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalogErr = err
}

// SetCreateChannelError sets an error to return from CreateChannel only
func (m *MockBackend) SetCreateChannelError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelErr = err
}

// HoldHistory blocks FetchHistory for channelID until the returned func is called
func (m *MockBackend) HoldHistory(channelID int64) (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.historyGates[channelID] = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.historyGates, channelID)
			m.mu.Unlock()
			close(gate)
		})
	}
}

// HoldPosts blocks PostMessage until the returned func is called
func (m *MockBackend) HoldPosts() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.postGate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.postGate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Subscriptions returns every subscription opened for channelID, oldest first
func (m *MockBackend) Subscriptions(channelID int64) []*MockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MockSubscription
	for _, s := range m.subscriptions {
		if s.ChannelID == channelID {
			out = append(out, s)
		}
	}
	return out
}

// OpenSubscriptions returns the number of subscriptions not yet closed
func (m *MockBackend) OpenSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := 0
	for _, s := range m.subscriptions {
		if !s.IsClosed() {
			open++
		}
	}
	return open
}

// PostedCount returns the number of successful writes
func (m *MockBackend) PostedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Posted)
}

// MockSubscription is a Subscription driven by tests
type MockSubscription struct {
	ChannelID int64

	mu     sync.Mutex
	events chan chat.Message
	closed bool
	err    error
}

func newMockSubscription(channelID int64) *MockSubscription {
	return &MockSubscription{
		ChannelID: channelID,
		events:    make(chan chat.Message, 256),
	}
}

// Events returns the event channel
func (s *MockSubscription) Events() <-chan chat.Message {
	return s.events
}

// Err returns the reason the subscription ended
func (s *MockSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription
func (s *MockSubscription) Close() error {
	s.end(nil)
	return nil
}

// Deliver pushes an insert event. It reports false if the subscription is closed.
func (s *MockSubscription) Deliver(msg chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- msg
	return true
}

// Drop ends the subscription with err, as a lost connection would
func (s *MockSubscription) Drop(err error) {
	s.end(err)
}

// IsClosed reports whether the subscription has ended
func (s *MockSubscription) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockSubscription) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

// MockEchoBackend is a MockBackend whose writes return the stored row
type MockEchoBackend struct {
	*MockBackend
	clock func() time.Time
}

// NewMockEchoBackend creates an echoing mock backend stamping rows with clock
func NewMockEchoBackend(clock func() time.Time) *MockEchoBackend {
	return &MockEchoBackend{MockBackend: NewMockBackend(), clock: clock}
}

// PostMessageEcho records the draft and returns the stored row
func (m *MockEchoBackend) PostMessageEcho(ctx context.Context, draft chat.Draft) (chat.Message, error) {
	if err := m.PostMessage(ctx, draft); err != nil {
		return chat.Message{}, err
	}
	return chat.Message{
		ID:          fmt.Sprintf("srv-%s", uuid.NewString()),
		Content:     draft.Content,
		DisplayName: draft.DisplayName,
		UserID:      draft.UserID,
		ChannelID:   draft.ChannelID,
		CreatedAt:   m.clock(),
	}, nil
}
