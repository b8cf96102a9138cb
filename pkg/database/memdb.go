package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/google/uuid"
)

// MemDB is an in-memory store for tests and throwaway relays
type MemDB struct {
	mu sync.RWMutex

	servers  map[int64]chat.Server
	channels map[int64]chat.Channel
	messages map[string]chat.Message

	// Indexes for fast lookups
	channelsByServer  map[int64][]int64  // serverID -> channelIDs
	messagesByChannel map[int64][]string // channelID -> messageIDs in insertion order

	nextServerID  int64
	nextChannelID int64

	// now stamps new rows; tests replace it for deterministic timestamps
	now func() time.Time
}

// NewMemDB creates an empty in-memory store
func NewMemDB() *MemDB {
	return &MemDB{
		servers:           make(map[int64]chat.Server),
		channels:          make(map[int64]chat.Channel),
		messages:          make(map[string]chat.Message),
		channelsByServer:  make(map[int64][]int64),
		messagesByChannel: make(map[int64][]string),
		nextServerID:      1,
		nextChannelID:     1,
		now:               time.Now,
	}
}

// SetClock overrides the clock used to stamp rows
func (m *MemDB) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemDB) stamp() time.Time {
	return m.now().UTC().Truncate(time.Millisecond)
}

// Close is a no-op
func (m *MemDB) Close() error {
	return nil
}

func (m *MemDB) ListServers(ctx context.Context) ([]chat.Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	servers := make([]chat.Server, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool {
		if !servers[i].CreatedAt.Equal(servers[j].CreatedAt) {
			return servers[i].CreatedAt.Before(servers[j].CreatedAt)
		}
		return servers[i].ID < servers[j].ID
	})
	return servers, nil
}

func (m *MemDB) CreateServer(ctx context.Context, name, ownerID string) (chat.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := chat.Server{ID: m.nextServerID, Name: name, OwnerID: ownerID, CreatedAt: m.stamp()}
	m.nextServerID++
	m.servers[s.ID] = s
	return s, nil
}

func (m *MemDB) ListChannels(ctx context.Context, serverID int64) ([]chat.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.servers[serverID]; !ok {
		return nil, ErrServerNotFound
	}
	channels := make([]chat.Channel, 0, len(m.channelsByServer[serverID]))
	for _, id := range m.channelsByServer[serverID] {
		channels = append(channels, m.channels[id])
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	return channels, nil
}

func (m *MemDB) GetChannel(ctx context.Context, channelID int64) (chat.Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[channelID]
	if !ok {
		return chat.Channel{}, ErrChannelNotFound
	}
	return ch, nil
}

func (m *MemDB) CreateChannel(ctx context.Context, channel chat.Channel) (chat.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[channel.ServerID]; !ok {
		return chat.Channel{}, ErrServerNotFound
	}
	for _, id := range m.channelsByServer[channel.ServerID] {
		if m.channels[id].Name == channel.Name {
			return chat.Channel{}, ErrChannelExists
		}
	}

	channel.ID = m.nextChannelID
	channel.CreatedAt = m.stamp()
	m.nextChannelID++
	m.channels[channel.ID] = channel
	m.channelsByServer[channel.ServerID] = append(m.channelsByServer[channel.ServerID], channel.ID)
	return channel, nil
}

func (m *MemDB) ListMessages(ctx context.Context, channelID int64, limit int) ([]chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.channels[channelID]; !ok {
		return nil, ErrChannelNotFound
	}

	ids := m.messagesByChannel[channelID]
	messages := make([]chat.Message, len(ids))
	for i, id := range ids {
		messages[i] = m.messages[id]
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (m *MemDB) InsertMessage(ctx context.Context, draft chat.Draft) (chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[draft.ChannelID]; !ok {
		return chat.Message{}, ErrChannelNotFound
	}

	msg := chat.Message{
		ID:          uuid.NewString(),
		Content:     draft.Content,
		DisplayName: draft.DisplayName,
		UserID:      draft.UserID,
		ChannelID:   draft.ChannelID,
		CreatedAt:   m.stamp(),
	}
	m.messages[msg.ID] = msg
	m.messagesByChannel[msg.ChannelID] = append(m.messagesByChannel[msg.ChannelID], msg.ID)
	return msg, nil
}
