package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aeolun/relaychat/pkg/chat"
)

var (
	// ErrNoCatalog is returned by navigation calls when no catalog is configured.
	ErrNoCatalog = errors.New("no catalog configured")
	// ErrUnknownChannel is returned when selecting a channel outside the selected server.
	ErrUnknownChannel = errors.New("channel does not belong to the selected server")
	// ErrEmptyName is returned when creating a server or channel without a name.
	ErrEmptyName = errors.New("name is empty")
)

func (c *Controller) getCatalog() (Catalog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.catalog == nil {
		return nil, ErrNoCatalog
	}
	return c.catalog, nil
}

// LoadServers refreshes the server list, oldest first. If the selected server
// is no longer listed the first one is selected.
func (c *Controller) LoadServers(ctx context.Context) ([]chat.Server, error) {
	catalog, err := c.getCatalog()
	if err != nil {
		return nil, err
	}

	servers, err := catalog.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	sort.SliceStable(servers, func(i, j int) bool {
		return servers[i].CreatedAt.Before(servers[j].CreatedAt)
	})

	c.mu.Lock()
	c.servers = servers
	selected := c.serverID
	c.mu.Unlock()
	c.notify()

	if len(servers) == 0 {
		return servers, nil
	}
	for _, s := range servers {
		if s.ID == selected {
			return servers, nil
		}
	}
	return servers, c.SelectServer(ctx, servers[0].ID)
}

// SelectServer loads the channels of serverID, ordered by name, and activates
// the first one. A server without channels leaves the session idle.
func (c *Controller) SelectServer(ctx context.Context, serverID int64) error {
	catalog, err := c.getCatalog()
	if err != nil {
		return err
	}

	channels, err := catalog.ListChannels(ctx, serverID)
	if err != nil {
		return fmt.Errorf("list channels of server %d: %w", serverID, err)
	}
	if channels == nil {
		channels = []chat.Channel{}
	}
	sort.SliceStable(channels, func(i, j int) bool {
		return channels[i].Name < channels[j].Name
	})

	c.mu.Lock()
	c.serverID = serverID
	c.channels = channels
	c.mu.Unlock()
	c.logf("Selected server %d (%d channels)", serverID, len(channels))

	if len(channels) == 0 {
		c.Deselect()
		return nil
	}
	return c.SelectChannel(channels[0].ID)
}

// Every new server gets this channel so there is somewhere to talk.
const (
	DefaultChannelName        = "general"
	DefaultChannelDescription = "Generally General"
)

// CreateServer creates a server owned by the current identity, adds the
// default channel and selects it. If only the channel fails the server is
// still returned and selected, along with the error.
func (c *Controller) CreateServer(ctx context.Context, name string) (chat.Server, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chat.Server{}, ErrEmptyName
	}
	if c.identity == nil {
		return chat.Server{}, ErrNoIdentity
	}
	catalog, err := c.getCatalog()
	if err != nil {
		return chat.Server{}, err
	}

	server, err := catalog.CreateServer(ctx, name, c.identity.Identity().UserID)
	if err != nil {
		return chat.Server{}, fmt.Errorf("create server %q: %w", name, err)
	}

	c.mu.Lock()
	c.servers = append(c.servers, server)
	c.mu.Unlock()

	_, chErr := catalog.CreateChannel(ctx, chat.Channel{
		ServerID:    server.ID,
		Name:        DefaultChannelName,
		Description: DefaultChannelDescription,
		CreatedBy:   c.identity.Identity().UserID,
	})
	if err := c.SelectServer(ctx, server.ID); err != nil {
		return server, err
	}
	if chErr != nil {
		return server, fmt.Errorf("server created but failed to create %s channel: %w", DefaultChannelName, chErr)
	}
	return server, nil
}

// CreateChannel creates a channel in the selected server and activates it.
func (c *Controller) CreateChannel(ctx context.Context, name, description string) (chat.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chat.Channel{}, ErrEmptyName
	}
	if c.identity == nil {
		return chat.Channel{}, ErrNoIdentity
	}
	catalog, err := c.getCatalog()
	if err != nil {
		return chat.Channel{}, err
	}

	c.mu.Lock()
	serverID := c.serverID
	c.mu.Unlock()
	if serverID == 0 {
		return chat.Channel{}, errors.New("no server selected")
	}

	channel, err := catalog.CreateChannel(ctx, chat.Channel{
		ServerID:    serverID,
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedBy:   c.identity.Identity().UserID,
	})
	if err != nil {
		return chat.Channel{}, fmt.Errorf("create channel %q: %w", name, err)
	}

	c.mu.Lock()
	if c.serverID == serverID {
		c.channels = append(c.channels, channel)
		sort.SliceStable(c.channels, func(i, j int) bool {
			return c.channels[i].Name < c.channels[j].Name
		})
	}
	c.mu.Unlock()

	return channel, c.SelectChannel(channel.ID)
}

func containsChannel(channels []chat.Channel, id int64) bool {
	for _, ch := range channels {
		if ch.ID == id {
			return true
		}
	}
	return false
}
