package session

import (
	"context"

	"github.com/aeolun/relaychat/pkg/chat"
)

// HistoryQuerier returns the persisted messages of a channel, oldest first.
type HistoryQuerier interface {
	FetchHistory(ctx context.Context, channelID int64) ([]chat.Message, error)
}

// Writer persists a new message. Success does not carry the stored row; the
// row is observed through the feed.
type Writer interface {
	PostMessage(ctx context.Context, draft chat.Draft) error
}

// EchoWriter is implemented by writers that can return the stored row. When
// the backend implements it the controller correlates the optimistic entry by
// ID instead of by content and time.
type EchoWriter interface {
	PostMessageEcho(ctx context.Context, draft chat.Draft) (chat.Message, error)
}

// Subscription is a live stream of inserts for one channel. Delivery is
// at-least-once with no ordering guarantee relative to FetchHistory.
type Subscription interface {
	// Events is closed when the subscription ends.
	Events() <-chan chat.Message
	// Err reports why Events was closed, nil after a requested Close.
	Err() error
	// Close ends the subscription. It must not wait for Events to be drained.
	Close() error
}

// Feed opens subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, channelID int64) (Subscription, error)
}

// Backend is everything the controller needs for a channel session.
type Backend interface {
	HistoryQuerier
	Writer
	Feed
}

// IdentityProvider supplies the signed-in user.
type IdentityProvider interface {
	Identity() chat.Identity
}

// Catalog lists and creates servers and channels.
type Catalog interface {
	ListServers(ctx context.Context) ([]chat.Server, error)
	ListChannels(ctx context.Context, serverID int64) ([]chat.Channel, error)
	CreateServer(ctx context.Context, name, ownerID string) (chat.Server, error)
	CreateChannel(ctx context.Context, channel chat.Channel) (chat.Channel, error)
}

// StaticIdentity is an IdentityProvider that never changes.
type StaticIdentity chat.Identity

// Identity returns the fixed identity.
func (s StaticIdentity) Identity() chat.Identity {
	return chat.Identity(s)
}
