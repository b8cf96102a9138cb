package database

import (
	"context"
	"errors"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
)

var (
	// ErrServerNotFound indicates the server does not exist.
	ErrServerNotFound = errors.New("server not found")
	// ErrChannelNotFound indicates the channel does not exist.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrChannelExists indicates a channel with the same name exists in the server.
	ErrChannelExists = errors.New("channel name already taken in this server")
)

// Store persists servers, channels and messages for the relay.
type Store interface {
	ListServers(ctx context.Context) ([]chat.Server, error)
	CreateServer(ctx context.Context, name, ownerID string) (chat.Server, error)

	ListChannels(ctx context.Context, serverID int64) ([]chat.Channel, error)
	GetChannel(ctx context.Context, channelID int64) (chat.Channel, error)
	CreateChannel(ctx context.Context, channel chat.Channel) (chat.Channel, error)

	// ListMessages returns the newest limit messages of a channel, oldest first.
	ListMessages(ctx context.Context, channelID int64, limit int) ([]chat.Message, error)
	// InsertMessage stores draft under a fresh UUID and returns the stored row.
	InsertMessage(ctx context.Context, draft chat.Draft) (chat.Message, error)

	Close() error
}

// Open opens the store named by driver: "sqlite" (dsn is a file path),
// "postgres" (dsn is a connection string) or "memory".
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return OpenSQLite(dsn)
	case "postgres":
		return OpenPostgres(dsn)
	case "memory":
		return NewMemDB(), nil
	default:
		return nil, errors.New("unknown database driver: " + driver)
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
