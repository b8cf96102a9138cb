package client

import (
	"github.com/aeolun/relaychat/pkg/session"
)

// StateInterface defines the interface for client state persistence
// This allows for mocking in tests while the real State implements all these methods
type StateInterface interface {
	session.IdentityProvider

	// Configuration
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error

	// Identity
	SetDisplayName(name string) error

	// Relay address used on the last start
	GetRelayAddress() string
	SetRelayAddress(addr string) error

	// Last active server and channel
	LastSelection() (serverID, channelID int64)
	SaveSelection(serverID, channelID int64) error

	// First run tracking
	GetFirstRun() bool
	SetFirstRunComplete() error

	// State directory
	GetStateDir() string

	// Close the state
	Close() error
}

var _ StateInterface = (*State)(nil)
