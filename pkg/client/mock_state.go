package client

import (
	"strconv"
	"strings"
	"sync"

	"github.com/aeolun/relaychat/pkg/chat"
)

// MockState is an in-memory test implementation of StateInterface
type MockState struct {
	mu sync.RWMutex

	config map[string]string
	userID string
	dir    string

	// Error injection
	getConfigErr     error
	setConfigErr     error
	saveSelectionErr error
}

// NewMockState creates a new mock state with a fixed user ID
func NewMockState() *MockState {
	return &MockState{
		config: make(map[string]string),
		userID: "mock-user",
		dir:    "/tmp/mock-state",
	}
}

// GetConfig retrieves a configuration value
func (s *MockState) GetConfig(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.getConfigErr != nil {
		return "", s.getConfigErr
	}
	return s.config[key], nil
}

// SetConfig stores a configuration value
func (s *MockState) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setConfigErr != nil {
		return s.setConfigErr
	}
	s.config[key] = value
	return nil
}

// Identity returns the mock user
func (s *MockState) Identity() chat.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return chat.Identity{UserID: s.userID, DisplayName: s.config[keyDisplayName]}
}

// SetDisplayName stores the display name
func (s *MockState) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyDisplayName
	}
	return s.SetConfig(keyDisplayName, name)
}

func (s *MockState) GetRelayAddress() string {
	addr, _ := s.GetConfig(keyRelayAddress)
	return addr
}

func (s *MockState) SetRelayAddress(addr string) error {
	return s.SetConfig(keyRelayAddress, addr)
}

// LastSelection returns the stored server and channel
func (s *MockState) LastSelection() (int64, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	server, _ := strconv.ParseInt(s.config[keyLastServer], 10, 64)
	channel, _ := strconv.ParseInt(s.config[keyLastChannel], 10, 64)
	return server, channel
}

// SaveSelection stores the server and channel
func (s *MockState) SaveSelection(serverID, channelID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveSelectionErr != nil {
		return s.saveSelectionErr
	}
	s.config[keyLastServer] = strconv.FormatInt(serverID, 10)
	s.config[keyLastChannel] = strconv.FormatInt(channelID, 10)
	return nil
}

// GetFirstRun checks if this is the first time running the client
func (s *MockState) GetFirstRun() bool {
	val, _ := s.GetConfig(keyFirstRun)
	return val != "true"
}

// SetFirstRunComplete marks first run as complete
func (s *MockState) SetFirstRunComplete() error {
	return s.SetConfig(keyFirstRun, "true")
}

// GetStateDir returns the directory where state is stored
func (s *MockState) GetStateDir() string {
	return s.dir
}

// Close closes the mock state (no-op for in-memory)
func (s *MockState) Close() error {
	return nil
}

// Test helpers

// SetGetConfigError sets an error to return from GetConfig()
func (s *MockState) SetGetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getConfigErr = err
}

// SetSetConfigError sets an error to return from SetConfig()
func (s *MockState) SetSetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConfigErr = err
}

// SetSaveSelectionError sets an error to return from SaveSelection()
func (s *MockState) SetSaveSelectionError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveSelectionErr = err
}

// SetFirstRun sets the first run state
func (s *MockState) SetFirstRun(firstRun bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if firstRun {
		delete(s.config, keyFirstRun)
	} else {
		s.config[keyFirstRun] = "true"
	}
}

// GetAllConfig returns all config (for testing)
func (s *MockState) GetAllConfig() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]string, len(s.config))
	for k, v := range s.config {
		result[k] = v
	}
	return result
}

var _ StateInterface = (*MockState)(nil)
