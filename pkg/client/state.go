package client

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	keyUserID       = "user_id"
	keyDisplayName  = "display_name"
	keyRelayAddress = "relay_address"
	keyLastServer   = "last_server_id"
	keyLastChannel  = "last_channel_id"
	keyFirstRun     = "first_run_complete"
)

// ErrEmptyDisplayName is returned when storing a blank display name
var ErrEmptyDisplayName = errors.New("display name is empty")

// State manages client-side persistent state
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored

	// Identity is read on every send; keep a copy instead of querying
	mu       sync.RWMutex
	identity chat.Identity
}

// OpenState opens or creates the client state database. A user ID is
// generated on first open and never changes afterwards.
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	db.SetMaxOpenConns(1) // Client only needs one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS Config (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create config table: %w", err)
	}

	state := &State{db: db, dir: dir}
	if err := state.loadIdentity(); err != nil {
		db.Close()
		return nil, err
	}
	return state, nil
}

func (s *State) loadIdentity() error {
	userID, err := s.GetConfig(keyUserID)
	if err != nil {
		return fmt.Errorf("failed to read user ID: %w", err)
	}
	if userID == "" {
		userID = uuid.NewString()
		if err := s.SetConfig(keyUserID, userID); err != nil {
			return fmt.Errorf("failed to store user ID: %w", err)
		}
	}
	name, err := s.GetConfig(keyDisplayName)
	if err != nil {
		return fmt.Errorf("failed to read display name: %w", err)
	}

	s.mu.Lock()
	s.identity = chat.Identity{UserID: userID, DisplayName: name}
	s.mu.Unlock()
	return nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetConfig retrieves a configuration value
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// Identity returns the signed-in user. DisplayName is empty until
// SetDisplayName has been called once.
func (s *State) Identity() chat.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// SetDisplayName stores the name shown next to this user's messages
func (s *State) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyDisplayName
	}
	if err := s.SetConfig(keyDisplayName, name); err != nil {
		return err
	}
	s.mu.Lock()
	s.identity.DisplayName = name
	s.mu.Unlock()
	return nil
}

// GetRelayAddress returns the last relay the client connected to
func (s *State) GetRelayAddress() string {
	addr, _ := s.GetConfig(keyRelayAddress)
	return addr
}

// SetRelayAddress stores the relay address for the next start
func (s *State) SetRelayAddress(addr string) error {
	return s.SetConfig(keyRelayAddress, addr)
}

// LastSelection returns the server and channel that were active when the
// client last quit. Zero means none.
func (s *State) LastSelection() (serverID, channelID int64) {
	return s.getInt(keyLastServer), s.getInt(keyLastChannel)
}

// SaveSelection records the active server and channel
func (s *State) SaveSelection(serverID, channelID int64) error {
	if err := s.SetConfig(keyLastServer, strconv.FormatInt(serverID, 10)); err != nil {
		return err
	}
	return s.SetConfig(keyLastChannel, strconv.FormatInt(channelID, 10))
}

func (s *State) getInt(key string) int64 {
	raw, _ := s.GetConfig(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// GetFirstRun checks if this is the first time running the client
func (s *State) GetFirstRun() bool {
	val, _ := s.GetConfig(keyFirstRun)
	return val != "true"
}

// SetFirstRunComplete marks first run as complete
func (s *State) SetFirstRunComplete() error {
	return s.SetConfig(keyFirstRun, "true")
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}
