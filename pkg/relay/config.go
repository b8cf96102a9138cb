package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the relay config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Database DatabaseSection `toml:"database"`
	Limits   LimitsSection   `toml:"limits"`
}

type ServerSection struct {
	HTTPAddr   string `toml:"http_addr"`
	ServerName string `toml:"server_name"`
	// Password is a shared secret every client must present in Hello.
	// Either a bcrypt hash or plain text, which is hashed at startup.
	Password string `toml:"password"`
}

type DatabaseSection struct {
	Driver string `toml:"driver"` // sqlite, postgres or memory
	Path   string `toml:"path"`   // sqlite file
	DSN    string `toml:"dsn"`    // postgres connection string
}

type LimitsSection struct {
	MaxMessageLength        int `toml:"max_message_length"`
	HistoryLimit            int `toml:"history_limit"`
	MaxSubscriptions        int `toml:"max_subscriptions"`
	SendQueueSize           int `toml:"send_queue_size"`
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPAddr:   ":8080",
			ServerName: "relaychat",
		},
		Database: DatabaseSection{
			Driver: "sqlite",
			Path:   "~/.relaychat/relay.db",
		},
		Limits: LimitsSection{
			MaxMessageLength:        4096,
			HistoryLimit:            200,
			MaxSubscriptions:        16,
			SendQueueSize:           256,
			HandshakeTimeoutSeconds: 10,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only location is not fatal, the defaults still apply
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: RELAYCHAT_SECTION_KEY
// Example: RELAYCHAT_SERVER_HTTP_ADDR=:9000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	if val := os.Getenv("RELAYCHAT_SERVER_HTTP_ADDR"); val != "" {
		config.Server.HTTPAddr = val
	}
	if val := os.Getenv("RELAYCHAT_SERVER_SERVER_NAME"); val != "" {
		config.Server.ServerName = val
	}
	if val := os.Getenv("RELAYCHAT_SERVER_PASSWORD"); val != "" {
		config.Server.Password = val
	}

	// Database section
	if val := os.Getenv("RELAYCHAT_DATABASE_DRIVER"); val != "" {
		config.Database.Driver = val
	}
	if val := os.Getenv("RELAYCHAT_DATABASE_PATH"); val != "" {
		config.Database.Path = val
	}
	if val := os.Getenv("RELAYCHAT_DATABASE_DSN"); val != "" {
		config.Database.DSN = val
	}

	// Limits section
	envInt("RELAYCHAT_LIMITS_MAX_MESSAGE_LENGTH", &config.Limits.MaxMessageLength)
	envInt("RELAYCHAT_LIMITS_HISTORY_LIMIT", &config.Limits.HistoryLimit)
	envInt("RELAYCHAT_LIMITS_MAX_SUBSCRIPTIONS", &config.Limits.MaxSubscriptions)
	envInt("RELAYCHAT_LIMITS_SEND_QUEUE_SIZE", &config.Limits.SendQueueSize)
	envInt("RELAYCHAT_LIMITS_HANDSHAKE_TIMEOUT_SECONDS", &config.Limits.HandshakeTimeoutSeconds)

	return config
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# relaychat relay configuration
# This file was auto-generated with default values
# Restart the relay for changes to take effect
#
# Environment variables can override these settings:
# RELAYCHAT_SECTION_KEY (e.g., RELAYCHAT_SERVER_HTTP_ADDR=:9000)

[server]
# Address for the HTTP server (/ws, /api, /metrics, /healthz)
http_addr = ":8080"

# Name sent to clients in the welcome message
server_name = "relaychat"

# Shared password required from every client (bcrypt hash or plain text)
# Uncomment to require one:
# password = "$2a$10$..."

[database]
# sqlite, postgres or memory
driver = "sqlite"

# Path to SQLite database file
path = "~/.relaychat/relay.db"

# PostgreSQL connection string (driver = "postgres")
# dsn = "host=localhost user=relay password=relay dbname=relay port=5432 sslmode=disable"

[limits]
# Maximum message length in bytes
max_message_length = 4096

# Maximum messages returned by one history request
history_limit = 200

# Maximum live subscriptions per connection
max_subscriptions = 16

# Frames queued per connection before it is dropped as a slow consumer
send_queue_size = 256

# Seconds a new connection has to send hello
handshake_timeout_seconds = 10
`
	return os.WriteFile(path, []byte(content), 0644)
}

// ToConfig converts TOMLConfig to Config
func (c *TOMLConfig) ToConfig() (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.HTTPAddr) != "" {
		cfg.HTTPAddr = c.Server.HTTPAddr
	}
	if strings.TrimSpace(c.Server.ServerName) != "" {
		cfg.ServerName = c.Server.ServerName
	}
	if c.Server.Password != "" {
		hash, err := HashPassword(c.Server.Password)
		if err != nil {
			return Config{}, err
		}
		cfg.PasswordHash = hash
	}
	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.HistoryLimit > 0 {
		cfg.HistoryLimit = c.Limits.HistoryLimit
	}
	if c.Limits.MaxSubscriptions > 0 {
		cfg.MaxSubscriptions = c.Limits.MaxSubscriptions
	}
	if c.Limits.SendQueueSize > 0 {
		cfg.SendQueueSize = c.Limits.SendQueueSize
	}
	if c.Limits.HandshakeTimeoutSeconds > 0 {
		cfg.HandshakeTimeoutSeconds = c.Limits.HandshakeTimeoutSeconds
	}
	return cfg, nil
}

// DatabaseDSN returns the driver and data source for database.Open, with ~
// expanded in SQLite paths
func (c *TOMLConfig) DatabaseDSN() (string, string, error) {
	switch c.Database.Driver {
	case "postgres":
		return "postgres", c.Database.DSN, nil
	case "memory":
		return "memory", "", nil
	default:
		path, err := expandHome(c.Database.Path)
		if err != nil {
			return "", "", err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", "", fmt.Errorf("failed to create database directory: %w", err)
		}
		return "sqlite", path, nil
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
