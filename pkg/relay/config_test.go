package relay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestLoadConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), config)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config file should be written")

	// The written file parses back to the defaults
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), again)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	content := `
[server]
http_addr = ":9999"
server_name = "lab"

[database]
driver = "memory"

[limits]
history_limit = 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", config.Server.HTTPAddr)
	assert.Equal(t, "lab", config.Server.ServerName)
	assert.Equal(t, "memory", config.Database.Driver)
	assert.Equal(t, 50, config.Limits.HistoryLimit)
	// Unset keys keep their defaults
	assert.Equal(t, 16, config.Limits.MaxSubscriptions)
}

func TestLoadConfigInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nbroken"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAYCHAT_SERVER_HTTP_ADDR", ":7000")
	t.Setenv("RELAYCHAT_DATABASE_DRIVER", "postgres")
	t.Setenv("RELAYCHAT_DATABASE_DSN", "host=db")
	t.Setenv("RELAYCHAT_LIMITS_MAX_SUBSCRIPTIONS", "3")
	t.Setenv("RELAYCHAT_LIMITS_HISTORY_LIMIT", "not-a-number")

	config := applyEnvOverrides(DefaultTOMLConfig())
	assert.Equal(t, ":7000", config.Server.HTTPAddr)
	assert.Equal(t, "postgres", config.Database.Driver)
	assert.Equal(t, 3, config.Limits.MaxSubscriptions)
	assert.Equal(t, 200, config.Limits.HistoryLimit, "invalid numbers are ignored")

	driver, dsn, err := config.DatabaseDSN()
	require.NoError(t, err)
	assert.Equal(t, "postgres", driver)
	assert.Equal(t, "host=db", dsn)
}

func TestToConfig(t *testing.T) {
	tc := DefaultTOMLConfig()
	tc.Server.Password = "sesame"
	tc.Limits.MaxMessageLength = 100
	tc.Limits.SendQueueSize = 0

	config, err := tc.ToConfig()
	require.NoError(t, err)
	assert.Equal(t, 100, config.MaxMessageLength)
	assert.Equal(t, DefaultConfig().SendQueueSize, config.SendQueueSize)
	require.NotEmpty(t, config.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword(config.PasswordHash, []byte("sesame")))
}

func TestHashPasswordKeepsHashes(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sesame"), bcrypt.MinCost)
	require.NoError(t, err)

	got, err := HashPassword(string(hash))
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}

func TestDatabaseDSNExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tc := DefaultTOMLConfig()
	driver, path, err := tc.DatabaseDSN()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", driver)
	assert.Equal(t, filepath.Join(home, ".relaychat", "relay.db"), path)

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
