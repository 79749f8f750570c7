package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log_level = info
development = false

[lobby]
user_addr = :9000
secret = cluster-secret
admin_password = hunter22
tick_ms = 250
messages_per_second = 5.5

[gameserver]
public_port = 9100
secret = cluster-secret

[database]
url = postgres://bindstone@localhost/bindstone

[email]
enabled = true
host = smtp.example.com
`

func TestParseConfig(t *testing.T) {
	config, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	assert.Equal(t, "info", config.LogLevel)
	assert.False(t, config.Development)
	assert.Equal(t, ":9000", config.Lobby.UserAddr)
	assert.Equal(t, ":22326", config.Lobby.GameAddr, "Keys missing from the file keep their defaults")
	assert.Equal(t, "cluster-secret", config.Lobby.Secret)
	assert.Equal(t, 250*time.Millisecond, config.Lobby.Tick())
	assert.Equal(t, 5.5, config.Lobby.MessageRate)
	assert.Equal(t, uint16(9100), config.GameServer.PublicPort)
	assert.Equal(t, 50*time.Millisecond, config.GameServer.Tick())
	assert.Equal(t, "postgres://bindstone@localhost/bindstone", config.Database.URL)
	assert.True(t, config.Email.Enabled)
	assert.Equal(t, "587", config.Email.Port)
}

func TestParseConfigRejectsZeroTick(t *testing.T) {
	_, err := ParseConfig([]byte("[lobby]\ntick_ms = 0\n"))
	assert.Error(t, err)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	location := filepath.Join(t.TempDir(), "custom.ini")
	require.NoError(t, os.WriteFile(location, []byte(testConfig), 0o600))

	t.Setenv("SERVER_CONFIG", location)
	assert.Equal(t, location, ConfigLocation())

	config, err := LoadConfig(ConfigLocation())
	require.NoError(t, err)
	assert.Equal(t, "hunter22", config.Lobby.AdminPassword)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}
