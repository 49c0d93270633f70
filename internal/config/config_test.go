package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, BusDriverMemory, cfg.Bus.Driver)
	assert.Equal(t, DefaultPGDatabase, cfg.Postgres.Database)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, DefaultSubscriptionLimit, cfg.Gateway.SubscriptionLimit)
	assert.Equal(t, uint(DefaultRetryMaxTries), cfg.Bridge.MaxTries)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[server]
addr = ":9000"
origin_patterns = ["example.com", "*.example.org"]

[auth]
jwt_secret = "s3cret"

[bus]
driver = "postgres"

[postgres]
host = "db"
password = "pw"

[gateway]
connection_limit = 10
connection_target = 8
heartbeat_interval = "5s"

[bridge]
max_tries = 2
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, []string{"example.com", "*.example.org"}, cfg.Server.OriginPatterns)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, BusDriverPostgres, cfg.Bus.Driver)
	assert.Equal(t, "db", cfg.Postgres.Host)
	assert.Equal(t, DefaultPGPort, cfg.Postgres.Port)
	assert.Equal(t, 10, cfg.Gateway.ConnectionLimit)
	assert.Equal(t, 8, cfg.Gateway.ConnectionTarget)
	assert.Equal(t, "5s", cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, DefaultConnectionTTL, cfg.Gateway.ConnectionTTL)
	assert.Equal(t, uint(2), cfg.Bridge.MaxTries)
	assert.Equal(t, DefaultRetryInitial, cfg.Bridge.InitialInterval)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[server\naddr = "), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	assert.Equal(t, "change-me", cfg.Auth.JWTSecret)
	assert.Equal(t, BusDriverMemory, cfg.Bus.Driver)
	assert.Equal(t, DefaultPGDatabase, cfg.Postgres.Database)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Gateway.HeartbeatInterval)
	assert.Empty(t, cfg.Gateway.HeartbeatTimeout)
}
