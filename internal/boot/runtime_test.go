package boot

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/eventgate/internal/config"
)

func defaultConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	cfg.Auth.JWTSecret = "secret"
	return cfg
}

func TestProvideRuntimeConfigDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("BUS_DRIVER", "")

	rc, err := ProvideRuntimeConfig(defaultConfig(t))
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, rc.JwtExpiresIn)
	assert.Equal(t, config.DefaultHTTPAddr, rc.ServerAddr)
	assert.Equal(t, config.BusDriverMemory, rc.BusDriver)
	assert.Equal(t, 10*time.Second, rc.WriteTimeout)
	assert.Equal(t, 30*time.Second, rc.Gateway.Session.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, rc.Gateway.Session.HeartbeatTimeout)
	assert.Equal(t, time.Hour, rc.Gateway.Session.TTL)
	assert.Equal(t, config.DefaultConnectionLimit, rc.Gateway.ConnectionLimit)
	assert.Equal(t, uint(config.DefaultRetryMaxTries), rc.Retry.MaxTries)
	assert.Equal(t, time.Minute, rc.Retry.MaxElapsedTime)
}

func TestProvideRuntimeConfigEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":7070")
	t.Setenv("BUS_DRIVER", "Postgres")

	rc, err := ProvideRuntimeConfig(defaultConfig(t))
	require.NoError(t, err)
	assert.Equal(t, ":7070", rc.ServerAddr)
	assert.Equal(t, config.BusDriverPostgres, rc.BusDriver)
}

func TestProvideRuntimeConfigValidation(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("BUS_DRIVER", "")

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing secret", func(c *config.Config) { c.Auth.JWTSecret = " " }},
		{"bad jwt expiry", func(c *config.Config) { c.Auth.JWTExpiresIn = "soon" }},
		{"bad heartbeat", func(c *config.Config) { c.Gateway.HeartbeatInterval = "30" }},
		{"negative ttl", func(c *config.Config) { c.Gateway.ConnectionTTL = "-1m" }},
		{"bad retry interval", func(c *config.Config) { c.Bridge.MaxInterval = "x" }},
		{"unknown driver", func(c *config.Config) { c.Bus.Driver = "kafka" }},
		{"target above limit", func(c *config.Config) {
			c.Gateway.ConnectionLimit = 10
			c.Gateway.ConnectionTarget = 11
		}},
		{"timeout below interval", func(c *config.Config) {
			c.Gateway.HeartbeatInterval = "30s"
			c.Gateway.HeartbeatTimeout = "10s"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(&cfg)
			if _, err := ProvideRuntimeConfig(cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
