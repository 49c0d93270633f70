// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultJWTExpiresIn      = "24h"
	DefaultBusDriver         = BusDriverMemory
	DefaultBusBuffer         = 128
	DefaultPGHost            = "127.0.0.1"
	DefaultPGPort            = 5432
	DefaultPGUser            = "postgres"
	DefaultPGDatabase        = "eventgate"
	DefaultPGSSLMode         = "disable"
	DefaultConnectionLimit   = 10000
	DefaultHeartbeatInterval = "30s"
	DefaultConnectionTTL     = "1h"
	DefaultWriteTimeout      = "10s"
	DefaultSubscriptionLimit = 50
	DefaultBroadcastBuffer   = 128
	DefaultQueueSize         = 256
	DefaultDedupeCapacity    = 255
	DefaultCommandRate       = 5.0
	DefaultCommandBurst      = 20
	DefaultRateLimitStrikes  = 20
	DefaultRetryMaxTries     = 6
	DefaultRetryInitial      = "100ms"
	DefaultRetryMaxInterval  = "5s"
	DefaultRetryMaxElapsed   = "1m"
)

// Bus drivers accepted in [bus].driver.
const (
	BusDriverMemory   = "memory"
	BusDriverPostgres = "postgres"
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Bus      BusConfig      `toml:"bus"`
	Postgres PostgresConfig `toml:"postgres"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Bridge   BridgeConfig   `toml:"bridge"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP server listen address and WebSocket origin policy.
type ServerConfig struct {
	Addr           string   `toml:"addr"`
	OriginPatterns []string `toml:"origin_patterns"`
	WriteTimeout   string   `toml:"write_timeout"`
}

// AuthConfig holds JWT secret and token expiry (e.g. 24h).
type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// BusConfig selects the upstream broker. Buffer only applies to the memory driver.
type BusConfig struct {
	Driver string `toml:"driver"`
	Buffer int    `toml:"buffer"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// GatewayConfig holds connection and session limits. Durations are strings
// such as "30s".
type GatewayConfig struct {
	ConnectionLimit   int     `toml:"connection_limit"`
	ConnectionTarget  int     `toml:"connection_target"`
	HeartbeatInterval string  `toml:"heartbeat_interval"`
	HeartbeatTimeout  string  `toml:"heartbeat_timeout"`
	ConnectionTTL     string  `toml:"connection_ttl"`
	SubscriptionLimit int     `toml:"subscription_limit"`
	BroadcastBuffer   int     `toml:"broadcast_buffer"`
	QueueSize         int     `toml:"queue_size"`
	DedupeCapacity    int     `toml:"dedupe_capacity"`
	CommandRate       float64 `toml:"command_rate"`
	CommandBurst      int     `toml:"command_burst"`
	RateLimitStrikes  int     `toml:"rate_limit_strikes"`
}

// BridgeConfig holds the retry policy for broker operations.
type BridgeConfig struct {
	MaxTries        uint   `toml:"max_tries"`
	InitialInterval string `toml:"initial_interval"`
	MaxInterval     string `toml:"max_interval"`
	MaxElapsedTime  string `toml:"max_elapsed_time"`
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:         DefaultHTTPAddr,
			WriteTimeout: DefaultWriteTimeout,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Bus: BusConfig{
			Driver: DefaultBusDriver,
			Buffer: DefaultBusBuffer,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Gateway: GatewayConfig{
			ConnectionLimit:   DefaultConnectionLimit,
			HeartbeatInterval: DefaultHeartbeatInterval,
			ConnectionTTL:     DefaultConnectionTTL,
			SubscriptionLimit: DefaultSubscriptionLimit,
			BroadcastBuffer:   DefaultBroadcastBuffer,
			QueueSize:         DefaultQueueSize,
			DedupeCapacity:    DefaultDedupeCapacity,
			CommandRate:       DefaultCommandRate,
			CommandBurst:      DefaultCommandBurst,
			RateLimitStrikes:  DefaultRateLimitStrikes,
		},
		Bridge: BridgeConfig{
			MaxTries:        DefaultRetryMaxTries,
			InitialInterval: DefaultRetryInitial,
			MaxInterval:     DefaultRetryMaxInterval,
			MaxElapsedTime:  DefaultRetryMaxElapsed,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
