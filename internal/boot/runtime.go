// Package boot provides runtime configuration and dependency wiring for the gateway.
package boot

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/memohai/eventgate/internal/bus"
	"github.com/memohai/eventgate/internal/config"
	"github.com/memohai/eventgate/internal/session"
)

// RuntimeConfig holds parsed runtime settings (JWT, server address, bus driver,
// gateway limits, bridge retry). Values may be overridden by environment
// variables (HTTP_ADDR, BUS_DRIVER).
type RuntimeConfig struct {
	JwtSecret       string
	JwtExpiresIn    time.Duration
	ServerAddr      string
	OriginPatterns  []string
	WriteTimeout    time.Duration
	BusDriver       string
	BusBuffer       int
	BroadcastBuffer int
	Gateway         session.GatewayConfig
	Retry           bus.RetryPolicy
}

// ProvideRuntimeConfig builds RuntimeConfig from the given config and applies env overrides.
func ProvideRuntimeConfig(cfg config.Config) (*RuntimeConfig, error) {
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("jwt secret is required")
	}

	jwtExpiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
	if err != nil {
		return nil, fmt.Errorf("invalid jwt expires in: %w", err)
	}

	var d durations
	writeTimeout := d.parse("server.write_timeout", cfg.Server.WriteTimeout)
	heartbeat := d.parse("gateway.heartbeat_interval", cfg.Gateway.HeartbeatInterval)
	heartbeatTimeout := d.parse("gateway.heartbeat_timeout", cfg.Gateway.HeartbeatTimeout)
	ttl := d.parse("gateway.connection_ttl", cfg.Gateway.ConnectionTTL)
	initial := d.parse("bridge.initial_interval", cfg.Bridge.InitialInterval)
	maxInterval := d.parse("bridge.max_interval", cfg.Bridge.MaxInterval)
	maxElapsed := d.parse("bridge.max_elapsed_time", cfg.Bridge.MaxElapsedTime)
	if d.err != nil {
		return nil, d.err
	}

	ret := &RuntimeConfig{
		JwtSecret:       cfg.Auth.JWTSecret,
		JwtExpiresIn:    jwtExpiresIn,
		ServerAddr:      cfg.Server.Addr,
		OriginPatterns:  cfg.Server.OriginPatterns,
		WriteTimeout:    writeTimeout,
		BusDriver:       cfg.Bus.Driver,
		BusBuffer:       cfg.Bus.Buffer,
		BroadcastBuffer: cfg.Gateway.BroadcastBuffer,
		Gateway: session.GatewayConfig{
			ConnectionLimit:  cfg.Gateway.ConnectionLimit,
			ConnectionTarget: cfg.Gateway.ConnectionTarget,
			Session: session.Config{
				HeartbeatInterval: heartbeat,
				HeartbeatTimeout:  heartbeatTimeout,
				TTL:               ttl,
				SubscriptionLimit: cfg.Gateway.SubscriptionLimit,
				QueueSize:         cfg.Gateway.QueueSize,
				DedupeCapacity:    cfg.Gateway.DedupeCapacity,
				CommandRate:       rate.Limit(cfg.Gateway.CommandRate),
				CommandBurst:      cfg.Gateway.CommandBurst,
				RateLimitStrikes:  cfg.Gateway.RateLimitStrikes,
			}.WithDefaults(),
		},
		Retry: bus.RetryPolicy{
			MaxTries:        cfg.Bridge.MaxTries,
			InitialInterval: initial,
			MaxInterval:     maxInterval,
			MaxElapsedTime:  maxElapsed,
		},
	}

	if value := os.Getenv("HTTP_ADDR"); value != "" {
		ret.ServerAddr = value
	}

	if value := os.Getenv("BUS_DRIVER"); value != "" {
		ret.BusDriver = value
	}
	ret.BusDriver = strings.ToLower(strings.TrimSpace(ret.BusDriver))

	switch ret.BusDriver {
	case config.BusDriverMemory, config.BusDriverPostgres:
	default:
		return nil, fmt.Errorf("unknown bus driver %q", ret.BusDriver)
	}
	if ret.Gateway.ConnectionLimit < 0 || ret.Gateway.ConnectionTarget < 0 {
		return nil, errors.New("connection limit and target must not be negative")
	}
	if ret.Gateway.ConnectionLimit > 0 && ret.Gateway.ConnectionTarget > ret.Gateway.ConnectionLimit {
		return nil, fmt.Errorf("connection target %d exceeds limit %d", ret.Gateway.ConnectionTarget, ret.Gateway.ConnectionLimit)
	}
	if ret.Gateway.Session.HeartbeatTimeout < ret.Gateway.Session.HeartbeatInterval {
		return nil, errors.New("heartbeat timeout must not be shorter than the heartbeat interval")
	}
	return ret, nil
}

// durations parses optional duration fields, keeping the first error.
type durations struct {
	err error
}

func (d *durations) parse(field, value string) time.Duration {
	value = strings.TrimSpace(value)
	if d.err != nil || value == "" {
		return 0
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		d.err = fmt.Errorf("invalid %s: %w", field, err)
		return 0
	}
	if v < 0 {
		d.err = fmt.Errorf("invalid %s: negative duration", field)
		return 0
	}
	return v
}
