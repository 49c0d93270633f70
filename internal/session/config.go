package session

import (
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/memohai/eventgate/internal/dedupe"
)

// Defaults applied to zero Config fields.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTTL               = time.Hour
	DefaultSubscriptionLimit = 50
	DefaultQueueSize         = 256
	DefaultCommandRate       = 5
	DefaultCommandBurst      = 20
	DefaultRateLimitStrikes  = 20
)

// Config holds per-connection limits.
type Config struct {
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a session may go without an Ack before it
	// drains. Zero means three heartbeat intervals.
	HeartbeatTimeout time.Duration

	TTL               time.Duration
	SubscriptionLimit int
	QueueSize         int
	DedupeCapacity    int
	CommandRate       rate.Limit
	CommandBurst      int

	// RateLimitStrikes is the number of consecutive rejected commands after
	// which the session drains.
	RateLimitStrikes int
}

// WithDefaults returns c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SubscriptionLimit <= 0 {
		c.SubscriptionLimit = DefaultSubscriptionLimit
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.DedupeCapacity <= 0 {
		c.DedupeCapacity = dedupe.DefaultCapacity
	}
	if c.CommandRate <= 0 {
		c.CommandRate = DefaultCommandRate
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = DefaultCommandBurst
	}
	if c.RateLimitStrikes <= 0 {
		c.RateLimitStrikes = DefaultRateLimitStrikes
	}
	return c
}

// jitter returns base plus a uniformly random extra of up to 10% of base.
func jitter(base time.Duration) time.Duration {
	spread := int64(base) / 10
	if spread <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(spread+1))
}
