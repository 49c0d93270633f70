// Package bus adapts an upstream message broker to per-topic event streams.
package bus

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/zeebo/blake3"

	"github.com/memohai/eventgate/internal/event"
	"github.com/memohai/eventgate/internal/topic"
)

// MaxSubjectLength matches the PostgreSQL identifier limit so the same subject
// works for every broker.
const MaxSubjectLength = 63

const (
	subjectPrefix       = "evt."
	hashedSubjectPrefix = "evt.h."
)

var (
	// ErrSubscriptionClosed is returned by Next after the subscription was closed.
	ErrSubscriptionClosed = errors.New("bus subscription closed")
	// ErrUpstreamLost is returned by Next when the broker connection could not be
	// re-established within the retry policy.
	ErrUpstreamLost = errors.New("bus upstream lost")
	// ErrBrokerClosed is returned by operations on a closed broker.
	ErrBrokerClosed = errors.New("bus broker closed")
	// ErrPayloadTooLarge is returned by brokers that cap message size.
	ErrPayloadTooLarge = errors.New("bus payload too large")
)

// Subscription is one broker-level subscription to a subject.
// Next and Close may be called from different goroutines.
type Subscription interface {
	// Next blocks until a raw message arrives.
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Broker is the upstream message bus.
type Broker interface {
	Subscribe(ctx context.Context, subject string) (Subscription, error)
	Publish(ctx context.Context, subject string, data []byte) error
	// Ping reports whether the broker connection is usable.
	Ping(ctx context.Context) error
}

// Stream yields decoded payloads for one topic.
type Stream interface {
	Next(ctx context.Context) (*event.Payload, error)
	Close() error
}

// Subject returns the deterministic broker subject for key. Keys that do not
// fit MaxSubjectLength are replaced by a hash.
func Subject(key topic.Key) string {
	s := subjectPrefix + string(key)
	if len(s) <= MaxSubjectLength {
		return s
	}
	sum := blake3.Sum256([]byte(key))
	return hashedSubjectPrefix + hex.EncodeToString(sum[:16])
}

// RetryPolicy configures exponential backoff for broker operations.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy is used for zero fields of a RetryPolicy.
var DefaultRetryPolicy = RetryPolicy{
	MaxTries:        6,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxElapsedTime:  time.Minute,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxTries == 0 {
		p.MaxTries = DefaultRetryPolicy.MaxTries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	if p.MaxElapsedTime <= 0 {
		p.MaxElapsedTime = DefaultRetryPolicy.MaxElapsedTime
	}
	return p
}

// Options returns backoff retry options for p. notify may be nil.
func (p RetryPolicy) Options(notify backoff.Notify) []backoff.RetryOption {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
		backoff.WithMaxElapsedTime(p.MaxElapsedTime),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return opts
}
