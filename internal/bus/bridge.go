package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/memohai/eventgate/internal/event"
	"github.com/memohai/eventgate/internal/topic"
)

const healthTimeout = 2 * time.Second

// Bridge opens per-topic streams on a Broker, retrying transient failures.
type Bridge struct {
	broker Broker
	retry  RetryPolicy
	logger *slog.Logger
}

// NewBridge creates a bridge over broker.
func NewBridge(log *slog.Logger, broker Broker, retry RetryPolicy) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		broker: broker,
		retry:  retry.withDefaults(),
		logger: log.With(slog.String("component", "bridge")),
	}
}

// Open establishes the broker subscription for key. Failures are retried per
// the bridge's policy; the last error is returned once retries are exhausted.
func (b *Bridge) Open(ctx context.Context, key topic.Key) (Stream, error) {
	if b == nil || b.broker == nil {
		return nil, errors.New("bridge broker not configured")
	}
	subject := Subject(key)
	sub, err := backoff.Retry(ctx, func() (Subscription, error) {
		sub, err := b.broker.Subscribe(ctx, subject)
		if errors.Is(err, ErrBrokerClosed) {
			return nil, backoff.Permanent(err)
		}
		return sub, err
	}, b.retry.Options(func(err error, next time.Duration) {
		b.logger.Warn("subscribe failed, retrying",
			slog.String("topic", key.String()),
			slog.Duration("retry_in", next),
			slog.Any("error", err),
		)
	})...)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	b.logger.Debug("upstream subscribed", slog.String("topic", key.String()), slog.String("subject", subject))
	return &decodingStream{key: key, sub: sub, logger: b.logger}, nil
}

// Publish encodes env and publishes it on key's subject.
func (b *Bridge) Publish(ctx context.Context, key topic.Key, env event.Envelope) error {
	if b == nil || b.broker == nil {
		return errors.New("bridge broker not configured")
	}
	if env.Topic == "" {
		env.Topic = key.String()
	}
	if env.PublishedAt.IsZero() {
		env.PublishedAt = time.Now().UTC()
	}
	data, err := event.Encode(env)
	if err != nil {
		return err
	}
	subject := Subject(key)
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := b.broker.Publish(ctx, subject, data)
		if errors.Is(err, ErrBrokerClosed) || errors.Is(err, ErrPayloadTooLarge) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, b.retry.Options(nil)...)
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// Healthy reports whether the broker connection is in a connected state.
func (b *Bridge) Healthy(ctx context.Context) bool {
	if b == nil || b.broker == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := b.broker.Ping(ctx); err != nil {
		b.logger.Warn("broker unhealthy", slog.Any("error", err))
		return false
	}
	return true
}

type decodingStream struct {
	key    topic.Key
	sub    Subscription
	logger *slog.Logger
}

// Next returns the next decodable payload; malformed envelopes are logged and skipped.
func (s *decodingStream) Next(ctx context.Context) (*event.Payload, error) {
	for {
		raw, err := s.sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		p, err := event.Decode(s.key, raw)
		if err != nil {
			s.logger.Warn("dropping malformed envelope",
				slog.String("topic", s.key.String()),
				slog.Any("error", err),
			)
			continue
		}
		return p, nil
	}
}

func (s *decodingStream) Close() error {
	return s.sub.Close()
}
