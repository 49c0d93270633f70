package hub

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/memohai/eventgate/internal/broadcast"
	"github.com/memohai/eventgate/internal/event"
	"github.com/memohai/eventgate/internal/topic"
)

// Subscription is one subscriber's receiver on a live topic. Next must be
// called from one goroutine at a time; Close may be called from any.
//
// A Subscription that becomes unreachable without Close is released by a
// runtime cleanup, so the topic count cannot leak.
type Subscription struct {
	key     topic.Key
	rel     *releaser
	cleanup runtime.Cleanup
	closed  atomic.Bool
	lagged  atomic.Uint64
	logger  *slog.Logger
}

// releaser is kept separate from Subscription so the cleanup does not keep
// the subscription reachable.
type releaser struct {
	once sync.Once
	hub  *Hub
	e    *entry
	recv *broadcast.Receiver[*event.Payload]
}

func (r *releaser) release() {
	r.once.Do(func() {
		r.recv.Close()
		r.hub.release(r.e)
	})
}

func newSubscription(h *Hub, e *entry) *Subscription {
	rel := &releaser{hub: h, e: e, recv: e.ch.Subscribe()}
	s := &Subscription{key: e.key, rel: rel, logger: h.logger}
	s.cleanup = runtime.AddCleanup(s, func(r *releaser) { r.release() }, rel)
	return s
}

// Topic returns the subscribed key.
func (s *Subscription) Topic() topic.Key { return s.key }

// Lagged returns how many payloads this subscription missed by falling behind.
func (s *Subscription) Lagged() uint64 { return s.lagged.Load() }

// Next waits for the next payload. It skips over lag, returns ErrTopicClosed
// when the upstream stream ended, ErrSubscriptionClosed after Close, or
// ctx.Err().
func (s *Subscription) Next(ctx context.Context) (*event.Payload, error) {
	for {
		if s.closed.Load() {
			return nil, ErrSubscriptionClosed
		}
		p, err := s.rel.recv.Recv(ctx)
		if err == nil {
			return p, nil
		}
		var lag *broadcast.LaggedError
		if errors.As(err, &lag) {
			s.lagged.Add(lag.Skipped)
			s.logger.Debug("subscriber lagged",
				slog.String("topic", s.key.String()),
				slog.Uint64("skipped", lag.Skipped),
			)
			continue
		}
		if errors.Is(err, broadcast.ErrClosed) {
			if s.closed.Load() {
				return nil, ErrSubscriptionClosed
			}
			return nil, ErrTopicClosed
		}
		return nil, err
	}
}

// Close releases the subscription's reference on the topic. It is idempotent.
func (s *Subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cleanup.Stop()
	s.rel.release()
	return nil
}
