// Package hub maintains the process-wide table of live topics.
//
// Each topic with at least one subscriber owns exactly one upstream stream and
// one forwarding goroutine that copies upstream payloads into a bounded
// broadcast channel. Subscribers hold independent receivers on that channel.
// The entry is torn down when the last subscriber releases it.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/memohai/eventgate/internal/broadcast"
	"github.com/memohai/eventgate/internal/bus"
	"github.com/memohai/eventgate/internal/event"
	"github.com/memohai/eventgate/internal/topic"
)

// DefaultBufferSize is the per-topic broadcast capacity.
const DefaultBufferSize = 128

var (
	// ErrTopicClosed is returned by Subscription.Next after the topic's upstream
	// stream failed permanently. Subscribing again opens a fresh stream.
	ErrTopicClosed = errors.New("topic closed")
	// ErrSubscriptionClosed is returned by Subscription.Next after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrHubClosed is returned by Subscribe after the hub was closed.
	ErrHubClosed = errors.New("hub closed")
)

// Opener opens the upstream stream for a topic. *bus.Bridge implements it.
type Opener interface {
	Open(ctx context.Context, key topic.Key) (bus.Stream, error)
}

// TopicStats is a snapshot of one live topic.
type TopicStats struct {
	Topic       topic.Key `json:"topic"`
	Subscribers int       `json:"subscribers"`
	Forwarded   uint64    `json:"forwarded"`
}

// Hub is the topic registry. It is safe for concurrent use.
type Hub struct {
	opener Opener
	buffer int
	logger *slog.Logger

	mu     sync.Mutex
	topics map[topic.Key]*entry
	closed bool
}

type entry struct {
	key topic.Key
	ch  *broadcast.Channel[*event.Payload]

	// guarded by Hub.mu
	count int

	// ready is closed once the upstream open finished; err, cancel and done
	// are written before that.
	ready  chan struct{}
	err    error
	cancel context.CancelFunc
	done   chan struct{}

	forwarded atomic.Uint64
}

// New creates a hub using opener for upstream streams. A non-positive buffer
// uses DefaultBufferSize.
func New(log *slog.Logger, opener Opener, buffer int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Hub{
		opener: opener,
		buffer: buffer,
		logger: log.With(slog.String("component", "hub")),
		topics: map[topic.Key]*entry{},
	}
}

// Subscribe joins the topic for key, creating it and opening its upstream
// stream if it is not live yet. When the open fails, every caller waiting on
// the same entry receives the error.
func (h *Hub) Subscribe(ctx context.Context, key topic.Key) (*Subscription, error) {
	if key == "" {
		return nil, topic.ErrEmpty
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	e, ok := h.topics[key]
	if ok {
		e.count++
		h.mu.Unlock()
		return h.join(ctx, e)
	}
	e = &entry{
		key:   key,
		ch:    broadcast.New[*event.Payload](h.buffer),
		count: 1,
		ready: make(chan struct{}),
	}
	h.topics[key] = e
	h.mu.Unlock()

	stream, err := h.opener.Open(ctx, key)
	if err != nil {
		h.mu.Lock()
		if h.topics[key] == e {
			delete(h.topics, key)
		}
		h.mu.Unlock()
		e.err = err
		close(e.ready)
		e.ch.Close()
		h.logger.Warn("topic open failed", slog.String("topic", key.String()), slog.Any("error", err))
		return nil, err
	}

	fwdCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go h.forward(fwdCtx, e, stream)
	close(e.ready)
	h.logger.Debug("topic created", slog.String("topic", key.String()))
	return newSubscription(h, e), nil
}

func (h *Hub) join(ctx context.Context, e *entry) (*Subscription, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		h.release(e)
		return nil, ctx.Err()
	}
	if e.err != nil {
		h.release(e)
		return nil, e.err
	}
	return newSubscription(h, e), nil
}

// release drops one reference to e and tears it down at zero. Only the entry
// still registered under its key is removed from the table.
func (h *Hub) release(e *entry) {
	h.mu.Lock()
	e.count--
	if e.count > 0 {
		h.mu.Unlock()
		return
	}
	if h.topics[e.key] == e {
		delete(h.topics, e.key)
	}
	h.mu.Unlock()

	if e.err != nil {
		return
	}
	e.cancel()
	e.ch.Close()
	h.logger.Debug("topic released", slog.String("topic", e.key.String()))
}

// forward owns stream and closes it on exit.
func (h *Hub) forward(ctx context.Context, e *entry, stream bus.Stream) {
	defer close(e.done)
	defer stream.Close()
	for {
		p, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Error("upstream stream failed",
				slog.String("topic", e.key.String()),
				slog.Any("error", err),
			)
			h.mu.Lock()
			if h.topics[e.key] == e {
				delete(h.topics, e.key)
			}
			h.mu.Unlock()
			e.ch.Close()
			return
		}
		e.ch.Send(p)
		e.forwarded.Add(1)
	}
}

// Len returns the number of live topics.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

// Stats returns live topics ordered by key.
func (h *Hub) Stats() []TopicStats {
	h.mu.Lock()
	out := make([]TopicStats, 0, len(h.topics))
	for key, e := range h.topics {
		out = append(out, TopicStats{Topic: key, Subscribers: e.count, Forwarded: e.forwarded.Load()})
	}
	h.mu.Unlock()
	slices.SortFunc(out, func(a, b TopicStats) int { return strings.Compare(string(a.Topic), string(b.Topic)) })
	return out
}

// Close stops every forwarder and rejects further subscriptions. Existing
// subscriptions observe ErrTopicClosed.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	entries := make([]*entry, 0, len(h.topics))
	for _, e := range h.topics {
		entries = append(entries, e)
	}
	clear(h.topics)
	h.mu.Unlock()

	for _, e := range entries {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return fmt.Errorf("close hub: %w", ctx.Err())
		}
		if e.err != nil {
			continue
		}
		e.cancel()
		e.ch.Close()
	}
	for _, e := range entries {
		if e.done == nil {
			continue
		}
		select {
		case <-e.done:
		case <-ctx.Done():
			return fmt.Errorf("close hub: %w", ctx.Err())
		}
	}
	return nil
}
