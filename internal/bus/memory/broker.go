// Package memory provides an in-process bus broker for single-node
// deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/memohai/eventgate/internal/bus"
)

// DefaultBufferSize is the per-subscription message buffer.
const DefaultBufferSize = 256

// Broker is an in-process pub/sub dispatcher keyed by subject.
// Slow subscriptions drop messages rather than block publishers.
type Broker struct {
	mu      sync.RWMutex
	streams map[string]map[string]*subscription
	buffer  int
	closed  bool
	opened  int
}

// NewBroker creates an empty broker. A non-positive buffer uses DefaultBufferSize.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Broker{
		streams: map[string]map[string]*subscription{},
		buffer:  buffer,
	}
}

// Subscribe registers a subscription on subject.
func (b *Broker) Subscribe(ctx context.Context, subject string) (bus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		broker:  b,
		subject: subject,
		id:      uuid.NewString(),
		ch:      make(chan []byte, b.buffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrBrokerClosed
	}
	streams, ok := b.streams[subject]
	if !ok {
		streams = map[string]*subscription{}
		b.streams[subject] = streams
	}
	streams[sub.id] = sub
	b.opened++
	return sub, nil
}

// Publish delivers data to every subscription on subject.
func (b *Broker) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return bus.ErrBrokerClosed
	}
	for _, sub := range b.streams[subject] {
		select {
		case sub.ch <- data:
		default:
			// Drop if the subscription is slow.
		}
	}
	return nil
}

// Ping fails once the broker is closed.
func (b *Broker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return bus.ErrBrokerClosed
	}
	return nil
}

// Subscribers returns the number of open subscriptions on subject.
func (b *Broker) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams[subject])
}

// Opened returns how many subscriptions have ever been created.
func (b *Broker) Opened() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.opened
}

// Fail terminates every subscription on subject with err, as if the upstream
// connection for it was lost for good.
func (b *Broker) Fail(subject string, err error) {
	if err == nil {
		err = bus.ErrUpstreamLost
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.streams[subject] {
		delete(b.streams[subject], id)
		sub.terminate(err)
	}
	delete(b.streams, subject)
}

// Close terminates every subscription and rejects further use.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for subject, streams := range b.streams {
		for _, sub := range streams {
			sub.terminate(bus.ErrBrokerClosed)
		}
		delete(b.streams, subject)
	}
	return nil
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	streams := b.streams[sub.subject]
	if streams == nil {
		return
	}
	if current, ok := streams[sub.id]; ok && current == sub {
		delete(streams, sub.id)
		sub.terminate(bus.ErrSubscriptionClosed)
	}
	if len(streams) == 0 {
		delete(b.streams, sub.subject)
	}
}

type subscription struct {
	broker  *Broker
	subject string
	id      string
	ch      chan []byte

	once sync.Once
	done chan struct{}
	err  error
}

// terminate must be called with the broker write lock held.
func (s *subscription) terminate(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *subscription) Next(ctx context.Context) ([]byte, error) {
	// Deliver buffered messages before reporting termination.
	select {
	case data := <-s.ch:
		return data, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-s.ch:
		return data, nil
	case <-s.done:
		select {
		case data := <-s.ch:
			return data, nil
		default:
		}
		return nil, s.err
	}
}

func (s *subscription) Close() error {
	s.broker.remove(s)
	return nil
}
