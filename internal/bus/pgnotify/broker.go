// Package pgnotify implements the bus broker on PostgreSQL LISTEN/NOTIFY.
//
// Publishing goes through the shared pool. Every subscription holds its own
// dedicated connection, because a LISTEN is bound to the session that issued
// it and WaitForNotification occupies the connection.
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/eventgate/internal/bus"
)

// MaxPayloadSize is the largest NOTIFY payload PostgreSQL accepts with the
// default build configuration.
const MaxPayloadSize = 8000

const closeTimeout = 5 * time.Second

// Broker is a bus.Broker backed by PostgreSQL.
type Broker struct {
	pool   *pgxpool.Pool
	retry  bus.RetryPolicy
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewBroker creates a broker on pool. The pool is owned by the caller.
func NewBroker(log *slog.Logger, pool *pgxpool.Pool, retry bus.RetryPolicy) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		pool:   pool,
		retry:  retry,
		logger: log.With(slog.String("component", "pgnotify")),
		subs:   map[*subscription]struct{}{},
	}
}

// Subscribe opens a dedicated connection and issues LISTEN on subject.
func (b *Broker) Subscribe(ctx context.Context, subject string) (bus.Subscription, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, bus.ErrBrokerClosed
	}
	if b.pool == nil {
		return nil, errors.New("pgnotify pool not configured")
	}

	conn, err := b.listen(ctx, subject)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		broker:  b,
		subject: subject,
		ch:      make(chan []byte),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		closeConn(conn)
		return nil, bus.ErrBrokerClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(runCtx, conn)
	return sub, nil
}

// Publish sends data on subject with pg_notify.
func (b *Broker) Publish(ctx context.Context, subject string, data []byte) error {
	if len(data) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", bus.ErrPayloadTooLarge, len(data))
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bus.ErrBrokerClosed
	}
	if b.pool == nil {
		return errors.New("pgnotify pool not configured")
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", subject, string(data)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Ping checks that the pool can reach the server.
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bus.ErrBrokerClosed
	}
	if b.pool == nil {
		return errors.New("pgnotify pool not configured")
	}
	return b.pool.Ping(ctx)
}

// Close terminates every subscription. The pool is left open.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	clear(b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop(bus.ErrBrokerClosed)
	}
	return nil
}

func (b *Broker) listen(ctx context.Context, subject string) (*pgx.Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, b.pool.Config().ConnConfig.Copy())
	if err != nil {
		return nil, fmt.Errorf("connect listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{subject}.Sanitize()); err != nil {
		closeConn(conn)
		return nil, fmt.Errorf("listen %s: %w", subject, err)
	}
	return conn, nil
}

func (b *Broker) forget(sub *subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

func closeConn(conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = conn.Close(ctx)
}

type subscription struct {
	broker  *Broker
	subject string
	ch      chan []byte
	cancel  context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

// run owns conn. It re-establishes the LISTEN when the connection drops and
// gives up once the retry policy is exhausted.
func (s *subscription) run(ctx context.Context, conn *pgx.Conn) {
	defer s.broker.forget(s)
	for {
		n, err := conn.WaitForNotification(ctx)
		if ctx.Err() != nil {
			closeConn(conn)
			s.finish(bus.ErrSubscriptionClosed)
			return
		}
		if err != nil {
			closeConn(conn)
			s.broker.logger.Warn("listener connection lost",
				slog.String("subject", s.subject),
				slog.Any("error", err),
			)
			conn, err = s.reconnect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					s.finish(bus.ErrSubscriptionClosed)
					return
				}
				s.broker.logger.Error("listener gave up",
					slog.String("subject", s.subject),
					slog.Any("error", err),
				)
				s.finish(fmt.Errorf("%w: %v", bus.ErrUpstreamLost, err))
				return
			}
			continue
		}
		if n.Channel != s.subject {
			continue
		}
		select {
		case s.ch <- []byte(n.Payload):
		case <-ctx.Done():
			closeConn(conn)
			s.finish(bus.ErrSubscriptionClosed)
			return
		}
	}
}

func (s *subscription) reconnect(ctx context.Context) (*pgx.Conn, error) {
	return backoff.Retry(ctx, func() (*pgx.Conn, error) {
		return s.broker.listen(ctx, s.subject)
	}, s.broker.retry.Options(func(err error, next time.Duration) {
		s.broker.logger.Warn("listener reconnect failed, retrying",
			slog.String("subject", s.subject),
			slog.Duration("retry_in", next),
			slog.Any("error", err),
		)
	})...)
}

func (s *subscription) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// stop records err as the termination cause and cancels the listener. run
// closes the connection.
func (s *subscription) stop(err error) {
	s.finish(err)
	s.cancel()
}

func (s *subscription) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-s.ch:
		return data, nil
	case <-s.done:
		return nil, s.err
	}
}

func (s *subscription) Close() error {
	s.stop(bus.ErrSubscriptionClosed)
	return nil
}
