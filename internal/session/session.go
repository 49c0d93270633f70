// Package session implements one client connection's view of the gateway:
// its subscriptions, limits, heartbeat and lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/memohai/eventgate/internal/dedupe"
	"github.com/memohai/eventgate/internal/event"
	"github.com/memohai/eventgate/internal/hub"
	"github.com/memohai/eventgate/internal/topic"
)

// Command errors. They reject a single command; the session stays usable.
var (
	ErrSubscriptionLimit = errors.New("subscription limit reached")
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotSubscribed     = errors.New("not subscribed")
	ErrInvalidTopic      = errors.New("invalid topic")
	ErrNotActive         = errors.New("session is not active")
	ErrRateLimited       = errors.New("command rate limit exceeded")
)

// Reasons carried by a Closed event.
const (
	ReasonTTLExpired       = "ttl expired"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonServerRestart    = "server restart"
	ReasonRateLimited      = "rate limited"
	ReasonClientClosed     = "client closed"
	ReasonTransportError   = "transport error"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Kind discriminates the events yielded by Next.
type Kind int

const (
	KindPayload Kind = iota + 1
	KindHeartbeat
	// KindTopicClosed reports that a topic's upstream ended and the
	// subscription was dropped. The client may subscribe again.
	KindTopicClosed
	KindClosed
)

// Event is one item for the transport to send.
type Event struct {
	Kind    Kind
	Payload *event.Payload
	Topic   topic.Key
	Reason  string
}

// Subscriber is the part of the hub a session needs.
type Subscriber interface {
	Subscribe(ctx context.Context, key topic.Key) (*hub.Subscription, error)
}

// Stats is a snapshot of a session's counters.
type Stats struct {
	ID         string      `json:"id"`
	State      string      `json:"state"`
	Topics     []topic.Key `json:"topics"`
	Delivered  uint64      `json:"delivered"`
	Duplicates uint64      `json:"duplicates"`
	CreatedAt  time.Time   `json:"created_at"`
}

type subscription struct {
	sub    *hub.Subscription
	cancel context.CancelFunc
}

// Session is safe for concurrent use, except that Next must be called from a
// single goroutine.
type Session struct {
	id        string
	cfg       Config
	hub       Subscriber
	logger    *slog.Logger
	createdAt time.Time
	onClose   func(*Session)

	ctx    context.Context
	cancel context.CancelFunc
	pumps  sync.WaitGroup

	queue   chan *event.Payload
	notices chan topic.Key
	beat    chan struct{}
	drained chan struct{}

	limiter *rate.Limiter
	strikes atomic.Int32

	mu      sync.Mutex
	state   State
	reason  string
	subs    map[topic.Key]*subscription // nil value marks a pending subscribe
	dedupe  *dedupe.Cache[string]
	lastAck time.Time

	delivered  atomic.Uint64
	duplicates atomic.Uint64
}

// New creates a session in the Connecting state. Most callers use
// Gateway.OpenSession instead.
func New(log *slog.Logger, id string, h Subscriber, cfg Config) *Session {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		cfg:       cfg,
		hub:       h,
		logger:    log.With(slog.String("session_id", id)),
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan *event.Payload, cfg.QueueSize),
		notices:   make(chan topic.Key, cfg.SubscriptionLimit),
		beat:      make(chan struct{}, 1),
		drained:   make(chan struct{}),
		limiter:   rate.NewLimiter(cfg.CommandRate, cfg.CommandBurst),
		subs:      map[topic.Key]*subscription{},
		dedupe:    dedupe.New[string](cfg.DedupeCapacity),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns the effective limits.
func (s *Session) Config() Config { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves the session to Active and starts its heartbeat and TTL timers.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return ErrNotActive
	}
	s.state = StateActive
	s.lastAck = time.Now()
	s.pumps.Add(1)
	s.mu.Unlock()

	go s.runTimers()
	s.logger.Debug("session started")
	return nil
}

func (s *Session) runTimers() {
	defer s.pumps.Done()
	ttl := time.NewTimer(s.cfg.TTL)
	defer ttl.Stop()
	hb := time.NewTimer(jitter(s.cfg.HeartbeatInterval))
	defer hb.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.drained:
			return
		case <-ttl.C:
			s.Drain(ReasonTTLExpired)
			return
		case <-hb.C:
			s.mu.Lock()
			silent := time.Since(s.lastAck)
			s.mu.Unlock()
			if silent > s.cfg.HeartbeatTimeout {
				s.Drain(ReasonHeartbeatTimeout)
				return
			}
			select {
			case s.beat <- struct{}{}:
			default:
			}
			hb.Reset(jitter(s.cfg.HeartbeatInterval))
		}
	}
}

// Ack records a heartbeat acknowledgment from the client.
func (s *Session) Ack() {
	s.mu.Lock()
	s.lastAck = time.Now()
	s.mu.Unlock()
}

// AllowCommand applies the per-session command rate limit. After
// RateLimitStrikes consecutive rejections the session drains.
func (s *Session) AllowCommand() error {
	if s.limiter.Allow() {
		s.strikes.Store(0)
		return nil
	}
	if int(s.strikes.Add(1)) >= s.cfg.RateLimitStrikes {
		s.Drain(ReasonRateLimited)
	}
	return ErrRateLimited
}

// Subscribe joins the topic named by raw.
func (s *Session) Subscribe(ctx context.Context, raw string) (topic.Key, error) {
	key, err := topic.ParseKey(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return key, ErrNotActive
	}
	if _, ok := s.subs[key]; ok {
		s.mu.Unlock()
		return key, ErrAlreadySubscribed
	}
	if len(s.subs) >= s.cfg.SubscriptionLimit {
		s.mu.Unlock()
		return key, ErrSubscriptionLimit
	}
	s.subs[key] = nil
	s.mu.Unlock()

	sub, err := s.hub.Subscribe(ctx, key)

	s.mu.Lock()
	if err != nil {
		delete(s.subs, key)
		s.mu.Unlock()
		return key, fmt.Errorf("subscribe %s: %w", key, err)
	}
	if s.state != StateActive {
		delete(s.subs, key)
		s.mu.Unlock()
		_ = sub.Close()
		return key, ErrNotActive
	}
	pumpCtx, cancel := context.WithCancel(s.ctx)
	s.subs[key] = &subscription{sub: sub, cancel: cancel}
	s.pumps.Add(1)
	s.mu.Unlock()

	go s.pump(pumpCtx, sub)
	s.logger.Debug("subscribed", slog.String("topic", key.String()))
	return key, nil
}

// Unsubscribe leaves the topic named by raw and releases its handle.
func (s *Session) Unsubscribe(raw string) (topic.Key, error) {
	key, err := topic.ParseKey(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	s.mu.Lock()
	sub := s.subs[key]
	if sub == nil {
		s.mu.Unlock()
		return key, ErrNotSubscribed
	}
	delete(s.subs, key)
	s.mu.Unlock()

	sub.cancel()
	_ = sub.sub.Close()
	s.logger.Debug("unsubscribed", slog.String("topic", key.String()))
	return key, nil
}

// Topics returns the subscribed keys in order.
func (s *Session) Topics() []topic.Key {
	s.mu.Lock()
	out := make([]topic.Key, 0, len(s.subs))
	for key, sub := range s.subs {
		if sub != nil {
			out = append(out, key)
		}
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b topic.Key) int { return strings.Compare(string(a), string(b)) })
	return out
}

// pump copies payloads from one handle into the session queue.
func (s *Session) pump(ctx context.Context, sub *hub.Subscription) {
	defer s.pumps.Done()
	for {
		p, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, hub.ErrTopicClosed) {
				s.topicClosed(sub)
			}
			return
		}
		select {
		case s.queue <- p:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) topicClosed(sub *hub.Subscription) {
	key := sub.Topic()
	s.mu.Lock()
	current := s.subs[key]
	if current == nil || current.sub != sub {
		s.mu.Unlock()
		return
	}
	delete(s.subs, key)
	s.mu.Unlock()

	current.cancel()
	_ = sub.Close()
	s.logger.Warn("topic closed upstream", slog.String("topic", key.String()))
	select {
	case s.notices <- key:
	default:
	}
}

// Next blocks until there is something for the transport to send. Payloads
// already delivered on this session are filtered out. Once the session is
// draining, Next keeps returning a Closed event.
func (s *Session) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case <-s.drained:
			return Event{Kind: KindClosed, Reason: s.Reason()}, nil
		default:
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.drained:
			return Event{Kind: KindClosed, Reason: s.Reason()}, nil
		case <-s.beat:
			return Event{Kind: KindHeartbeat}, nil
		case key := <-s.notices:
			return Event{Kind: KindTopicClosed, Topic: key}, nil
		case p := <-s.queue:
			if s.admit(p) {
				s.delivered.Add(1)
				return Event{Kind: KindPayload, Payload: p}, nil
			}
		}
	}
}

// admit reports whether p should be delivered. A retraction also forgets the
// id it withdraws, so a republished event with that id is delivered again.
func (s *Session) admit(p *event.Payload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[p.Topic] == nil {
		return false
	}
	if p.IsRetraction() {
		s.dedupe.Remove(p.Retracts)
	}
	if !s.dedupe.Insert(p.DedupeKey()) {
		s.duplicates.Add(1)
		return false
	}
	return true
}

// Drain moves an Active or Connecting session to Draining. The first reason
// wins. Subscriptions stay held until Close.
func (s *Session) Drain(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive && s.state != StateConnecting {
		return
	}
	s.state = StateDraining
	s.reason = reason
	close(s.drained)
	s.logger.Info("session draining", slog.String("reason", reason))
}

// Reason returns why the session is draining or closed.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close releases every subscription and stops all timers. It is idempotent;
// reason is only recorded if the session was not already draining.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.state != StateDraining {
		s.reason = reason
		close(s.drained)
	}
	s.state = StateClosed
	subs := s.subs
	s.subs = map[topic.Key]*subscription{}
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		_ = sub.sub.Close()
	}
	s.pumps.Wait()

	s.logger.Info("session closed",
		slog.String("reason", s.Reason()),
		slog.Int("topics", len(subs)),
		slog.Uint64("delivered", s.delivered.Load()),
		slog.Uint64("duplicates", s.duplicates.Load()),
		slog.Duration("lifetime", time.Since(s.createdAt)),
	)
	if s.onClose != nil {
		s.onClose(s)
	}
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	return Stats{
		ID:         s.id,
		State:      s.State().String(),
		Topics:     s.Topics(),
		Delivered:  s.delivered.Load(),
		Duplicates: s.duplicates.Load(),
		CreatedAt:  s.createdAt,
	}
}
