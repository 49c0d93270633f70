package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/eventgate/internal/bus"
	"github.com/memohai/eventgate/internal/bus/memory"
	"github.com/memohai/eventgate/internal/event"
	"github.com/memohai/eventgate/internal/hub"
	"github.com/memohai/eventgate/internal/topic"
)

type fixture struct {
	hub    *hub.Hub
	broker *memory.Broker
	bridge *bus.Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	broker := memory.NewBroker(64)
	bridge := bus.NewBridge(nil, broker, bus.RetryPolicy{MaxTries: 1})
	h := hub.New(nil, bridge, 64)
	t.Cleanup(func() {
		_ = h.Close(context.Background())
		_ = broker.Close()
	})
	return &fixture{hub: h, broker: broker, bridge: bridge}
}

// quiet keeps timers out of the way of tests that do not exercise them.
var quiet = Config{HeartbeatInterval: time.Hour, TTL: time.Hour}

func (f *fixture) start(t *testing.T, cfg Config) *Session {
	t.Helper()
	s := New(nil, t.Name(), f.hub, cfg)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close(ReasonClientClosed) })
	return s
}

func (f *fixture) publish(t *testing.T, key string, env event.Envelope) {
	t.Helper()
	if env.Type == "" {
		env.Type = "test"
	}
	if env.Data == nil {
		env.Data = json.RawMessage(`{}`)
	}
	require.NoError(t, f.bridge.Publish(context.Background(), topic.Key(key), env))
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := s.Next(ctx)
	require.NoError(t, err)
	return ev
}

func expectQuiet(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ev, err := s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected event %+v", ev)
}

func TestJitterWithinBounds(t *testing.T) {
	base := time.Second
	seen := map[time.Duration]struct{}{}
	for i := 0; i < 1000; i++ {
		d := jitter(base)
		require.GreaterOrEqual(t, d, base)
		require.LessOrEqual(t, d, base+base/10)
		seen[d] = struct{}{}
	}
	assert.Greater(t, len(seen), 100, "jitter should spread intervals")
	assert.Equal(t, time.Duration(5), jitter(5))
}

func TestSubscribeCommandErrors(t *testing.T) {
	f := newFixture(t)
	cfg := quiet
	cfg.SubscriptionLimit = 2
	s := f.start(t, cfg)
	ctx := context.Background()

	_, err := s.Subscribe(ctx, "channel:1:emotes")
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "channel:1:emotes")
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
	_, err = s.Subscribe(ctx, "channel:2:emotes")
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "channel:3:emotes")
	assert.ErrorIs(t, err, ErrSubscriptionLimit)
	_, err = s.Subscribe(ctx, "not a topic")
	assert.ErrorIs(t, err, ErrInvalidTopic)
	_, err = s.Unsubscribe("channel:9:emotes")
	assert.ErrorIs(t, err, ErrNotSubscribed)

	assert.Equal(t, []topic.Key{"channel:1:emotes", "channel:2:emotes"}, s.Topics())
	assert.Equal(t, StateActive, s.State())

	_, err = s.Unsubscribe("channel:1:emotes")
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "channel:3:emotes")
	require.NoError(t, err)
}

func TestSubscribeRequiresActive(t *testing.T) {
	f := newFixture(t)
	s := New(nil, "pending", f.hub, quiet)
	_, err := s.Subscribe(context.Background(), "channel:1:emotes")
	assert.ErrorIs(t, err, ErrNotActive)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrNotActive)
	s.Close(ReasonClientClosed)
}

func TestOverlappingTopicsDeliverOnce(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, quiet)
	ctx := context.Background()
	_, err := s.Subscribe(ctx, "channel:1:emotes")
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "channel:1:all")
	require.NoError(t, err)

	f.publish(t, "channel:1:emotes", event.Envelope{ID: "7"})
	f.publish(t, "channel:1:all", event.Envelope{ID: "7"})

	ev := nextEvent(t, s)
	require.Equal(t, KindPayload, ev.Kind)
	assert.Equal(t, "7", ev.Payload.ID)
	expectQuiet(t, s)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Duplicates)
}

func TestContentHashDedupeWithoutID(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, quiet)
	_, err := s.Subscribe(context.Background(), "channel:1:emotes")
	require.NoError(t, err)
	_, err = s.Subscribe(context.Background(), "channel:1:all")
	require.NoError(t, err)

	body := json.RawMessage(`{"emote":"kappa"}`)
	f.publish(t, "channel:1:emotes", event.Envelope{Type: "emote.added", Data: body})
	f.publish(t, "channel:1:all", event.Envelope{Type: "emote.added", Data: body})

	assert.Equal(t, KindPayload, nextEvent(t, s).Kind)
	expectQuiet(t, s)
}

func TestRetractionForgetsID(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, quiet)
	_, err := s.Subscribe(context.Background(), "channel:1:emotes")
	require.NoError(t, err)

	f.publish(t, "channel:1:emotes", event.Envelope{ID: "7"})
	assert.Equal(t, "7", nextEvent(t, s).Payload.ID)

	f.publish(t, "channel:1:emotes", event.Envelope{ID: "7"})
	f.publish(t, "channel:1:emotes", event.Envelope{ID: "r1", Type: event.TypeRetract, Retracts: "7"})
	ev := nextEvent(t, s)
	require.Equal(t, KindPayload, ev.Kind)
	assert.True(t, ev.Payload.IsRetraction())

	f.publish(t, "channel:1:emotes", event.Envelope{ID: "7"})
	assert.Equal(t, "7", nextEvent(t, s).Payload.ID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, quiet)
	_, err := s.Subscribe(context.Background(), "channel:1:emotes")
	require.NoError(t, err)
	_, err = s.Unsubscribe("channel:1:emotes")
	require.NoError(t, err)

	f.publish(t, "channel:1:emotes", event.Envelope{ID: "1"})
	expectQuiet(t, s)
	assert.Eventually(t, func() bool {
		return f.broker.Subscribers(bus.Subject("channel:1:emotes")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestCloseReleasesEveryTopicOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keep := f.start(t, quiet)
	_, err := keep.Subscribe(ctx, "channel:1:emotes")
	require.NoError(t, err)

	s := New(nil, "leaving", f.hub, quiet)
	require.NoError(t, s.Start())
	for _, raw := range []string{"channel:1:emotes", "channel:2:emotes", "channel:3:emotes"} {
		_, err := s.Subscribe(ctx, raw)
		require.NoError(t, err)
	}
	counts := func() map[topic.Key]int {
		out := map[topic.Key]int{}
		for _, st := range f.hub.Stats() {
			out[st.Topic] = st.Subscribers
		}
		return out
	}
	assert.Equal(t, map[topic.Key]int{"channel:1:emotes": 2, "channel:2:emotes": 1, "channel:3:emotes": 1}, counts())

	s.Close(ReasonClientClosed)
	s.Close(ReasonClientClosed)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, map[topic.Key]int{"channel:1:emotes": 1}, counts())
	assert.Eventually(t, func() bool {
		return f.broker.Subscribers(bus.Subject("channel:2:emotes")) == 0 &&
			f.broker.Subscribers(bus.Subject("channel:3:emotes")) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.broker.Subscribers(bus.Subject("channel:1:emotes")))

	ev := nextEvent(t, s)
	assert.Equal(t, KindClosed, ev.Kind)
	assert.Equal(t, ReasonClientClosed, ev.Reason)
}

func TestTTLDrains(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, Config{HeartbeatInterval: time.Hour, TTL: 30 * time.Millisecond})
	_, err := s.Subscribe(context.Background(), "channel:1:emotes")
	require.NoError(t, err)

	ev := nextEvent(t, s)
	require.Equal(t, KindClosed, ev.Kind)
	assert.Equal(t, ReasonTTLExpired, ev.Reason)
	assert.Equal(t, StateDraining, s.State())
	assert.Equal(t, []topic.Key{"channel:1:emotes"}, s.Topics())

	_, err = s.Subscribe(context.Background(), "channel:2:emotes")
	assert.ErrorIs(t, err, ErrNotActive)

	s.Close(ReasonClientClosed)
	assert.Equal(t, ReasonTTLExpired, s.Reason())
	assert.Empty(t, s.Topics())
}

func TestHeartbeatTimeoutDrains(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, Config{HeartbeatInterval: 10 * time.Millisecond, HeartbeatTimeout: 30 * time.Millisecond, TTL: time.Hour})

	for {
		ev := nextEvent(t, s)
		if ev.Kind == KindHeartbeat {
			continue
		}
		require.Equal(t, KindClosed, ev.Kind)
		assert.Equal(t, ReasonHeartbeatTimeout, ev.Reason)
		return
	}
}

func TestAckKeepsSessionAlive(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, Config{HeartbeatInterval: 10 * time.Millisecond, HeartbeatTimeout: 200 * time.Millisecond, TTL: time.Hour})

	beats := 0
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		ev := nextEvent(t, s)
		require.Equal(t, KindHeartbeat, ev.Kind)
		beats++
		s.Ack()
	}
	assert.Greater(t, beats, 5)
	assert.Equal(t, StateActive, s.State())
}

func TestCommandRateLimit(t *testing.T) {
	f := newFixture(t)
	cfg := quiet
	cfg.CommandRate = 0.001
	cfg.CommandBurst = 2
	cfg.RateLimitStrikes = 3
	s := f.start(t, cfg)

	require.NoError(t, s.AllowCommand())
	require.NoError(t, s.AllowCommand())
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, s.AllowCommand(), ErrRateLimited)
		assert.Equal(t, StateActive, s.State())
	}
	assert.ErrorIs(t, s.AllowCommand(), ErrRateLimited)
	assert.Equal(t, StateDraining, s.State())
	assert.Equal(t, ReasonRateLimited, s.Reason())
}

func TestTopicClosedUpstream(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, quiet)
	_, err := s.Subscribe(context.Background(), "channel:1:emotes")
	require.NoError(t, err)

	f.broker.Fail(bus.Subject("channel:1:emotes"), nil)
	ev := nextEvent(t, s)
	require.Equal(t, KindTopicClosed, ev.Kind)
	assert.Equal(t, topic.Key("channel:1:emotes"), ev.Topic)
	assert.Empty(t, s.Topics())

	_, err = s.Subscribe(context.Background(), "channel:1:emotes")
	require.NoError(t, err)
}
