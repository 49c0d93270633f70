package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
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

var testRetry = bus.RetryPolicy{MaxTries: 1, InitialInterval: time.Millisecond}

func newTestHub(t *testing.T, buffer int) (*hub.Hub, *memory.Broker, *bus.Bridge) {
	t.Helper()
	broker := memory.NewBroker(64)
	bridge := bus.NewBridge(nil, broker, testRetry)
	h := hub.New(nil, bridge, buffer)
	t.Cleanup(func() {
		_ = h.Close(context.Background())
		_ = broker.Close()
	})
	return h, broker, bridge
}

func publish(t *testing.T, bridge *bus.Bridge, key topic.Key, id string) {
	t.Helper()
	err := bridge.Publish(context.Background(), key, event.Envelope{ID: id, Type: "test", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
}

func next(t *testing.T, sub *hub.Subscription) *event.Payload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := sub.Next(ctx)
	require.NoError(t, err)
	return p
}

func expectNothing(t *testing.T, sub *hub.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected payload %+v", p)
}

func TestFooScenario(t *testing.T) {
	h, broker, bridge := newTestHub(t, 16)
	ctx := context.Background()
	key := topic.Key("foo")

	a, err := h.Subscribe(ctx, key)
	require.NoError(t, err)
	b, err := h.Subscribe(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, broker.Opened(), "joiners must share one upstream subscription")

	publish(t, bridge, key, "7")
	assert.Equal(t, "7", next(t, a).ID)
	assert.Equal(t, "7", next(t, b).ID)
	expectNothing(t, a)
	expectNothing(t, b)

	require.NoError(t, a.Close())
	publish(t, bridge, key, "8")
	assert.Equal(t, "8", next(t, b).ID)
	expectNothing(t, b)

	require.NoError(t, b.Close())
	assert.Eventually(t, func() bool {
		return broker.Subscribers(bus.Subject(key)) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.Len())
}

func TestFanOutToAllHandles(t *testing.T) {
	h, _, bridge := newTestHub(t, 16)
	key := topic.Key("channel:1:emotes")

	subs := make([]*hub.Subscription, 10)
	for i := range subs {
		s, err := h.Subscribe(context.Background(), key)
		require.NoError(t, err)
		defer s.Close()
		subs[i] = s
	}
	publish(t, bridge, key, "1")
	for _, s := range subs {
		p := next(t, s)
		assert.Equal(t, "1", p.ID)
		assert.Equal(t, key, p.Topic)
	}
	assert.Len(t, h.Stats(), 1)
	assert.Equal(t, 10, h.Stats()[0].Subscribers)
}

func TestUpstreamOpenIffSubscribed(t *testing.T) {
	h, broker, _ := newTestHub(t, 16)
	key := topic.Key("channel:2:emotes")
	subject := bus.Subject(key)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s, err := h.Subscribe(context.Background(), key)
				if !assert.NoError(t, err) {
					return
				}
				assert.GreaterOrEqual(t, broker.Subscribers(subject), 1)
				_ = s.Close()
			}
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return broker.Subscribers(subject) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.Len())

	s, err := h.Subscribe(context.Background(), key)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1, broker.Subscribers(subject))
}

type blockingOpener struct {
	release chan struct{}
	err     error

	mu    sync.Mutex
	calls int
}

func (o *blockingOpener) Open(ctx context.Context, key topic.Key) (bus.Stream, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	select {
	case <-o.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, o.err
}

func TestOpenFailureReachesJoinersAndLeavesNoEntry(t *testing.T) {
	opener := &blockingOpener{release: make(chan struct{}), err: errors.New("broker down")}
	h := hub.New(nil, opener, 4)
	key := topic.Key("channel:3:emotes")

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := h.Subscribe(context.Background(), key)
			errs <- err
		}()
	}
	assert.Eventually(t, func() bool {
		stats := h.Stats()
		return len(stats) == 1 && stats[0].Subscribers == 3
	}, time.Second, time.Millisecond)

	close(opener.release)
	for i := 0; i < 3; i++ {
		err := <-errs
		assert.EqualError(t, err, "broker down")
	}
	assert.Equal(t, 0, h.Len())
	opener.mu.Lock()
	assert.Equal(t, 1, opener.calls)
	opener.mu.Unlock()
}

func TestJoinerContextCancelled(t *testing.T) {
	opener := &blockingOpener{release: make(chan struct{}), err: errors.New("stopped")}
	t.Cleanup(func() { close(opener.release) })
	h := hub.New(nil, opener, 4)
	key := topic.Key("channel:4:emotes")

	go func() { _, _ = h.Subscribe(context.Background(), key) }()
	assert.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Subscribe(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.Stats()[0].Subscribers)
}

func TestUpstreamFailureClosesTopic(t *testing.T) {
	h, broker, _ := newTestHub(t, 16)
	key := topic.Key("channel:5:emotes")

	s, err := h.Subscribe(context.Background(), key)
	require.NoError(t, err)
	defer s.Close()

	broker.Fail(bus.Subject(key), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, hub.ErrTopicClosed)
	assert.Equal(t, 0, h.Len())

	again, err := h.Subscribe(context.Background(), key)
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, 2, broker.Opened())
}

func TestLaggingSubscriberSkipsAhead(t *testing.T) {
	h, _, bridge := newTestHub(t, 4)
	key := topic.Key("channel:6:emotes")

	slow, err := h.Subscribe(context.Background(), key)
	require.NoError(t, err)
	defer slow.Close()

	ids := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10"}
	for _, id := range ids {
		publish(t, bridge, key, id)
	}
	assert.Eventually(t, func() bool {
		stats := h.Stats()
		return len(stats) == 1 && stats[0].Forwarded == uint64(len(ids))
	}, time.Second, time.Millisecond)

	assert.Equal(t, "7", next(t, slow).ID)
	assert.Equal(t, uint64(6), slow.Lagged())
	for _, id := range ids[7:] {
		assert.Equal(t, id, next(t, slow).ID)
	}
	expectNothing(t, slow)
}

func TestClosedSubscriptionNext(t *testing.T) {
	h, _, _ := newTestHub(t, 4)
	s, err := h.Subscribe(context.Background(), "channel:7:emotes")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, hub.ErrSubscriptionClosed)
	assert.Equal(t, 0, h.Len())
}

func TestDroppedSubscriptionIsReleased(t *testing.T) {
	h, broker, _ := newTestHub(t, 4)
	key := topic.Key("channel:8:emotes")

	func() {
		_, err := h.Subscribe(context.Background(), key)
		require.NoError(t, err)
	}()
	assert.Eventually(t, func() bool {
		runtime.GC()
		return h.Len() == 0 && broker.Subscribers(bus.Subject(key)) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClosedHubRejectsSubscribe(t *testing.T) {
	h, _, _ := newTestHub(t, 4)
	s, err := h.Subscribe(context.Background(), "channel:9:emotes")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, h.Close(context.Background()))
	_, err = h.Subscribe(context.Background(), "channel:9:emotes")
	assert.ErrorIs(t, err, hub.ErrHubClosed)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, hub.ErrTopicClosed)
}
