package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/eventgate/internal/event"
	"github.com/memohai/eventgate/internal/session"
)

func TestFrameWireShape(t *testing.T) {
	f, err := NewFrame(OpHello, Hello{SessionID: "s1", HeartbeatIntervalMS: 30000, SubscriptionLimit: 50})
	require.NoError(t, err)
	f.Seq = 1
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"hello","seq":1,"d":{"session_id":"s1","heartbeat_interval_ms":30000,"subscription_limit":50}}`, string(raw))

	beat, err := NewFrame(OpHeartbeat, nil)
	require.NoError(t, err)
	raw, err = json.Marshal(beat)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"heartbeat"}`, string(raw))
}

func TestDecodeClientFrame(t *testing.T) {
	var f Frame
	require.NoError(t, json.Unmarshal([]byte(`{"op":"subscribe","nonce":"n1","d":{"topic":"channel:1:emotes"}}`), &f))
	assert.Equal(t, OpSubscribe, f.Op)
	assert.Equal(t, "n1", f.Nonce)

	var cmd TopicCommand
	require.NoError(t, f.Decode(&cmd))
	assert.Equal(t, "channel:1:emotes", cmd.Topic)

	empty := Frame{Op: OpSubscribe}
	assert.Error(t, empty.Decode(&cmd))
}

func TestDispatchOf(t *testing.T) {
	p, err := event.FromEnvelope("channel:1:emotes", event.Envelope{ID: "7", Type: "emote.added", Data: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	d := DispatchOf(p)
	assert.Equal(t, "7", d.ID)
	assert.Equal(t, "channel:1:emotes", d.Topic)
	assert.Equal(t, event.Type("emote.added"), d.Type)
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "published_at")
}

func TestErrorOf(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("%w: bad", session.ErrInvalidTopic): CodeInvalidTopic,
		session.ErrSubscriptionLimit:                   CodeSubscriptionLimit,
		session.ErrAlreadySubscribed:                   CodeAlreadySubscribed,
		session.ErrNotSubscribed:                       CodeNotSubscribed,
		session.ErrRateLimited:                         CodeRateLimited,
		errors.New("broker down"):                      CodeUnavailable,
	}
	for err, want := range cases {
		assert.Equal(t, want, ErrorOf(err).Code, err.Error())
	}
}

func TestCloseCodeOf(t *testing.T) {
	assert.Equal(t, CloseServerRestart, CloseCodeOf(session.ReasonServerRestart))
	assert.Equal(t, CloseTTLExpired, CloseCodeOf(session.ReasonTTLExpired))
	assert.Equal(t, CloseHeartbeatTimeout, CloseCodeOf(session.ReasonHeartbeatTimeout))
	assert.Equal(t, CloseRateLimited, CloseCodeOf(session.ReasonRateLimited))
	assert.Equal(t, websocket.StatusNormalClosure, CloseCodeOf(session.ReasonClientClosed))
}
