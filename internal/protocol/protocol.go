// Package protocol defines the JSON frames exchanged with streaming clients.
//
// Every frame is an object {"op": ..., "d": ...}. Server frames carry a
// monotonically increasing "seq"; client frames may carry a "nonce" that the
// server echoes in the ack or error answering it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/memohai/eventgate/internal/event"
	"github.com/memohai/eventgate/internal/session"
)

// Op names a frame.
type Op string

// Server ops.
const (
	OpHello       Op = "hello"
	OpDispatch    Op = "dispatch"
	OpHeartbeat   Op = "heartbeat"
	OpAck         Op = "ack"
	OpError       Op = "error"
	OpReconnect   Op = "reconnect"
	OpEndOfStream Op = "end_of_stream"
)

// Client ops.
const (
	OpSubscribe    Op = "subscribe"
	OpUnsubscribe  Op = "unsubscribe"
	OpHeartbeatAck Op = "heartbeat_ack"
)

// Close codes sent on the WebSocket close frame.
const (
	CloseServerRestart    websocket.StatusCode = 4000
	CloseTTLExpired       websocket.StatusCode = 4001
	CloseHeartbeatTimeout websocket.StatusCode = 4002
	CloseRateLimited      websocket.StatusCode = 4003
	CloseInvalidFrame     websocket.StatusCode = 4004
	CloseConnectionLimit  websocket.StatusCode = 4005
)

// Error codes carried by error frames.
const (
	CodeInvalidFrame      = "invalid_frame"
	CodeUnknownOp         = "unknown_op"
	CodeInvalidTopic      = "invalid_topic"
	CodeSubscriptionLimit = "subscription_limit"
	CodeAlreadySubscribed = "already_subscribed"
	CodeNotSubscribed     = "not_subscribed"
	CodeRateLimited       = "rate_limited"
	CodeTopicClosed       = "topic_closed"
	CodeUnavailable       = "unavailable"
)

// Frame is the envelope of every message on the wire.
type Frame struct {
	Op    Op              `json:"op"`
	Seq   uint64          `json:"seq,omitempty"`
	Nonce string          `json:"nonce,omitempty"`
	Data  json.RawMessage `json:"d,omitempty"`
}

// Hello is the first frame of every stream.
type Hello struct {
	SessionID           string `json:"session_id"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
	SubscriptionLimit   int    `json:"subscription_limit"`
}

// Dispatch carries one event.
type Dispatch struct {
	ID          string          `json:"id,omitempty"`
	Topic       string          `json:"topic"`
	Type        event.Type      `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Retracts    string          `json:"retracts,omitempty"`
	PublishedAt time.Time       `json:"published_at,omitzero"`
}

// TopicCommand is the body of subscribe and unsubscribe, and of their acks.
type TopicCommand struct {
	Topic string `json:"topic"`
}

// Ack confirms a client command.
type Ack struct {
	Op    Op     `json:"op"`
	Topic string `json:"topic,omitempty"`
}

// Error reports a rejected command or a dropped topic.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Topic   string `json:"topic,omitempty"`
}

// Reason is the body of reconnect and end_of_stream.
type Reason struct {
	Reason string `json:"reason"`
}

// NewFrame builds a frame with body v marshaled into Data. A nil v leaves
// Data empty.
func NewFrame(op Op, v any) (Frame, error) {
	f := Frame{Op: op}
	if v == nil {
		return f, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", op, err)
	}
	f.Data = data
	return f, nil
}

// Decode unmarshals the frame body into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s: missing body", f.Op)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%s: %w", f.Op, err)
	}
	return nil
}

// DispatchOf converts a payload to its wire form.
func DispatchOf(p *event.Payload) Dispatch {
	return Dispatch{
		ID:          p.ID,
		Topic:       p.Topic.String(),
		Type:        p.Type,
		Data:        p.Data,
		Retracts:    p.Retracts,
		PublishedAt: p.PublishedAt,
	}
}

// ErrorOf maps a session command error to its error frame body.
func ErrorOf(err error) Error {
	code := CodeUnavailable
	switch {
	case errors.Is(err, session.ErrInvalidTopic):
		code = CodeInvalidTopic
	case errors.Is(err, session.ErrSubscriptionLimit):
		code = CodeSubscriptionLimit
	case errors.Is(err, session.ErrAlreadySubscribed):
		code = CodeAlreadySubscribed
	case errors.Is(err, session.ErrNotSubscribed):
		code = CodeNotSubscribed
	case errors.Is(err, session.ErrRateLimited):
		code = CodeRateLimited
	}
	return Error{Code: code, Message: err.Error()}
}

// CloseCodeOf maps a session close reason to a WebSocket close code.
func CloseCodeOf(reason string) websocket.StatusCode {
	switch reason {
	case session.ReasonServerRestart:
		return CloseServerRestart
	case session.ReasonTTLExpired:
		return CloseTTLExpired
	case session.ReasonHeartbeatTimeout:
		return CloseHeartbeatTimeout
	case session.ReasonRateLimited:
		return CloseRateLimited
	default:
		return websocket.StatusNormalClosure
	}
}
