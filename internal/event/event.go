// Package event defines the payloads carried from the upstream bus to clients.
package event

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/memohai/eventgate/internal/topic"
)

// Type identifies the event category carried by an envelope.
type Type string

const (
	// TypeRetract withdraws a previously published event; Retracts names its id.
	TypeRetract Type = "retract"
)

var (
	// ErrMissingType is returned when an envelope has no type.
	ErrMissingType = errors.New("event type is required")
	// ErrRetractTarget is returned when a retract envelope does not name an id.
	ErrRetractTarget = errors.New("retract event requires retracts id")
)

// Envelope is the wire format published on the upstream bus.
type Envelope struct {
	ID          string          `json:"id,omitempty"`
	Type        Type            `json:"type"`
	Topic       string          `json:"topic,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Retracts    string          `json:"retracts,omitempty"`
	PublishedAt time.Time       `json:"published_at,omitzero"`
}

// Payload is an immutable decoded event shared by every subscriber of Topic.
// Receivers must not modify it.
type Payload struct {
	ID          string
	Topic       topic.Key
	Type        Type
	Data        json.RawMessage
	Retracts    string
	PublishedAt time.Time

	dedupeKey string
}

// DedupeKey returns the identity used to suppress duplicate deliveries: the
// publisher's id when present, otherwise a content hash of type and data, so
// the same event fanned in from overlapping topics collapses to one key.
func (p *Payload) DedupeKey() string {
	if p.dedupeKey != "" {
		return p.dedupeKey
	}
	return dedupeKey(p.ID, p.Type, p.Data)
}

// IsRetraction reports whether p withdraws another event.
func (p *Payload) IsRetraction() bool { return p.Type == TypeRetract }

// Decode parses an envelope received on key.
func Decode(key topic.Key, raw []byte) (*Payload, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return FromEnvelope(key, env)
}

// FromEnvelope validates env and builds the payload delivered on key.
func FromEnvelope(key topic.Key, env Envelope) (*Payload, error) {
	env.Type = Type(strings.TrimSpace(string(env.Type)))
	if env.Type == "" {
		return nil, ErrMissingType
	}
	if env.Type == TypeRetract && strings.TrimSpace(env.Retracts) == "" {
		return nil, ErrRetractTarget
	}
	p := &Payload{
		ID:          strings.TrimSpace(env.ID),
		Topic:       key,
		Type:        env.Type,
		Data:        env.Data,
		Retracts:    strings.TrimSpace(env.Retracts),
		PublishedAt: env.PublishedAt,
	}
	p.dedupeKey = dedupeKey(p.ID, p.Type, p.Data)
	return p, nil
}

// Encode serializes env for publishing.
func Encode(env Envelope) ([]byte, error) {
	if strings.TrimSpace(string(env.Type)) == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(env)
}

func dedupeKey(id string, typ Type, data []byte) string {
	if id != "" {
		return id
	}
	h := blake3.New()
	_, _ = h.Write([]byte(typ))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(data)
	sum := h.Sum(nil)
	return "h:" + hex.EncodeToString(sum[:16])
}
