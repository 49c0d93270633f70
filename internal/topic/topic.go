// Package topic defines the identifiers of event channels clients subscribe to.
package topic

import (
	"errors"
	"fmt"
	"strings"
)

// MaxKeyLength bounds the canonical topic string.
const MaxKeyLength = 192

const separator = ":"

var (
	// ErrEmpty is returned when a topic string has no content.
	ErrEmpty = errors.New("topic is empty")
	// ErrTooLong is returned when a canonical topic exceeds MaxKeyLength.
	ErrTooLong = errors.New("topic is too long")
	// ErrMalformed is returned when a topic does not have the namespace[:object]:event shape.
	ErrMalformed = errors.New("topic is malformed")
)

// Key is the canonical, comparable identity of a topic. Two subscriptions share
// a broadcast channel iff their keys are equal.
type Key string

// String returns the canonical topic string.
func (k Key) String() string { return string(k) }

// Topic parses the key back into its structured form.
func (k Key) Topic() (EventTopic, error) {
	return Parse(string(k))
}

// EventTopic is the structured form of a topic, e.g. channel:1234:emotes.
// ObjectID is optional; Namespace and Event are required.
type EventTopic struct {
	Namespace string
	ObjectID  string
	Event     string
}

// Key returns the canonical key for t. It does not validate; use Validate or
// Parse for untrusted input.
func (t EventTopic) Key() Key {
	if t.ObjectID == "" {
		return Key(t.Namespace + separator + t.Event)
	}
	return Key(t.Namespace + separator + t.ObjectID + separator + t.Event)
}

// String returns the canonical topic string.
func (t EventTopic) String() string { return string(t.Key()) }

// Validate reports whether t can be turned into a well-formed key.
func (t EventTopic) Validate() error {
	if t.Namespace == "" && t.ObjectID == "" && t.Event == "" {
		return ErrEmpty
	}
	if err := validSegment("namespace", t.Namespace); err != nil {
		return err
	}
	if t.ObjectID != "" {
		if err := validSegment("object id", t.ObjectID); err != nil {
			return err
		}
	}
	if err := validSegment("event", t.Event); err != nil {
		return err
	}
	if len(t.Key()) > MaxKeyLength {
		return ErrTooLong
	}
	return nil
}

// Parse converts a topic string into an EventTopic. Surrounding whitespace is
// trimmed and namespace/event segments are lowercased; object ids keep their case.
func Parse(raw string) (EventTopic, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return EventTopic{}, ErrEmpty
	}
	if len(raw) > MaxKeyLength {
		return EventTopic{}, ErrTooLong
	}
	parts := strings.Split(raw, separator)
	var t EventTopic
	switch len(parts) {
	case 2:
		t = EventTopic{Namespace: strings.ToLower(parts[0]), Event: strings.ToLower(parts[1])}
	case 3:
		if parts[1] == "" {
			return EventTopic{}, fmt.Errorf("%w: missing object id", ErrMalformed)
		}
		t = EventTopic{Namespace: strings.ToLower(parts[0]), ObjectID: parts[1], Event: strings.ToLower(parts[2])}
	default:
		return EventTopic{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	if err := t.Validate(); err != nil {
		return EventTopic{}, err
	}
	return t, nil
}

// ParseKey parses raw and returns its canonical key.
func ParseKey(raw string) (Key, error) {
	t, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return t.Key(), nil
}

func validSegment(name, s string) error {
	if s == "" {
		return fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: invalid character %q in %s", ErrMalformed, r, name)
		}
	}
	return nil
}
