// Package types provides the core data types shared by eventkeep components.
package types

import (
	"encoding/json"
	"time"
)

// Event is an immutable, already-classified domain event. It is created once
// by a producer and persisted at most once under its ID.
type Event struct {
	// ID is the globally unique event identifier
	ID string `json:"id"`

	// Type is the event variant discriminator (e.g. "LatencyEvent")
	Type string `json:"type"`

	// Timestamp is the time the event occurred, in epoch milliseconds
	Timestamp int64 `json:"timestamp"`

	// Payload is the producer's opaque serialized form of the event
	Payload json.RawMessage `json:"payload,omitempty"`

	// Attributes holds the optional typed attributes used by indexing
	Attributes Attributes `json:"attributes"`
}

// Attributes are the optional typed attributes an event variant may carry.
// Which of them a variant populates depends on the producer.
type Attributes struct {
	Source  string            `json:"source,omitempty"`
	Latency *int64            `json:"latency,omitempty"` // milliseconds
	Value   *float64          `json:"value,omitempty"`
	State   *string           `json:"state,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// Time returns the event timestamp as a UTC time.Time.
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// Message is the transient envelope handed to the store by producers.
type Message struct {
	Channel string `json:"channel"`
	Event   Event  `json:"event"`
}

// Validate checks the fields every write path depends on.
func (m *Message) Validate() error {
	switch {
	case m.Channel == "":
		return ErrEmptyChannel
	case m.Event.ID == "":
		return ErrEmptyEventID
	case m.Event.Type == "":
		return ErrEmptyEventType
	}
	return nil
}

// ChannelCount is one entry of the channel registry.
type ChannelCount struct {
	Channel string `json:"channel"`
	Count   int64  `json:"count"`
}

// IndexValueCount is one observed value combination of an index shape.
type IndexValueCount struct {
	Values []string `json:"values"`
	Count  int64    `json:"count"`
}
