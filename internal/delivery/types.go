// Package delivery receives channel events from the messaging service over a
// push transport, falling back to polling when push keeps failing.
package delivery

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Origin tells whether an event echoes this client's own send
type Origin string

const (
	OriginSelf   Origin = "self"
	OriginRemote Origin = "remote"
)

// Event is one message on a channel. On the wire the text is nested:
// {"id","kind","ts","by","data":{"text"}}.
type Event struct {
	ID     string
	Kind   string
	TS     time.Time
	By     string
	Text   string
	Origin Origin
}

type eventData struct {
	Text string `json:"text"`
}

type wireEvent struct {
	ID   string    `json:"id"`
	Kind string    `json:"kind"`
	TS   time.Time `json:"ts"`
	By   string    `json:"by"`
	Data eventData `json:"data"`
}

// MarshalJSON writes the delivery service's event shape
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{ID: e.ID, Kind: e.Kind, TS: e.TS, By: e.By, Data: eventData{Text: e.Text}})
}

// UnmarshalJSON reads the delivery service's event shape
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Event{ID: w.ID, Kind: w.Kind, TS: w.TS, By: w.By, Text: w.Data.Text}
	return nil
}

// KindMessage is the event kind of a chat message
const KindMessage = "message"

// IsMessage reports whether e carries a chat message rather than a status or
// system notification. Namespaced kinds such as "chat.message" count, and so
// does an event without a kind.
func (e Event) IsMessage() bool {
	return e.Kind == "" || e.Kind == KindMessage || strings.HasSuffix(e.Kind, "."+KindMessage)
}

// Mode is the transport mode of a subscription
type Mode string

const (
	ModeConnected    Mode = "connected"
	ModeReconnecting Mode = "reconnecting"
	ModePolling      Mode = "polling"
)

// State is a snapshot of a subscription's transport
type State struct {
	Mode     Mode
	Failures int
	Backoff  time.Duration
}

// Handlers receive a subscription's output. Every callback runs on the scheduler's timeline.
type Handlers struct {
	OnRemote func(Event)
	OnSelf   func(Event)
	OnState  func(State)
	// OnHealth reports delivery becoming unavailable (false) and recovering (true)
	OnHealth func(healthy bool)
}

// Pusher is a push transport
type Pusher interface {
	Name() string
	// Stream connects to channelID and feeds events to onEvent until the
	// connection fails or ctx is done. onOpen fires once connected. Stream
	// always returns when the connection is gone.
	Stream(ctx context.Context, channelID string, onOpen func(), onEvent func(Event)) error
}

// Poller is a pull transport
type Poller interface {
	Name() string
	// Fetch returns the most recent events of channelID, at most limit
	Fetch(ctx context.Context, channelID string, limit int) ([]Event, error)
}

// Config tunes subscriptions
type Config struct {
	SelfID           string
	FailureThreshold int           // consecutive push failures before polling
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	PollInterval     time.Duration
	PollLimit        int
	StaleGrace       time.Duration // events older than subscription start minus this are never delivered
	RepromoteAfter   time.Duration // 0 keeps polling for the life of the subscription
	PollFailures     int           // consecutive poll failures before delivery is reported unhealthy
}

// DefaultConfig returns the standard delivery settings
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		PollInterval:     3 * time.Second,
		PollLimit:        50,
		StaleGrace:       5 * time.Second,
		PollFailures:     3,
	}
}
