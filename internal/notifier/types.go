package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Channel names a delivery route.
type Channel string

const (
	ChannelLog      Channel = "log"
	ChannelOperator Channel = "operator"
)

// Message is one queued delivery.
type Message struct {
	Channel  Channel
	Priority int // 0 low.. 10 high
	Kind     string
	Text     string
}

// Sink delivers formatted text to one destination.
type Sink interface {
	Send(ctx context.Context, text string) error
}

type HistoryItem struct {
	At      time.Time
	Channel Channel
	Text    string
}

// Bus event types.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)

// Event is published on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type Event struct {
	Channel Channel   `json:"channel"`
	Kind    string    `json:"kind,omitempty"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
