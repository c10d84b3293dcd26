package notifier

import (
	"context"
	"time"

	"imgateway/internal/im"
)

// Config controls the async alert pipeline.
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
	SendTimeout     time.Duration
}

// Priority levels; higher is more urgent.
const (
	PriorityInfo     = 5
	PriorityWarning  = 7
	PriorityCritical = 9
)

// Notification is one alert. An empty UserID goes to the default provider.
type Notification struct {
	Source   string // "connection", "log", ...
	Text     string
	Priority int
	UserID   string
}

// Sender is the router's send path.
type Sender interface {
	Send(ctx context.Context, msg im.OutboundMessage, userID string) im.SendResult
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Text    string    `json:"text"`
	Success bool      `json:"success"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Source string    `json:"source"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// Event types published on the bus.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)
