package im

import (
	"context"
	"fmt"
	"time"
)

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindMarkdown MessageKind = "markdown"
	KindCard     MessageKind = "card"
)

// OutboundMessage is what callers hand to the router or an adapter.
type OutboundMessage struct {
	Content string
	Kind    MessageKind
	Title   string
	Extra   map[string]any
}

func Text(content string) OutboundMessage {
	return OutboundMessage{Content: content, Kind: KindText}
}

func Markdown(title, content string) OutboundMessage {
	return OutboundMessage{Content: content, Kind: KindMarkdown, Title: title}
}

// Card carries a provider-specific card body in Extra.
func Card(content string, extra map[string]any) OutboundMessage {
	return OutboundMessage{Content: content, Kind: KindCard, Extra: extra}
}

// PlainText renders the message for transports that only take text.
// Markdown titles become a bold heading line.
func (m OutboundMessage) PlainText() string {
	if m.Kind == KindMarkdown && m.Title != "" {
		return "**" + m.Title + "**\n\n" + m.Content
	}
	return m.Content
}

// SendResult is returned by value from every outbound path.
type SendResult struct {
	Provider  Provider `json:"provider"`
	Success   bool     `json:"success"`
	MessageID string   `json:"message_id,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func Succeeded(p Provider, messageID string) SendResult {
	return SendResult{Provider: p, Success: true, MessageID: messageID}
}

func Failed(p Provider, reason string) SendResult {
	return SendResult{Provider: p, Success: false, Error: reason}
}

// ConnectionStatus is a point-in-time snapshot of a persistent session.
type ConnectionStatus struct {
	Provider          Provider       `json:"provider"`
	Enabled           bool           `json:"enabled"`
	Running           bool           `json:"running"`
	Connected         bool           `json:"connected"`
	ReconnectAttempts int            `json:"reconnect_attempts"`
	LastConnectedAt   time.Time      `json:"last_connected_at,omitzero"`
	LastEventAt       time.Time      `json:"last_event_at,omitzero"`
	LastErrorAt       time.Time      `json:"last_error_at,omitzero"`
	LastError         string         `json:"last_error,omitempty"`
	Extras            map[string]any `json:"extras,omitempty"`
}

// Clone returns a deep-enough copy: the Extras map is never shared.
func (s ConnectionStatus) Clone() ConnectionStatus {
	cp := s
	if s.Extras != nil {
		cp.Extras = make(map[string]any, len(s.Extras))
		for k, v := range s.Extras {
			cp.Extras[k] = v
		}
	}
	return cp
}

// String renders one chat-facing line, e.g. "Discord: connected".
func (s ConnectionStatus) String() string {
	state := "disconnected"
	switch {
	case s.Connected:
		state = "connected"
	case !s.Running:
		state = "stopped"
	}
	line := s.Provider.DisplayName() + ": " + state
	if s.ReconnectAttempts > 0 {
		line += fmt.Sprintf(" (reconnect attempts %d)", s.ReconnectAttempts)
	}
	if s.LastError != "" && !s.Connected {
		line += " - " + s.LastError
	}
	return line
}

// ReplyFunc answers in the conversation the message came from.
type ReplyFunc func(ctx context.Context, text string) error

// InboundMessage is built by a transport from a raw platform event.
type InboundMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ChatID     string    `json:"chat_id"`
	Text       string    `json:"text"`
	Provider   Provider  `json:"provider"`
	FromSelf   bool      `json:"-"`
	FromBot    bool      `json:"-"`
	ReceivedAt time.Time `json:"received_at"`

	Reply ReplyFunc `json:"-"`
}
