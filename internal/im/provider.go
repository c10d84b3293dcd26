// Package im holds the provider-agnostic value types shared by every part of
// the gateway: providers and their configuration, outbound messages, send
// results, connection snapshots and inbound messages.
package im

import (
	"fmt"
	"strings"
)

// Provider identifies a chat platform integration.
type Provider string

const (
	WeCom    Provider = "wecom"
	DingTalk Provider = "dingtalk"
	Feishu   Provider = "feishu"
	Discord  Provider = "discord"
	Telegram Provider = "telegram"
)

// Providers lists every known provider in a stable order.
var Providers = []Provider{WeCom, DingTalk, Feishu, Discord, Telegram}

// ParseProvider is case-insensitive and tolerates surrounding whitespace.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if p.Valid() {
		return p, nil
	}
	return "", fmt.Errorf("unknown IM provider %q", s)
}

func (p Provider) Valid() bool {
	switch p {
	case WeCom, DingTalk, Feishu, Discord, Telegram:
		return true
	}
	return false
}

func (p Provider) String() string { return string(p) }

// DisplayName is the human label used in chat-facing text.
func (p Provider) DisplayName() string {
	switch p {
	case WeCom:
		return "企业微信"
	case DingTalk:
		return "钉钉"
	case Feishu:
		return "飞书"
	case Discord:
		return "Discord"
	case Telegram:
		return "Telegram"
	}
	return string(p)
}

// SupportsSession reports whether the provider can hold a persistent bot
// session (and therefore direct-message a user).
func (p Provider) SupportsSession() bool {
	switch p {
	case Discord, Feishu, Telegram:
		return true
	}
	return false
}
