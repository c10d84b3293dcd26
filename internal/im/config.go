package im

import (
	"strings"
	"time"
)

const DefaultCommandPrefix = "!"

// ProviderConfig is loaded once at startup and read-only afterwards.
type ProviderConfig struct {
	Provider   Provider
	Enabled    bool
	WebhookURL string
	Secret     string

	BotToken          string
	AppID             string
	AppSecret         string
	VerificationToken string
	EncryptKey        string

	ProxyURL         string
	BypassProxy      bool
	HeartbeatTimeout time.Duration
	DisconnectGrace  time.Duration
	CommandPrefix    string

	Params map[string]string
}

// Prefix returns the command prefix, falling back to "!".
func (c ProviderConfig) Prefix() string {
	if p := strings.TrimSpace(c.CommandPrefix); p != "" {
		return p
	}
	return DefaultCommandPrefix
}

// Param reads a free-form parameter, returning def when unset.
func (c ProviderConfig) Param(key, def string) string {
	if v, ok := c.Params[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// HasWebhook reports whether outbound webhook delivery is configured.
func (c ProviderConfig) HasWebhook() bool { return strings.TrimSpace(c.WebhookURL) != "" }

// HasSession reports whether the provider is a session provider with the
// credentials its transport needs.
func (c ProviderConfig) HasSession() bool {
	switch c.Provider {
	case Discord, Telegram:
		return strings.TrimSpace(c.BotToken) != ""
	case Feishu:
		return strings.TrimSpace(c.AppID) != "" && strings.TrimSpace(c.AppSecret) != ""
	}
	return false
}

// Validate checks that an enabled provider has something to send through.
// A disabled provider is always valid.
func (c ProviderConfig) Validate() error {
	if !c.Provider.Valid() {
		return &ConfigurationError{Provider: c.Provider, Reason: "unknown provider"}
	}
	if !c.Enabled {
		return nil
	}
	if c.HasWebhook() || c.HasSession() {
		return nil
	}
	switch c.Provider {
	case Discord, Telegram:
		return &ConfigurationError{Provider: c.Provider, Reason: "webhook_url or bot_token required"}
	case Feishu:
		return &ConfigurationError{Provider: c.Provider, Reason: "webhook_url or app_id/app_secret required"}
	default:
		return &ConfigurationError{Provider: c.Provider, Reason: "webhook_url required"}
	}
}
