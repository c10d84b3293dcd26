package im

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider("  DingTalk ")
	require.NoError(t, err)
	assert.Equal(t, DingTalk, p)
	assert.Equal(t, "钉钉", p.DisplayName())

	_, err = ParseProvider("slack")
	assert.Error(t, err)
}

func TestSupportsSession(t *testing.T) {
	for _, p := range Providers {
		want := p == Discord || p == Feishu || p == Telegram
		assert.Equal(t, want, p.SupportsSession(), p)
	}
}

func TestProviderConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  ProviderConfig
		ok   bool
	}{
		{"disabled without creds", ProviderConfig{Provider: WeCom}, true},
		{"webhook only", ProviderConfig{Provider: WeCom, Enabled: true, WebhookURL: "https://x"}, true},
		{"wecom missing url", ProviderConfig{Provider: WeCom, Enabled: true}, false},
		{"discord bot", ProviderConfig{Provider: Discord, Enabled: true, BotToken: "t"}, true},
		{"feishu half creds", ProviderConfig{Provider: Feishu, Enabled: true, AppID: "a"}, false},
		{"unknown", ProviderConfig{Provider: "irc", Enabled: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			var ce *ConfigurationError
			assert.True(t, errors.As(err, &ce))
		})
	}
}

func TestPrefixDefault(t *testing.T) {
	assert.Equal(t, "!", ProviderConfig{}.Prefix())
	assert.Equal(t, "/", ProviderConfig{CommandPrefix: "/"}.Prefix())
}

func TestIsAuthenticationThroughWrapping(t *testing.T) {
	err := fmt.Errorf("start discord: %w", &AuthenticationError{Provider: Discord, Reason: "invalid token"})
	assert.True(t, IsAuthentication(err))
	assert.False(t, IsAuthentication(&TransportError{Provider: Discord, Op: "connect", Err: errors.New("eof")}))
	assert.Equal(t, "authentication failed (discord): invalid token", errors.Unwrap(err).Error())
}

func TestStatusCloneDoesNotShareExtras(t *testing.T) {
	s := ConnectionStatus{Extras: map[string]any{"guild_count": 1}}
	cp := s.Clone()
	cp.Extras["guild_count"] = 2
	assert.Equal(t, 1, s.Extras["guild_count"])
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "**T**\n\nbody", Markdown("T", "body").PlainText())
	assert.Equal(t, "body", Text("body").PlainText())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Discord: connected", ConnectionStatus{Provider: Discord, Running: true, Connected: true}.String())
	assert.Equal(t, "Telegram: stopped", ConnectionStatus{Provider: Telegram}.String())
	assert.Equal(t, "飞书: disconnected (reconnect attempts 3) - boom",
		ConnectionStatus{Provider: Feishu, Running: true, ReconnectAttempts: 3, LastError: "boom"}.String())
}
