package signature

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgateway/internal/im"
)

const (
	feishuVector   = "d40c5acd3845db48e724f12d8837a6d0a2b8525c"
	dingTalkVector = "8d18502a67160c1dfc61435e0845e9f72a3f23938133b50ff357294eb1131d4c"
)

func TestDigestVectors(t *testing.T) {
	assert.Equal(t, feishuVector, FeishuDigest("s3cr3t", "1700000000", "abc"))
	assert.Equal(t, dingTalkVector, DingTalkDigest("s3cr3t", "1700000000000"))
}

func newVerifier(now time.Time, configs ...im.ProviderConfig) *Verifier {
	return New(configs, WithClock(func() time.Time { return now }))
}

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestFeishuScheme(t *testing.T) {
	v := newVerifier(time.Unix(1700000100, 0), im.ProviderConfig{Provider: im.Feishu, Enabled: true, Secret: "s3cr3t"})

	good := header("User-Agent", "Lark-Webhook/1.0",
		"X-Lark-Request-Timestamp", "1700000000",
		"X-Lark-Request-Nonce", "abc",
		"X-Lark-Signature", feishuVector)
	require.NoError(t, v.Verify("/webhook", good))

	bad := good.Clone()
	bad.Set("X-Lark-Signature", "00"+feishuVector[2:])
	err := v.Verify("/webhook", bad)
	require.Error(t, err)
	assert.True(t, im.IsAuthentication(err))
	assert.NotContains(t, err.Error(), "s3cr3t")

	missing := header("User-Agent", "feishu")
	assert.True(t, im.IsAuthentication(v.Verify("/api/v1/webhook", missing)))
}

func TestFeishuReplayWindow(t *testing.T) {
	v := newVerifier(time.Unix(1700003601, 0), im.ProviderConfig{Provider: im.Feishu, Enabled: true, Secret: "s3cr3t"})
	h := header(HeaderProvider, "feishu",
		"X-Lark-Request-Timestamp", "1700000000",
		"X-Lark-Request-Nonce", "abc",
		"X-Lark-Signature", feishuVector)
	err := v.Verify("/webhook", h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestDingTalkScheme(t *testing.T) {
	cfg := im.ProviderConfig{Provider: im.DingTalk, Enabled: true, Secret: "s3cr3t"}
	h := header(HeaderProvider, "DingTalk", "timestamp", "1700000000000", "sign", dingTalkVector)

	assert.NoError(t, newVerifier(time.UnixMilli(1700003600000), cfg).Verify("/webhook", h))
	assert.Error(t, newVerifier(time.UnixMilli(1700003600001), cfg).Verify("/webhook", h))

	h.Set("sign", "deadbeef")
	assert.True(t, im.IsAuthentication(newVerifier(time.UnixMilli(1700000000000), cfg).Verify("/webhook", h)))
}

func TestNoSecretPassesThrough(t *testing.T) {
	v := newVerifier(time.Unix(1700000000, 0), im.ProviderConfig{Provider: im.DingTalk, Enabled: true})
	h := header("User-Agent", "DingTalk-Bot", "timestamp", "1", "sign", "wrong")
	assert.NoError(t, v.Verify("/webhook", h))
}

func TestNonWebhookPathUntouched(t *testing.T) {
	v := newVerifier(time.Unix(0, 0), im.ProviderConfig{Provider: im.DingTalk, Enabled: true, Secret: "s"})
	assert.NoError(t, v.Verify("/api/v1/im/status", header(HeaderProvider, "dingtalk")))
}

func TestProviderWithoutScheme(t *testing.T) {
	v := newVerifier(time.Unix(0, 0), im.ProviderConfig{Provider: im.WeCom, Enabled: true, Secret: "s"})
	assert.NoError(t, v.Verify("/webhook", header("User-Agent", "wxwork/4.0")))
}

func TestDetect(t *testing.T) {
	cases := []struct {
		h    http.Header
		want im.Provider
		ok   bool
	}{
		{header("User-Agent", "Mozilla DingTalk"), im.DingTalk, true},
		{header("User-Agent", "LarkSuite"), im.Feishu, true},
		{header("User-Agent", "WXWork/3"), im.WeCom, true},
		{header("User-Agent", "DiscordBot"), im.Discord, true},
		{header("User-Agent", "TelegramBot"), im.Telegram, true},
		{header("User-Agent", "curl/8", HeaderProvider, "feishu"), im.Feishu, true},
		{header(HeaderProvider, "wecom", "User-Agent", "DingTalk"), im.WeCom, true},
		{header("User-Agent", "curl/8"), "", false},
	}
	for _, tc := range cases {
		got, ok := Detect(tc.h)
		assert.Equal(t, tc.ok, ok, tc.h)
		assert.Equal(t, tc.want, got, tc.h)
	}
}
