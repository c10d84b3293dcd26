package routing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgateway/internal/affinity"
	"imgateway/internal/gateway"
	"imgateway/internal/im"
)

type fakeGateway struct {
	configs []im.ProviderConfig
	direct  map[im.Provider]im.SendResult

	mu    sync.Mutex
	calls []string
}

func (f *fakeGateway) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeGateway) Config(p im.Provider) (im.ProviderConfig, bool) {
	for _, c := range f.configs {
		if c.Provider == p {
			return c, true
		}
	}
	return im.ProviderConfig{}, false
}

func (f *fakeGateway) DefaultProvider() (im.Provider, bool) {
	ps := f.AvailableProviders()
	if len(ps) == 0 {
		return "", false
	}
	return ps[0], true
}

func (f *fakeGateway) AvailableProviders() []im.Provider {
	var out []im.Provider
	for _, c := range f.configs {
		if c.Enabled {
			out = append(out, c.Provider)
		}
	}
	return out
}

func (f *fakeGateway) SendToProvider(_ context.Context, p im.Provider, msg im.OutboundMessage) im.SendResult {
	f.record("webhook:" + string(p) + ":" + msg.PlainText())
	return im.Succeeded(p, "")
}

func (f *fakeGateway) SendDirect(_ context.Context, p im.Provider, userID string, msg im.OutboundMessage) im.SendResult {
	f.record("bot:" + string(p) + ":" + userID + ":" + msg.PlainText())
	if r, ok := f.direct[p]; ok {
		return r
	}
	return im.Failed(p, string(p)+" bot unavailable")
}

func (f *fakeGateway) SendToAll(ctx context.Context, msg im.OutboundMessage) []im.SendResult {
	var out []im.SendResult
	for _, p := range f.AvailableProviders() {
		out = append(out, f.SendToProvider(ctx, p, msg))
	}
	return out
}

type brokenStore struct{}

func (brokenStore) Set(context.Context, string, im.Provider, time.Duration) error {
	return errors.New("down")
}

func (brokenStore) Get(context.Context, string) (im.Provider, bool, error) {
	return "", false, errors.New("down")
}
func (brokenStore) Close() error { return nil }

func TestSendWithoutAffinityUsesDefaultWebhook(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0})
	}))
	defer srv.Close()

	gw := gateway.New([]im.ProviderConfig{{Provider: im.WeCom, Enabled: true, WebhookURL: srv.URL}})
	r := New(gw, affinity.NewMemory())

	res := r.Send(t.Context(), im.Text("hello"), "u1")
	assert.Equal(t, im.Succeeded(im.WeCom, ""), res)
	assert.Equal(t, 1, hits)
}

func TestSendPrefersAffinityBot(t *testing.T) {
	gw := &fakeGateway{
		configs: []im.ProviderConfig{
			{Provider: im.WeCom, Enabled: true, WebhookURL: "w"},
			{Provider: im.Discord, Enabled: true, BotToken: "t"},
		},
		direct: map[im.Provider]im.SendResult{im.Discord: im.Succeeded(im.Discord, "dm-9")},
	}
	r := New(gw, affinity.NewMemory())
	require.NoError(t, r.SetUserChannel(t.Context(), "u1", im.Discord))

	res := r.SendMarkdown(t.Context(), "T", "body", "u1")
	assert.Equal(t, im.Succeeded(im.Discord, "dm-9"), res)
	assert.Equal(t, []string{"bot:discord:u1:**T**\n\nbody"}, gw.calls)
}

func TestSendFallsBackToWebhookWhenBotFails(t *testing.T) {
	gw := &fakeGateway{configs: []im.ProviderConfig{
		{Provider: im.Discord, Enabled: true, BotToken: "t", WebhookURL: "w"},
	}}
	r := New(gw, affinity.NewMemory())
	require.NoError(t, r.SetUserChannel(t.Context(), "u1", im.Discord))

	res := r.SendText(t.Context(), "x", "u1")
	assert.True(t, res.Success)
	assert.Equal(t, []string{"bot:discord:u1:x", "webhook:discord:x"}, gw.calls)
}

func TestSendReportsBotUnavailableWithoutWebhook(t *testing.T) {
	gw := &fakeGateway{configs: []im.ProviderConfig{{Provider: im.Telegram, Enabled: true, BotToken: "t"}}}
	r := New(gw, affinity.NewMemory())

	res := r.SendText(t.Context(), "x", "42")
	assert.Equal(t, im.Failed(im.Telegram, "telegram bot unavailable"), res)

	res = r.SendText(t.Context(), "x", "")
	assert.Equal(t, im.Failed(im.Telegram, "no available channel for telegram"), res)
}

func TestSendWithNoProviders(t *testing.T) {
	r := New(&fakeGateway{}, nil)
	assert.Equal(t, "no IM providers available", r.SendText(t.Context(), "x", "u1").Error)
	results := r.SendToAll(t.Context(), im.Text("x"))
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
}

func TestStaleAffinityFallsBackToDefault(t *testing.T) {
	gw := &fakeGateway{configs: []im.ProviderConfig{
		{Provider: im.WeCom, Enabled: true, WebhookURL: "w"},
		{Provider: im.Discord, Enabled: false, BotToken: "t"},
	}}
	r := New(gw, affinity.NewMemory())
	require.NoError(t, r.SetUserChannel(t.Context(), "u1", im.Discord))

	res := r.SendText(t.Context(), "x", "u1")
	assert.Equal(t, im.WeCom, res.Provider)
	assert.Equal(t, []string{"webhook:wecom:x"}, gw.calls)
}

func TestStoreErrorsMeanNoAffinity(t *testing.T) {
	gw := &fakeGateway{configs: []im.ProviderConfig{{Provider: im.WeCom, Enabled: true, WebhookURL: "w"}}}
	r := New(gw, brokenStore{})
	_, ok := r.GetUserChannel(t.Context(), "u1")
	assert.False(t, ok)
	assert.True(t, r.SendText(t.Context(), "x", "u1").Success)
}

func TestNotifyHelpers(t *testing.T) {
	gw := &fakeGateway{configs: []im.ProviderConfig{{Provider: im.WeCom, Enabled: true, WebhookURL: "w"}}}
	r := New(gw, nil)

	long := strings.Repeat("a", 150)
	r.NotifyCaptureSuccess(t.Context(), "id-1", long, "")
	r.NotifyError(t.Context(), "disk full", "")

	require.Len(t, gw.calls, 2)
	assert.Equal(t, "webhook:wecom:✅ Captured\n\nUUID: id-1\nContent: "+strings.Repeat("a", 100)+"...", gw.calls[0])
	assert.Equal(t, "webhook:wecom:❌ Error: disk full", gw.calls[1])
}
