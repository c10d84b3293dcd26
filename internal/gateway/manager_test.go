package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgateway/internal/eventbus"
	"imgateway/internal/im"
	"imgateway/internal/im/connection"
	logx "imgateway/pkg/logx"
)

type stubTransport struct {
	provider im.Provider
	loginErr bool

	mu   sync.Mutex
	sent []string
}

func (s *stubTransport) Provider() im.Provider { return s.provider }

func (s *stubTransport) Run(ctx context.Context, ev connection.Events) error {
	if s.loginErr {
		return &im.AuthenticationError{Provider: s.provider, Reason: "bad token"}
	}
	ev.Connected()
	<-ctx.Done()
	return nil
}

func (s *stubTransport) Send(_ context.Context, userID, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, userID+":"+text)
	return "dm-1", nil
}

func (s *stubTransport) Close() error           { return nil }
func (s *stubTransport) Extras() map[string]any { return nil }

type stubFactory struct {
	mu         sync.Mutex
	transports map[im.Provider]*stubTransport
	failing    map[im.Provider]bool
}

func (f *stubFactory) build(cfg im.ProviderConfig, _ logx.Logger) (connection.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &stubTransport{provider: cfg.Provider, loginErr: f.failing[cfg.Provider]}
	if f.transports == nil {
		f.transports = map[im.Provider]*stubTransport{}
	}
	f.transports[cfg.Provider] = t
	return t, nil
}

// okServer answers like a WeCom/DingTalk webhook and counts hits.
func okServer(t *testing.T, hits *int, mu *sync.Mutex) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		*hits++
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "errmsg": "ok"})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func failServer(t *testing.T) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSendToAllKeepsConfigOrderAndIsolatesFailures(t *testing.T) {
	var (
		mu   sync.Mutex
		hits int
	)
	m := New([]im.ProviderConfig{
		{Provider: im.DingTalk, Enabled: true, WebhookURL: failServer(t)},
		{Provider: im.WeCom, Enabled: true, WebhookURL: okServer(t, &hits, &mu)},
		{Provider: im.Discord, Enabled: false, WebhookURL: "http://unused.invalid"},
	})

	results := m.SendToAll(t.Context(), im.Text("hi"))
	require.Len(t, results, 2)
	assert.Equal(t, im.DingTalk, results[0].Provider)
	assert.False(t, results[0].Success)
	assert.Equal(t, "HTTP 502", results[0].Error)
	assert.Equal(t, im.WeCom, results[1].Provider)
	assert.True(t, results[1].Success)
	assert.Equal(t, 1, hits)
}

func TestSendToProviderFailures(t *testing.T) {
	m := New([]im.ProviderConfig{
		{Provider: im.WeCom, Enabled: false, WebhookURL: "http://unused.invalid"},
		{Provider: im.DingTalk, Enabled: true},
	})

	res := m.SendToProvider(t.Context(), im.Feishu, im.Text("x"))
	assert.Equal(t, im.Failed(im.Feishu, "IM provider feishu not configured"), res)

	res = m.SendToProvider(t.Context(), im.WeCom, im.Text("x"))
	assert.Equal(t, im.Failed(im.WeCom, "IM provider wecom disabled"), res)

	res = m.SendToProvider(t.Context(), im.DingTalk, im.Text("x"))
	assert.Equal(t, im.Failed(im.DingTalk, "no available channel for dingtalk"), res)
}

func TestAdapterIsCached(t *testing.T) {
	m := New([]im.ProviderConfig{{Provider: im.WeCom, Enabled: true, WebhookURL: "http://example.invalid/hook"}})
	a := m.Adapter(im.WeCom)
	require.NotNil(t, a)
	assert.Same(t, a, m.Adapter(im.WeCom))
	assert.Nil(t, m.Adapter(im.Telegram))
}

func TestProvidersInConfigOrder(t *testing.T) {
	m := New([]im.ProviderConfig{
		{Provider: im.Telegram, Enabled: false},
		{Provider: im.Feishu, Enabled: true},
		{Provider: im.WeCom, Enabled: true},
		{Provider: im.Feishu, Enabled: false},
	})
	if diff := cmp.Diff([]im.Provider{im.Feishu, im.WeCom}, m.AvailableProviders()); diff != "" {
		t.Fatalf("providers mismatch (-want +got):\n%s", diff)
	}
	p, ok := m.DefaultProvider()
	require.True(t, ok)
	assert.Equal(t, im.Feishu, p)

	_, ok = New(nil).DefaultProvider()
	assert.False(t, ok)
}

func TestStartAllContinuesPastFailures(t *testing.T) {
	f := &stubFactory{failing: map[im.Provider]bool{im.Discord: true}}
	m := New([]im.ProviderConfig{
		{Provider: im.Discord, Enabled: true, BotToken: "bad"},
		{Provider: im.Telegram, Enabled: true, BotToken: "good"},
		{Provider: im.WeCom, Enabled: true, WebhookURL: "http://example.invalid"},
	}, WithTransportFactory(f.build), WithConnection(connection.Config{StartTimeout: time.Second}))

	err := m.StartAll(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord")
	assert.NotContains(t, err.Error(), "telegram")
	assert.True(t, m.Supervisor(im.Telegram).Connected())
	assert.False(t, m.Supervisor(im.Discord).Connected())
	assert.Nil(t, m.Supervisor(im.WeCom))

	// Idempotent.
	require.NoError(t, m.Supervisor(im.Telegram).Start(t.Context()))

	statuses := m.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, im.Discord, statuses[0].Provider)
	assert.Equal(t, im.Telegram, statuses[1].Provider)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))
	require.NoError(t, m.StopAll(ctx))
	assert.False(t, m.Supervisor(im.Telegram).Connected())
}

func TestSendDirectPublishesSendEvent(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	f := &stubFactory{}
	m := New([]im.ProviderConfig{{Provider: im.Telegram, Enabled: true, BotToken: "t"}},
		WithTransportFactory(f.build), WithBus(bus))
	require.NoError(t, m.StartAll(t.Context()))
	t.Cleanup(func() { _ = m.StopAll(context.Background()) })

	res := m.SendDirect(t.Context(), im.Telegram, "42", im.Markdown("Title", "body"))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"42:**Title**\n\nbody"}, f.transports[im.Telegram].sent)

	res = m.SendDirect(t.Context(), im.Discord, "42", im.Text("x"))
	assert.Equal(t, "discord bot unavailable", res.Error)

	var sends []SendEvent
	deadline := time.After(time.Second)
	for len(sends) < 2 {
		select {
		case e := <-events:
			if e.Type == EventSend {
				sends = append(sends, e.Data.(SendEvent))
			}
		case <-deadline:
			t.Fatalf("got %d send events", len(sends))
		}
	}
	want := []SendEvent{
		{Provider: im.Telegram, Via: ViaBot, Success: true, MessageID: "dm-1", UserID: "42"},
		{Provider: im.Discord, Via: ViaBot, Error: "discord bot unavailable", UserID: "42"},
	}
	if diff := cmp.Diff(want, sends); diff != "" {
		t.Fatalf("send events mismatch (-want +got):\n%s", diff)
	}
}

func TestReadyHonoursGrace(t *testing.T) {
	f := &stubFactory{failing: map[im.Provider]bool{im.Discord: true}}
	m := New([]im.ProviderConfig{
		{Provider: im.Discord, Enabled: true, BotToken: "bad"},
		{Provider: im.Telegram, Enabled: true, BotToken: "good"},
	}, WithTransportFactory(f.build), WithConnection(connection.Config{StartTimeout: time.Second}))
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.EqualError(t, m.Ready(time.Minute), "gateway not started")

	_ = m.StartAll(t.Context())
	t.Cleanup(func() { _ = m.StopAll(context.Background()) })
	require.NoError(t, m.Ready(time.Minute))

	now = now.Add(2 * time.Minute)
	err := m.Ready(time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord not connected")
	assert.NotContains(t, err.Error(), "telegram")
}

func TestSessionConfigUsesProviderGraceOnly(t *testing.T) {
	m := New(nil, WithConnection(connection.Config{DisconnectGrace: 30 * time.Second, QueueSize: 16}))

	cc := m.sessionConfig(im.ProviderConfig{Provider: im.Discord, HeartbeatTimeout: 5 * time.Second})
	assert.Equal(t, connection.Config{Enabled: true, DisconnectGrace: 30 * time.Second, QueueSize: 16}, cc)

	cc = m.sessionConfig(im.ProviderConfig{Provider: im.Discord, DisconnectGrace: 10 * time.Second})
	assert.Equal(t, 10*time.Second, cc.DisconnectGrace)
}
