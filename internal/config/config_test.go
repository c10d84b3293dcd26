package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgateway/internal/im"
	"imgateway/internal/im/connection"
)

const sampleYAML = `
logging:
  level: info
  console: true
im:
  enabled: true
  disconnect_grace: 5s
  queue_size: 64
  providers:
    - provider: WeCom
      enabled: true
      webhook_url: " https://qyapi.weixin.qq.com/hook "
    - provider: discord
      enabled: true
      bot_token: abc
      heartbeat_timeout: 12s
      disconnect_grace: 20s
      params:
        guild: "1"
affinity:
  driver: memory
  ttl: 24h
http:
  enabled: true
  addr: 127.0.0.1:9000
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("gateway.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	providers, err := cfg.IM.ProviderConfigs()
	require.NoError(t, err)
	want := []im.ProviderConfig{
		{Provider: im.WeCom, Enabled: true, WebhookURL: "https://qyapi.weixin.qq.com/hook"},
		{Provider: im.Discord, Enabled: true, BotToken: "abc", HeartbeatTimeout: 12 * time.Second, DisconnectGrace: 20 * time.Second, Params: map[string]string{"guild": "1"}},
	}
	if diff := cmp.Diff(want, providers); diff != "" {
		t.Fatalf("providers mismatch (-want +got):\n%s", diff)
	}

	cc, err := cfg.IM.Connection()
	require.NoError(t, err)
	assert.Equal(t, connection.Config{Enabled: true, DisconnectGrace: 5 * time.Second, QueueSize: 64}, cc)

	ttl, err := cfg.Affinity.TTLOrDefault()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, ttl)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("gateway.json", []byte(`{"im":{"enabled":true,"bogus":1}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")

	_, err = Decode("gateway.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestIMDisabledDisablesProviders(t *testing.T) {
	c := IMConfig{Enabled: false, Providers: []ProviderConfig{{Provider: "wecom", Enabled: true, WebhookURL: "u"}}}
	ps, err := c.ProviderConfigs()
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.False(t, ps[0].Enabled)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "loud"},
		IM: IMConfig{
			Enabled:  true,
			DedupTTL: "ten minutes",
			Providers: []ProviderConfig{
				{Provider: "icq", Enabled: true},
				{Provider: "telegram", Enabled: true},
				{Provider: "wecom", Enabled: true, WebhookURL: "u"},
				{Provider: "wecom", Enabled: true, WebhookURL: "u"},
			},
		},
		Affinity: AffinityConfig{Driver: "redis"},
		HTTP:     HTTPConfig{WebhookPaths: []string{"webhook"}},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"logging.level",
		"im.dedup_ttl",
		`unknown IM provider "icq"`,
		"wecom listed twice",
		"affinity.redis_url",
		"http.webhook_paths",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{IM: IMConfig{Providers: []ProviderConfig{{Provider: "discord", BotToken: "old-token"}}}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		IM:      IMConfig{Providers: []ProviderConfig{{Provider: "discord", BotToken: "new-token"}}},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"im", "logging"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"im"}, RestartRequired(changed))
	assert.Equal(t, []string{"discord"}, diffProviders(oldCfg.IM.Providers, newCfg.IM.Providers))
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600))

	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	updates := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"nonsense"}}`), 0o600))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, "info", m.Get().Logging.Level)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
	select {
	case cfg := <-updates:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config update published")
	}
}

func TestYAMLRejectsDuplicateKeys(t *testing.T) {
	_, err := Decode("gateway.yml", []byte("logging:\n  level: info\n  level: debug\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate key "level"`)
	assert.Contains(t, err.Error(), "line 3")

	cfg, err := Decode("gateway.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)
}

func TestYAMLAnchorsResolve(t *testing.T) {
	cfg, err := Decode("gateway.yaml", []byte(`
http:
  enabled: true
  webhook_paths: &paths ["/hook"]
  cors:
    enabled: true
    allow_origins: *paths
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"/hook"}, cfg.HTTP.CORS.AllowOrigins)
}

func TestParseDurationHelpers(t *testing.T) {
	d, err := ParseDurationField("x", " 1500ms ")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("x.y", "-1s")
	require.ErrorContains(t, err, "x.y")

	d, err = ParseDurationOrDefault("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = ParseDurationOrDefault("x", "soon", time.Minute)
	require.Error(t, err)
}

func TestResolveNotifierDefaultsWhenOmitted(t *testing.T) {
	cfg := &Config{IM: IMConfig{SendTimeout: "4s"}}
	n, err := cfg.ResolveNotifier()
	require.NoError(t, err)
	assert.True(t, n.Enabled)
	assert.Equal(t, 3, n.RetryMax)
	assert.Equal(t, time.Minute, n.DedupWindow)
	assert.Equal(t, 4*time.Second, n.SendTimeout)

	cfg.Notifier = &NotifierConfig{Enabled: true, Workers: 1, RetryBase: "1s", DedupWindow: "later"}
	_, err = cfg.ResolveNotifier()
	require.ErrorContains(t, err, "notifier.dedup_window")
}

func TestResolveStorageAndSections(t *testing.T) {
	cfg := &Config{}
	sc, err := cfg.ResolveStorage()
	require.NoError(t, err)
	assert.Empty(t, sc.Driver)

	cfg.Storage = &StorageConfig{Driver: " SQLite ", Path: " ./j.db ", BusyTimeout: "2s", MaxEntries: 10}
	sc, err = cfg.ResolveStorage()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./j.db", sc.Path)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)
	assert.Equal(t, 10, sc.MaxEntries)

	assert.Equal(t, DefaultHTTPAddr, HTTPConfig{}.ListenAddr())
	assert.Equal(t, ":9000", HTTPConfig{Addr: " :9000 "}.ListenAddr())

	in, err := InboundConfig{ForwardURL: " http://x/in "}.Inbound()
	require.NoError(t, err)
	assert.Equal(t, "http://x/in", in.ForwardURL)
	assert.Equal(t, DefaultForwardTimeout, in.ForwardTimeout)

	r := ReportConfig{Enabled: true, Schedule: " @hourly ", UserID: " ops "}.Report()
	assert.Equal(t, "@hourly", r.Schedule)
	assert.Equal(t, "ops", r.UserID)
}

func TestValidateReportAndStorage(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Report:  ReportConfig{Enabled: true, Schedule: "every day", Timezone: "Mars/Base"},
		Storage: &StorageConfig{Driver: "tape"},
		IM:      IMConfig{SendTimeout: "fast", Inbound: InboundConfig{ForwardURL: "ftp://x"}},
	}
	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{"report.schedule", "storage.driver", "im.send_timeout", "im.inbound.forward_url"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestDebouncerCoalescesBursts(t *testing.T) {
	var fired atomic.Int32
	d := &debouncer{delay: 30 * time.Millisecond, fire: func() { fired.Add(1) }}
	for range 5 {
		d.trigger()
	}
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())

	d.trigger()
	d.stop()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestMissingCredentialsDisableOnlyThatProvider(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		IM: IMConfig{
			Enabled: true,
			Providers: []ProviderConfig{
				{Provider: "wecom", Enabled: true, WebhookURL: "https://qyapi.weixin.qq.com/hook"},
				{Provider: "dingtalk", Enabled: true},
				{Provider: "feishu", Enabled: true, AppID: "cli_x"},
			},
		},
	}
	require.NoError(t, Validate(cfg))

	providers, err := cfg.IM.ProviderConfigs()
	require.NoError(t, err)
	enabled := map[im.Provider]bool{}
	for _, p := range providers {
		enabled[p.Provider] = p.Enabled
	}
	assert.Equal(t, map[im.Provider]bool{im.WeCom: true, im.DingTalk: false, im.Feishu: false}, enabled)

	problems := cfg.IM.Incomplete()
	require.Len(t, problems, 2)
	var ce *im.ConfigurationError
	require.ErrorAs(t, problems[0], &ce)
	assert.Equal(t, im.DingTalk, ce.Provider)
	assert.Contains(t, problems[1].Error(), "app_id/app_secret")
}
