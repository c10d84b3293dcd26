package report

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgateway/internal/im"
	logx "imgateway/pkg/logx"
)

type fakeSource struct {
	statuses  []im.ConnectionStatus
	providers []im.Provider
}

func (f fakeSource) Statuses() []im.ConnectionStatus   { return f.statuses }
func (f fakeSource) AvailableProviders() []im.Provider { return f.providers }

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	user  string
	ok    bool
}

func (f *fakeSender) SendMarkdown(_ context.Context, title, content, userID string) im.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, title+"\n"+content)
	f.user = userID
	if !f.ok {
		return im.Failed(im.WeCom, "HTTP 500")
	}
	return im.Succeeded(im.WeCom, "")
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestDigest(t *testing.T) {
	src := fakeSource{
		providers: []im.Provider{im.WeCom, im.Discord},
		statuses: []im.ConnectionStatus{
			{Provider: im.Discord, Running: true, Connected: true},
		},
	}
	s := New(Config{}, src, &fakeSender{}, logx.Nop())
	s.now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }

	title, body := s.Digest()
	assert.Equal(t, "IM Gateway status", title)
	assert.Equal(t, "Generated: 2025-03-01 09:00 UTC\n\nProviders: 企业微信, Discord\nSessions: 1/1 connected\n\n- Discord: connected", body)
}

func TestRunOnceRecordsResult(t *testing.T) {
	sender := &fakeSender{ok: false}
	s := New(Config{UserID: "ops"}, fakeSource{}, sender, logx.Nop())

	res := s.RunOnce(context.Background())
	assert.False(t, res.Success)
	last, at := s.Last()
	assert.Equal(t, res, last)
	assert.False(t, at.IsZero())
	assert.Equal(t, "ops", sender.user)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("", ""))
	require.NoError(t, Validate("*/5 * * * * *", "UTC"))
	require.NoError(t, Validate("@daily", "Asia/Shanghai"))
	assert.Error(t, Validate("every day", ""))
	assert.Error(t, Validate("", "Mars/Olympus"))
}

func TestStartFiresOnSchedule(t *testing.T) {
	sender := &fakeSender{ok: true}
	s := New(Config{Enabled: true, Schedule: "@every 1s"}, fakeSource{}, sender, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })

	require.Eventually(t, func() bool { return sender.count() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestDisabledStartIsNoop(t *testing.T) {
	s := New(Config{Schedule: "bogus"}, fakeSource{}, &fakeSender{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	s.Stop(context.Background())
}
