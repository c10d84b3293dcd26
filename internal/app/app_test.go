package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, hookURL string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
logging:
  level: warn
im:
  enabled: true
  providers:
    - provider: wecom
      enabled: true
      webhook_url: %q
affinity:
  driver: memory
http:
  enabled: true
  addr: 127.0.0.1:0
storage:
  driver: file
  path: %q
notifier:
  enabled: false
`, hookURL, filepath.Join(dir, "deliveries.jsonl"))
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestAppServesAPIAndJournalsSends(t *testing.T) {
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer hook.Close()

	a, err := NewApp(writeConfig(t, hook.URL))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, a.Stop(ctx, StopAppStop))
	}()

	base := "http://" + a.HTTPAddr()

	resp, err := http.Get(base + "/api/v1/im/providers")
	require.NoError(t, err)
	var providers struct {
		Providers []struct {
			Provider string `json:"provider"`
			Enabled  bool   `json:"enabled"`
		} `json:"providers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&providers))
	resp.Body.Close()
	require.Len(t, providers.Providers, 1)
	assert.Equal(t, "wecom", providers.Providers[0].Provider)

	resp, err = http.Post(base+"/api/v1/im/test?provider=wecom", "application/json", nil)
	require.NoError(t, err)
	var sent struct {
		Success bool `json:"success"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sent))
	resp.Body.Close()
	assert.True(t, sent.Success)
	assert.Equal(t, int32(1), hits.Load())

	// Webhook-only providers have no session to wait for.
	resp, err = http.Get(base + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/v1/im/deliveries")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var out struct {
			Deliveries []struct {
				Provider string `json:"provider"`
				Via      string `json:"via"`
				Success  bool   `json:"success"`
			} `json:"deliveries"`
		}
		if json.NewDecoder(resp.Body).Decode(&out) != nil || len(out.Deliveries) != 1 {
			return false
		}
		d := out.Deliveries[0]
		return d.Provider == "wecom" && d.Via == "webhook" && d.Success
	}, 3*time.Second, 20*time.Millisecond)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"im":{"enabled":true,"providers":[{"provider":"icq","enabled":true}]}}`), 0o600))

	_, err := NewApp(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "icq")
}

func TestStopBeforeStart(t *testing.T) {
	a, err := NewApp(writeConfig(t, "http://127.0.0.1:1/hook"))
	require.NoError(t, err)
	assert.NoError(t, a.Stop(context.Background(), StopAppStop))
	select {
	case <-a.Done():
	default:
		t.Fatal("Done must be closed for an app that never started")
	}
}

func TestProviderWithoutCredentialsDoesNotBlockStart(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer hook.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.json")
	cfg := fmt.Sprintf(`{
  "logging": {"level": "warn"},
  "im": {"enabled": true, "providers": [
    {"provider": "dingtalk", "enabled": true},
    {"provider": "wecom", "enabled": true, "webhook_url": %q}
  ]},
  "http": {"enabled": true, "addr": "127.0.0.1:0"},
  "notifier": {"enabled": false}
}`, hook.URL)
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))

	a, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, a.Stop(ctx, StopAppStop))
	}()

	resp, err := http.Get("http://" + a.HTTPAddr() + "/api/v1/im/providers")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out struct {
		Providers []struct {
			Provider string `json:"provider"`
		} `json:"providers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Providers, 1)
	assert.Equal(t, "wecom", out.Providers[0].Provider)

	resp2, err := http.Post("http://"+a.HTTPAddr()+"/api/v1/im/test?provider=wecom", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	var sent struct {
		Success bool `json:"success"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&sent))
	assert.True(t, sent.Success)
}
