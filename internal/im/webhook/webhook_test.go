package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgateway/internal/im"
)

type captured struct {
	mu    sync.Mutex
	query url.Values
	body  map[string]any
}

func (c *captured) get() (url.Values, map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query, c.body
}

func newServer(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		c.mu.Lock()
		c.query = r.URL.Query()
		c.body = body
		c.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

var fixedNow = func() time.Time { return time.UnixMilli(1700000000123) }

func roundTrip(v any) map[string]any {
	raw, _ := json.Marshal(v)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

func TestWeComPayloads(t *testing.T) {
	srv, c := newServer(t, http.StatusOK, `{"errcode":0,"errmsg":"ok"}`)
	a, err := New(im.ProviderConfig{Provider: im.WeCom, WebhookURL: srv.URL})
	require.NoError(t, err)

	res := a.Send(context.Background(), im.OutboundMessage{
		Content: "hi", Kind: im.KindText,
		Extra: map[string]any{"mentioned_list": []string{"@all"}},
	})
	require.True(t, res.Success, res.Error)
	_, body := c.get()
	want := roundTrip(map[string]any{
		"msgtype": "text",
		"text":    map[string]any{"content": "hi", "mentioned_list": []string{"@all"}},
	})
	if diff := cmp.Diff(want, body); diff != "" {
		t.Fatalf("text payload mismatch (-want +got):\n%s", diff)
	}

	a.SendMarkdown(context.Background(), "Daily", "all good")
	_, body = c.get()
	want = roundTrip(map[string]any{
		"msgtype":  "markdown",
		"markdown": map[string]any{"content": "### Daily\n\nall good"},
	})
	if diff := cmp.Diff(want, body); diff != "" {
		t.Fatalf("markdown payload mismatch (-want +got):\n%s", diff)
	}
}

func TestWeComErrcodeFailure(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{"errcode":93000,"errmsg":"invalid webhook url"}`)
	a, err := New(im.ProviderConfig{Provider: im.WeCom, WebhookURL: srv.URL})
	require.NoError(t, err)

	res := a.SendText(context.Background(), "x")
	assert.False(t, res.Success)
	assert.Equal(t, "invalid webhook url", res.Error)
	assert.Equal(t, im.WeCom, res.Provider)
}

func TestDingTalkSignedQuery(t *testing.T) {
	srv, c := newServer(t, http.StatusOK, `{"errcode":0}`)
	a, err := New(im.ProviderConfig{Provider: im.DingTalk, WebhookURL: srv.URL + "/robot/send?access_token=tok", Secret: "s3cr3t"}, WithClock(fixedNow))
	require.NoError(t, err)

	res := a.SendMarkdown(context.Background(), "", "body")
	require.True(t, res.Success, res.Error)

	q, body := c.get()
	assert.Equal(t, "tok", q.Get("access_token"))
	assert.Equal(t, "1700000000123", q.Get("timestamp"))

	mac := hmac.New(sha256.New, []byte("s3cr3t"))
	mac.Write([]byte("1700000000123\ns3cr3t"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), q.Get("sign"))

	want := roundTrip(map[string]any{
		"msgtype":  "markdown",
		"markdown": map[string]any{"title": "Notification", "text": "body"},
	})
	if diff := cmp.Diff(want, body); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestFeishuSignedPayload(t *testing.T) {
	srv, c := newServer(t, http.StatusOK, `{"StatusCode":0,"msg":"success"}`)
	a, err := New(im.ProviderConfig{Provider: im.Feishu, WebhookURL: srv.URL, Secret: "s3cr3t"}, WithClock(fixedNow))
	require.NoError(t, err)

	require.True(t, a.SendText(context.Background(), "hello").Success)
	_, body := c.get()

	mac := hmac.New(sha256.New, []byte("1700000000\ns3cr3t"))
	want := roundTrip(map[string]any{
		"msg_type":  "text",
		"content":   map[string]any{"text": "hello"},
		"timestamp": "1700000000",
		"sign":      base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	})
	if diff := cmp.Diff(want, body); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestFeishuPostShape(t *testing.T) {
	got := roundTrip(feishuPayload(im.Markdown("T", "C")))
	want := roundTrip(map[string]any{
		"msg_type": "post",
		"content": map[string]any{"post": map[string]any{"zh_cn": map[string]any{
			"title":   "T",
			"content": []any{[]any{map[string]any{"tag": "text", "text": "C"}}},
		}}},
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("post mismatch (-want +got):\n%s", diff)
	}
}

func TestFeishuErrorMessage(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{"code":19021,"msg":"sign match fail"}`)
	a, _ := New(im.ProviderConfig{Provider: im.Feishu, WebhookURL: srv.URL})
	res := a.SendText(context.Background(), "x")
	assert.False(t, res.Success)
	assert.Equal(t, "sign match fail", res.Error)
}

func TestDiscordStatusHandling(t *testing.T) {
	srv, c := newServer(t, http.StatusNoContent, "")
	a, _ := New(im.ProviderConfig{Provider: im.Discord, WebhookURL: srv.URL})
	res := a.Send(context.Background(), im.OutboundMessage{
		Content: "c", Kind: im.KindMarkdown, Title: "T",
		Extra: map[string]any{"username": "gw"},
	})
	require.True(t, res.Success, res.Error)
	_, body := c.get()
	assert.Equal(t, map[string]any{"content": "**T**\n\nc", "username": "gw"}, body)

	bad, _ := newServer(t, http.StatusTooManyRequests, `{"message":"rate limited"}`)
	a2, _ := New(im.ProviderConfig{Provider: im.Discord, WebhookURL: bad.URL})
	res = a2.SendText(context.Background(), "x")
	assert.False(t, res.Success)
	assert.Equal(t, "HTTP 429", res.Error)
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestTransportErrorBecomesResult(t *testing.T) {
	a, err := New(im.ProviderConfig{Provider: im.WeCom, WebhookURL: "http://127.0.0.1:1/x"},
		WithHTTPClient(&http.Client{Transport: failingTransport{}}))
	require.NoError(t, err)

	res := a.SendText(context.Background(), "x")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "connection refused")
	assert.False(t, a.HealthCheck(context.Background()))
}

func TestHealthCheckSendsTestMessage(t *testing.T) {
	srv, c := newServer(t, http.StatusOK, `{"errcode":0}`)
	a, _ := New(im.ProviderConfig{Provider: im.DingTalk, WebhookURL: srv.URL})
	assert.True(t, a.HealthCheck(context.Background()))
	_, body := c.get()
	assert.Equal(t, map[string]any{"msgtype": "text", "text": map[string]any{"content": "Health check"}}, body)
}

func TestFactoryRejectsUnsupportedAndEmptyURL(t *testing.T) {
	var ce *im.ConfigurationError

	_, err := New(im.ProviderConfig{Provider: im.Telegram, WebhookURL: "https://x"})
	assert.True(t, errors.As(err, &ce))

	_, err = New(im.ProviderConfig{Provider: im.WeCom})
	assert.True(t, errors.As(err, &ce))

	assert.True(t, Supports(im.Discord))
	assert.False(t, Supports(im.Telegram))
}

func TestClientTimeoutFollowsWithTimeout(t *testing.T) {
	a, err := New(im.ProviderConfig{Provider: im.WeCom, WebhookURL: "https://x"}, WithTimeout(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, a.(*weCom).client.Timeout)

	a, err = New(im.ProviderConfig{Provider: im.WeCom, WebhookURL: "https://x"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, a.(*weCom).client.Timeout)

	custom := &http.Client{}
	a, err = New(im.ProviderConfig{Provider: im.WeCom, WebhookURL: "https://x"}, WithHTTPClient(custom), WithTimeout(time.Minute))
	require.NoError(t, err)
	assert.Same(t, custom, a.(*weCom).client)
}

func TestFeishuSignVector(t *testing.T) {
	assert.Equal(t, "CNNNRL0wSY2j+cKcY98lQAfVvb21u/iW3phZyXRkmcY=", FeishuSign("s3cr3t", 1700000000))
}

func TestFeishuMarkdownCarriesTitle(t *testing.T) {
	srv, c := newServer(t, http.StatusOK, `{"code":0,"msg":"success"}`)
	a, err := New(im.ProviderConfig{Provider: im.Feishu, WebhookURL: srv.URL})
	require.NoError(t, err)

	require.True(t, a.SendMarkdown(context.Background(), "Deploy", "done").Success)
	_, body := c.get()
	want := roundTrip(map[string]any{
		"msg_type": "post",
		"content": map[string]any{"post": map[string]any{"zh_cn": map[string]any{
			"title":   "Deploy",
			"content": []any{[]any{map[string]any{"tag": "text", "text": "**Deploy**\n\ndone"}}},
		}}},
	})
	if diff := cmp.Diff(want, body); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}
