// Package webhook implements outbound-only delivery for providers reached
// through an incoming-webhook URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"imgateway/internal/im"
	logx "imgateway/pkg/logx"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodyBytes   = 64 << 10
)

// Adapter is the uniform outbound contract. No method returns an error or
// panics on transport failure: everything resolves to a SendResult.
type Adapter interface {
	Provider() im.Provider
	Send(ctx context.Context, msg im.OutboundMessage) im.SendResult
	SendText(ctx context.Context, content string) im.SendResult
	SendMarkdown(ctx context.Context, title, content string) im.SendResult
	HealthCheck(ctx context.Context) bool
}

type Option func(*poster)

// WithHTTPClient replaces the default client, whose timeout follows
// WithTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *poster) {
		if c != nil {
			p.client = c
		}
	}
}

// WithTimeout bounds each request, 10s by default.
func WithTimeout(d time.Duration) Option {
	return func(p *poster) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(p *poster) { p.log = log } }

// WithClock fixes the signing timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *poster) {
		if now != nil {
			p.now = now
		}
	}
}

// poster is the HTTP plumbing shared by all adapters.
type poster struct {
	provider im.Provider
	client   *http.Client
	timeout  time.Duration
	log      logx.Logger
	now      func() time.Time
}

type response struct {
	status int
	body   []byte
}

func (p *poster) post(ctx context.Context, url string, payload any) (response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return response{}, fmt.Errorf("encode payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return response{status: resp.StatusCode}, err
	}
	return response{status: resp.StatusCode, body: body}, nil
}

// deliver posts and maps the outcome through check. check is only called for
// 2xx responses.
func (p *poster) deliver(ctx context.Context, url string, payload any, check func(response) (string, bool)) im.SendResult {
	resp, err := p.post(ctx, url, payload)
	if err != nil {
		p.log.Error("webhook send error", logx.Err(err))
		return im.Failed(p.provider, err.Error())
	}
	if resp.status < 200 || resp.status > 299 {
		reason := fmt.Sprintf("HTTP %d", resp.status)
		if json.Valid(resp.body) {
			if msg, _ := check(resp); msg != "" && msg != unknownError {
				reason = msg
			}
		}
		p.log.Error("webhook send failed", logx.Int("status", resp.status), logx.String("error", reason))
		return im.Failed(p.provider, reason)
	}
	if reason, ok := check(resp); !ok {
		p.log.Error("webhook send failed", logx.String("error", reason))
		return im.Failed(p.provider, reason)
	}
	p.log.Debug("webhook message sent")
	return im.Succeeded(p.provider, "")
}

func (p *poster) healthCheck(ctx context.Context, a Adapter) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("health check panicked", logx.Any("panic", r))
			ok = false
		}
	}()
	return a.SendText(ctx, "Health check").Success
}

const unknownError = "Unknown error"

// errcodeBody is the WeCom/DingTalk response shape.
type errcodeBody struct {
	ErrCode *int   `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func checkErrcode(r response) (string, bool) {
	var b errcodeBody
	if err := json.Unmarshal(r.body, &b); err != nil {
		return "invalid response: " + truncate(strings.TrimSpace(string(r.body)), 200), false
	}
	if b.ErrCode != nil && *b.ErrCode == 0 {
		return "", true
	}
	if b.ErrMsg == "" {
		return unknownError, false
	}
	return b.ErrMsg, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
