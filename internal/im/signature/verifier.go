// Package signature authenticates inbound webhook calls.
//
// Two schemes are supported:
//   - dingtalk: headers timestamp (ms) + sign, hex(HMAC_SHA256(secret, "{ts}\n{secret}"))
//   - feishu:   X-Lark-Request-{Timestamp,Nonce} + X-Lark-Signature, hex(SHA1(ts+nonce+secret))
//
// Providers without a secret, or without a scheme, pass through.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"imgateway/internal/im"
)

var DefaultPaths = []string{"/webhook", "/api/v1/webhook"}

const (
	HeaderProvider = "X-IM-Provider"

	dingTalkWindowMs = 3_600_000
	feishuWindowSec  = 3600
)

type Option func(*Verifier)

func WithPaths(paths ...string) Option {
	return func(v *Verifier) {
		if len(paths) == 0 {
			return
		}
		v.paths = map[string]struct{}{}
		for _, p := range paths {
			v.paths[p] = struct{}{}
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

type Verifier struct {
	paths   map[string]struct{}
	secrets map[im.Provider]string
	now     func() time.Time
}

// New captures the secrets of enabled providers.
func New(configs []im.ProviderConfig, opts ...Option) *Verifier {
	v := &Verifier{
		secrets: map[im.Provider]string{},
		now:     time.Now,
	}
	WithPaths(DefaultPaths...)(v)
	for _, c := range configs {
		if c.Enabled && c.Secret != "" {
			v.secrets[c.Provider] = c.Secret
		}
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Applies reports whether path is a guarded webhook path.
func (v *Verifier) Applies(path string) bool {
	_, ok := v.paths[path]
	return ok
}

// Detect picks the provider from X-IM-Provider, then from the User-Agent.
func Detect(h http.Header) (im.Provider, bool) {
	if raw := strings.TrimSpace(h.Get(HeaderProvider)); raw != "" {
		if p, err := im.ParseProvider(raw); err == nil {
			return p, true
		}
	}
	ua := strings.ToLower(h.Get("User-Agent"))
	switch {
	case ua == "":
		return "", false
	case strings.Contains(ua, "dingtalk"):
		return im.DingTalk, true
	case strings.Contains(ua, "feishu"), strings.Contains(ua, "lark"):
		return im.Feishu, true
	case strings.Contains(ua, "wecom"), strings.Contains(ua, "wxwork"):
		return im.WeCom, true
	case strings.Contains(ua, "discord"):
		return im.Discord, true
	case strings.Contains(ua, "telegram"):
		return im.Telegram, true
	}
	return "", false
}

// Verify returns nil when the request may proceed and an
// *im.AuthenticationError otherwise.
func (v *Verifier) Verify(path string, h http.Header) error {
	if !v.Applies(path) {
		return nil
	}
	p, ok := Detect(h)
	if !ok {
		return nil
	}
	secret := v.secrets[p]
	if secret == "" {
		return nil
	}
	switch p {
	case im.DingTalk:
		return v.verifyDingTalk(h, secret)
	case im.Feishu:
		return v.verifyFeishu(h, secret)
	}
	return nil
}

func (v *Verifier) verifyDingTalk(h http.Header, secret string) error {
	ts := h.Get("timestamp")
	sign := h.Get("sign")
	if ts == "" || sign == "" {
		return authErr(im.DingTalk, "missing signature headers")
	}
	tsMs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return authErr(im.DingTalk, "invalid timestamp")
	}
	if abs(v.now().UnixMilli()-tsMs) > dingTalkWindowMs {
		return authErr(im.DingTalk, "timestamp expired")
	}
	if !equal(sign, DingTalkDigest(secret, ts)) {
		return authErr(im.DingTalk, "invalid signature")
	}
	return nil
}

func (v *Verifier) verifyFeishu(h http.Header, secret string) error {
	ts := h.Get("X-Lark-Request-Timestamp")
	nonce := h.Get("X-Lark-Request-Nonce")
	sign := h.Get("X-Lark-Signature")
	if ts == "" || nonce == "" || sign == "" {
		return authErr(im.Feishu, "missing signature headers")
	}
	tsSec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return authErr(im.Feishu, "invalid timestamp")
	}
	if abs(v.now().Unix()-tsSec) > feishuWindowSec {
		return authErr(im.Feishu, "timestamp expired")
	}
	if !equal(sign, FeishuDigest(secret, ts, nonce)) {
		return authErr(im.Feishu, "invalid signature")
	}
	return nil
}

// DingTalkDigest is hex(HMAC_SHA256(key=secret, "{ts}\n{secret}")).
func DingTalkDigest(secret, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "\n" + secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// FeishuDigest is hex(SHA1(ts + nonce + secret)).
func FeishuDigest(secret, ts, nonce string) string {
	sum := sha1.Sum([]byte(ts + nonce + secret))
	return hex.EncodeToString(sum[:])
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func authErr(p im.Provider, reason string) error {
	return &im.AuthenticationError{Provider: p, Reason: reason}
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
