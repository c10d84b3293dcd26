package webhook

import (
	"net/http"
	"strings"
	"time"

	"imgateway/internal/im"
	logx "imgateway/pkg/logx"
)

type constructor func(cfg im.ProviderConfig, p poster) Adapter

var registry = map[im.Provider]constructor{
	im.WeCom:    newWeCom,
	im.DingTalk: newDingTalk,
	im.Feishu:   newFeishu,
	im.Discord:  newDiscord,
}

// Supports reports whether p has a webhook adapter.
func Supports(p im.Provider) bool {
	_, ok := registry[p]
	return ok
}

// New builds the adapter for cfg.Provider. It is the only place a webhook
// secret is read.
func New(cfg im.ProviderConfig, opts ...Option) (Adapter, error) {
	ctor, ok := registry[cfg.Provider]
	if !ok {
		return nil, &im.ConfigurationError{Provider: cfg.Provider, Reason: "no webhook adapter for provider"}
	}
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil, &im.ConfigurationError{Provider: cfg.Provider, Reason: "webhook_url is empty"}
	}
	p := poster{
		provider: cfg.Provider,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(&p)
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: p.timeout}
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("provider", string(cfg.Provider)))
	return ctor(cfg, p), nil
}
