// Package routing picks the channel for an outbound notification: the user's
// last-seen provider over its live bot session when possible, otherwise the
// provider's webhook.
package routing

import (
	"context"
	"fmt"
	"time"

	"imgateway/internal/affinity"
	"imgateway/internal/gateway"
	"imgateway/internal/im"
	logx "imgateway/pkg/logx"
)

const (
	errNoProviders = "no IM providers available"

	captureTruncate = 100
)

// Gateway is the part of gateway.Manager the router needs.
type Gateway interface {
	Config(p im.Provider) (im.ProviderConfig, bool)
	DefaultProvider() (im.Provider, bool)
	AvailableProviders() []im.Provider
	SendToProvider(ctx context.Context, p im.Provider, msg im.OutboundMessage) im.SendResult
	SendDirect(ctx context.Context, p im.Provider, userID string, msg im.OutboundMessage) im.SendResult
	SendToAll(ctx context.Context, msg im.OutboundMessage) []im.SendResult
}

var _ Gateway = (*gateway.Manager)(nil)

type Option func(*Router)

func WithLogger(log logx.Logger) Option       { return func(r *Router) { r.log = log } }
func WithTTL(ttl time.Duration) Option        { return func(r *Router) { r.ttl = ttl } }
func WithStoreTimeout(d time.Duration) Option { return func(r *Router) { r.storeTimeout = d } }

type Router struct {
	gw           Gateway
	store        affinity.Store
	log          logx.Logger
	ttl          time.Duration
	storeTimeout time.Duration
}

func New(gw Gateway, store affinity.Store, opts ...Option) *Router {
	r := &Router{
		gw:           gw,
		store:        store,
		ttl:          affinity.DefaultTTL,
		storeTimeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.store == nil {
		r.store = affinity.NewMemory()
	}
	return r
}

// SetUserChannel records p as the user's channel. Inbound traffic updates the
// same store through the connection supervisors.
func (r *Router) SetUserChannel(ctx context.Context, userID string, p im.Provider) error {
	if userID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.store.Set(ctx, userID, p, r.ttl)
}

// GetUserChannel returns the user's last-seen provider. Store errors count
// as no affinity.
func (r *Router) GetUserChannel(ctx context.Context, userID string) (im.Provider, bool) {
	if userID == "" {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	p, ok, err := r.store.Get(ctx, userID)
	if err != nil {
		r.log.Warn("affinity lookup failed", logx.String("user", userID), logx.Err(err))
		return "", false
	}
	return p, ok
}

// Send never fails: every path resolves to a SendResult.
//
// Resolution: the user's affinity, else the default provider. When the user
// is known and the provider has a session, the bot sends directly; on
// failure, or for webhook-only providers, the provider's webhook is used.
func (r *Router) Send(ctx context.Context, msg im.OutboundMessage, userID string) im.SendResult {
	p, ok := r.GetUserChannel(ctx, userID)
	if ok {
		if cfg, known := r.gw.Config(p); !known || !cfg.Enabled {
			r.log.Debug("affinity provider not enabled, using default", logx.String("provider", string(p)))
			ok = false
		}
	}
	if !ok {
		if p, ok = r.gw.DefaultProvider(); !ok {
			return im.Failed("", errNoProviders)
		}
	}

	var direct im.SendResult
	tried := false
	if userID != "" && p.SupportsSession() {
		tried = true
		direct = r.gw.SendDirect(ctx, p, userID, msg)
		if direct.Success {
			return direct
		}
		r.log.Info("bot send failed, falling back to webhook",
			logx.String("provider", string(p)), logx.String("error", direct.Error))
	}

	if cfg, _ := r.gw.Config(p); !cfg.HasWebhook() {
		if tried {
			return direct
		}
		return im.Failed(p, fmt.Sprintf("no available channel for %s", p))
	}
	return r.gw.SendToProvider(ctx, p, msg)
}

func (r *Router) SendText(ctx context.Context, text, userID string) im.SendResult {
	return r.Send(ctx, im.Text(text), userID)
}

func (r *Router) SendMarkdown(ctx context.Context, title, content, userID string) im.SendResult {
	return r.Send(ctx, im.Markdown(title, content), userID)
}

// SendToAll broadcasts through every enabled provider.
func (r *Router) SendToAll(ctx context.Context, msg im.OutboundMessage) []im.SendResult {
	if len(r.gw.AvailableProviders()) == 0 {
		return []im.SendResult{im.Failed("", errNoProviders)}
	}
	return r.gw.SendToAll(ctx, msg)
}

func (r *Router) AvailableProviders() []im.Provider { return r.gw.AvailableProviders() }

// NotifyCaptureSuccess confirms a captured note to its author.
func (r *Router) NotifyCaptureSuccess(ctx context.Context, uuid, content, userID string) im.SendResult {
	if rs := []rune(content); len(rs) > captureTruncate {
		content = string(rs[:captureTruncate]) + "..."
	}
	msg := im.OutboundMessage{
		Kind:    im.KindMarkdown,
		Content: fmt.Sprintf("✅ Captured\n\nUUID: %s\nContent: %s", uuid, content),
	}
	return r.Send(ctx, msg, userID)
}

func (r *Router) NotifyError(ctx context.Context, errMsg, userID string) im.SendResult {
	return r.SendText(ctx, "❌ Error: "+errMsg, userID)
}
