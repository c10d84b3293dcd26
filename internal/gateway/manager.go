// Package gateway owns the configured providers: it builds webhook adapters
// on demand, runs one connection supervisor per session-capable provider and
// fans outbound messages out to them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"imgateway/internal/eventbus"
	"imgateway/internal/im"
	"imgateway/internal/im/connection"
	"imgateway/internal/im/webhook"
	logx "imgateway/pkg/logx"
)

// EventSend is published for every send result.
const EventSend = "im.send"

// Delivery paths recorded on SendEvent.
const (
	ViaWebhook = "webhook"
	ViaBot     = "bot"
)

// SendEvent is the payload of EventSend.
type SendEvent struct {
	Provider  im.Provider `json:"provider"`
	Via       string      `json:"via"`
	Success   bool        `json:"success"`
	MessageID string      `json:"message_id,omitempty"`
	Error     string      `json:"error,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
}

const defaultFanout = 4

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }
func WithBus(b eventbus.Bus) Option     { return func(m *Manager) { m.bus = b } }

// WithWebhookOptions is applied to every adapter the manager builds.
func WithWebhookOptions(opts ...webhook.Option) Option {
	return func(m *Manager) { m.webhookOpts = append(m.webhookOpts, opts...) }
}

// WithConnection sets the supervisor tuning and options shared by every
// persistent provider. Enabled is taken from each provider's config.
func WithConnection(cfg connection.Config, opts ...connection.Option) Option {
	return func(m *Manager) {
		m.connCfg = cfg
		m.connOpts = append(m.connOpts, opts...)
	}
}

func WithTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.newTransport = f }
}

// WithFanout bounds concurrent sends in SendToAll.
func WithFanout(n int) Option { return func(m *Manager) { m.fanout = n } }

type Manager struct {
	order   []im.Provider
	configs map[im.Provider]im.ProviderConfig

	log          logx.Logger
	bus          eventbus.Bus
	webhookOpts  []webhook.Option
	connCfg      connection.Config
	connOpts     []connection.Option
	newTransport TransportFactory
	fanout       int

	mu          sync.Mutex
	adapters    map[im.Provider]webhook.Adapter
	supervisors map[im.Provider]*connection.Supervisor
	setupErrs   map[im.Provider]error
	startedAt   time.Time
	now         func() time.Time
}

// New keeps configs in the given order. A provider listed twice keeps its
// first entry. Supervisors are built here for every enabled session-capable
// provider with credentials; construction failures surface from StartAll.
func New(configs []im.ProviderConfig, opts ...Option) *Manager {
	m := &Manager{
		configs:      make(map[im.Provider]im.ProviderConfig, len(configs)),
		newTransport: DefaultTransports,
		fanout:       defaultFanout,
		adapters:     map[im.Provider]webhook.Adapter{},
		supervisors:  map[im.Provider]*connection.Supervisor{},
		setupErrs:    map[im.Provider]error{},
		now:          time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	if m.fanout <= 0 {
		m.fanout = defaultFanout
	}

	for _, c := range configs {
		if _, dup := m.configs[c.Provider]; dup {
			m.log.Warn("duplicate provider config ignored", logx.String("provider", string(c.Provider)))
			continue
		}
		m.order = append(m.order, c.Provider)
		m.configs[c.Provider] = c
	}

	for _, p := range m.order {
		c := m.configs[p]
		if !c.Enabled || !c.HasSession() {
			continue
		}
		t, err := m.newTransport(c, m.log.With(logx.String("comp", "transport"), logx.String("provider", string(p))))
		if err != nil {
			m.setupErrs[p] = err
			m.log.Error("persistent transport not available", logx.String("provider", string(p)), logx.Err(err))
			continue
		}
		cc := m.sessionConfig(c)
		opts := append([]connection.Option{
			connection.WithLogger(m.log.With(logx.String("comp", "connection"))),
			connection.WithBus(m.bus),
		}, m.connOpts...)
		m.supervisors[p] = connection.New(t, cc, opts...)
	}
	return m
}

// sessionConfig is the shared supervisor tuning with per-provider overrides.
func (m *Manager) sessionConfig(c im.ProviderConfig) connection.Config {
	cc := m.connCfg
	cc.Enabled = true
	if c.DisconnectGrace > 0 {
		cc.DisconnectGrace = c.DisconnectGrace
	}
	return cc
}

// Config returns the provider config and whether it exists.
func (m *Manager) Config(p im.Provider) (im.ProviderConfig, bool) {
	c, ok := m.configs[p]
	return c, ok
}

// Adapter returns the cached webhook adapter for p, building it on first use.
// It returns nil for unconfigured or disabled providers and for providers
// without a webhook.
func (m *Manager) Adapter(p im.Provider) webhook.Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.adapters[p]; ok {
		return a
	}
	c, ok := m.configs[p]
	if !ok || !c.Enabled || !c.HasWebhook() || !webhook.Supports(p) {
		return nil
	}
	opts := append([]webhook.Option{webhook.WithLogger(m.log.With(logx.String("comp", "webhook")))}, m.webhookOpts...)
	a, err := webhook.New(c, opts...)
	if err != nil {
		m.log.Warn("webhook adapter not built", logx.String("provider", string(p)), logx.Err(err))
		return nil
	}
	m.adapters[p] = a
	return a
}

// Supervisor returns the connection supervisor for p, or nil.
func (m *Manager) Supervisor(p im.Provider) *connection.Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supervisors[p]
}

// SendToProvider sends through p's webhook. It never returns an error; every
// failure is a failed result.
func (m *Manager) SendToProvider(ctx context.Context, p im.Provider, msg im.OutboundMessage) im.SendResult {
	res := m.sendWebhook(ctx, p, msg)
	m.publish(res, ViaWebhook, "")
	return res
}

func (m *Manager) sendWebhook(ctx context.Context, p im.Provider, msg im.OutboundMessage) im.SendResult {
	c, ok := m.configs[p]
	switch {
	case !ok:
		return im.Failed(p, fmt.Sprintf("IM provider %s not configured", p))
	case !c.Enabled:
		return im.Failed(p, fmt.Sprintf("IM provider %s disabled", p))
	}
	a := m.Adapter(p)
	if a == nil {
		return im.Failed(p, fmt.Sprintf("no available channel for %s", p))
	}
	return a.Send(ctx, msg)
}

// SendDirect delivers msg to one user over p's live session. Non-text kinds
// are rendered as plain text.
func (m *Manager) SendDirect(ctx context.Context, p im.Provider, userID string, msg im.OutboundMessage) im.SendResult {
	var res im.SendResult
	if sup := m.Supervisor(p); sup == nil {
		res = im.Failed(p, fmt.Sprintf("%s bot unavailable", p))
	} else {
		res = sup.SendDirect(ctx, userID, msg.PlainText())
	}
	m.publish(res, ViaBot, userID)
	return res
}

// SendToAll sends msg to every enabled provider concurrently. Results come
// back in configuration order, one per enabled provider.
func (m *Manager) SendToAll(ctx context.Context, msg im.OutboundMessage) []im.SendResult {
	targets := m.AvailableProviders()
	results := make([]im.SendResult, len(targets))

	var g errgroup.Group
	g.SetLimit(m.fanout)
	for i, p := range targets {
		g.Go(func() error {
			results[i] = m.SendToProvider(ctx, p, msg)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// StartAll starts every supervisor. One provider failing does not keep the
// others from starting; all failures are returned together.
func (m *Manager) StartAll(ctx context.Context) error {
	var result *multierror.Error
	m.mu.Lock()
	if m.startedAt.IsZero() {
		m.startedAt = m.now()
	}
	for _, p := range m.order {
		if err, ok := m.setupErrs[p]; ok {
			result = multierror.Append(result, fmt.Errorf("%s: %w", p, err))
		}
	}
	m.mu.Unlock()

	for _, p := range m.order {
		sup := m.Supervisor(p)
		if sup == nil {
			continue
		}
		if err := sup.Start(ctx); err != nil {
			m.log.Error("provider failed to start", logx.String("provider", string(p)), logx.Err(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", p, err))
			continue
		}
		m.log.Info("provider started", logx.String("provider", string(p)), logx.Bool("connected", sup.Connected()))
	}
	return result.ErrorOrNil()
}

// StopAll stops every supervisor concurrently and waits for all of them.
func (m *Manager) StopAll(ctx context.Context) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	for _, p := range m.order {
		sup := m.Supervisor(p)
		if sup == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sup.Stop(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", p, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// Statuses returns a snapshot per enabled session-capable provider, in
// configuration order.
func (m *Manager) Statuses() []im.ConnectionStatus {
	var out []im.ConnectionStatus
	for _, p := range m.order {
		c := m.configs[p]
		if !c.Enabled || !p.SupportsSession() {
			continue
		}
		if sup := m.Supervisor(p); sup != nil {
			out = append(out, sup.Status())
			continue
		}
		st := im.ConnectionStatus{Provider: p, Enabled: true}
		m.mu.Lock()
		if err, ok := m.setupErrs[p]; ok {
			st.LastError = err.Error()
		}
		m.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Ready fails for every enabled persistent provider that is not connected
// once grace has passed since StartAll. Webhook-only gateways are always
// ready after start.
func (m *Manager) Ready(grace time.Duration) error {
	m.mu.Lock()
	started := m.startedAt
	m.mu.Unlock()
	if started.IsZero() {
		return errors.New("gateway not started")
	}
	if m.now().Sub(started) < grace {
		return nil
	}
	var result *multierror.Error
	for _, st := range m.Statuses() {
		if !st.Connected {
			result = multierror.Append(result, fmt.Errorf("%s not connected", st.Provider))
		}
	}
	return result.ErrorOrNil()
}

// AvailableProviders lists enabled providers in configuration order.
func (m *Manager) AvailableProviders() []im.Provider {
	var out []im.Provider
	for _, p := range m.order {
		if m.configs[p].Enabled {
			out = append(out, p)
		}
	}
	return out
}

// DefaultProvider is the first enabled provider.
func (m *Manager) DefaultProvider() (im.Provider, bool) {
	for _, p := range m.order {
		if m.configs[p].Enabled {
			return p, true
		}
	}
	return "", false
}

func (m *Manager) publish(res im.SendResult, via, userID string) {
	if !res.Success {
		m.log.Warn("send failed",
			logx.String("provider", string(res.Provider)),
			logx.String("via", via),
			logx.String("error", res.Error),
		)
	}
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: EventSend, Data: SendEvent{
		Provider:  res.Provider,
		Via:       via,
		Success:   res.Success,
		MessageID: res.MessageID,
		Error:     res.Error,
		UserID:    userID,
	}})
}
