// Package inbound is the default message handler: it answers a small set of
// prefixed commands and hands everything else to downstream consumers.
package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"imgateway/internal/eventbus"
	"imgateway/internal/im"
	logx "imgateway/pkg/logx"
)

// EventMessage carries a non-command InboundMessage.
const EventMessage = "im.message"

const defaultForwardTimeout = 10 * time.Second

// Gateway is the part of the provider registry the commands read.
type Gateway interface {
	Config(p im.Provider) (im.ProviderConfig, bool)
	Statuses() []im.ConnectionStatus
}

// Channels reads and pins a user's preferred provider.
type Channels interface {
	GetUserChannel(ctx context.Context, userID string) (im.Provider, bool)
	SetUserChannel(ctx context.Context, userID string, p im.Provider) error
}

type Config struct {
	ForwardURL     string
	ForwardTimeout time.Duration
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option    { return func(d *Dispatcher) { d.log = log } }
func WithBus(b eventbus.Bus) Option        { return func(d *Dispatcher) { d.bus = b } }
func WithGateway(g Gateway) Option         { return func(d *Dispatcher) { d.gw = g } }
func WithChannels(c Channels) Option       { return func(d *Dispatcher) { d.channels = c } }
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.http = c } }

// WithNext chains a consumer for non-command messages after the built-in
// forwarding.
func WithNext(h im.Handler) Option { return func(d *Dispatcher) { d.next = h } }

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, msg im.InboundMessage, args []string) (string, error)
}

type Dispatcher struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	gw       Gateway
	channels Channels
	http     *http.Client
	next     im.Handler

	commands map[string]command
}

var _ im.Handler = (*Dispatcher)(nil)

func New(cfg Config, opts ...Option) *Dispatcher {
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = defaultForwardTimeout
	}
	cfg.ForwardURL = strings.TrimSpace(cfg.ForwardURL)
	d := &Dispatcher{cfg: cfg}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	if d.http == nil {
		d.http = &http.Client{Timeout: cfg.ForwardTimeout}
	}
	d.commands = map[string]command{}
	for _, c := range []command{
		{name: "ping", usage: "ping", run: d.cmdPing},
		{name: "help", usage: "help", run: d.cmdHelp},
		{name: "status", usage: "status", run: d.cmdStatus},
		{name: "channel", usage: "channel [provider]", run: d.cmdChannel},
	} {
		d.commands[c.name] = c
	}
	return d
}

func (d *Dispatcher) HandleMessage(ctx context.Context, msg im.InboundMessage) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	if name, args, ok := d.parseCommand(msg.Provider, text); ok {
		if c, found := d.commands[name]; found {
			return d.runCommand(ctx, c, msg, args)
		}
	}
	return d.deliver(ctx, msg)
}

// parseCommand splits "!status now" into ("status", ["now"]). Capture
// messages without a provider use the default prefix.
func (d *Dispatcher) parseCommand(p im.Provider, text string) (string, []string, bool) {
	prefix := im.DefaultCommandPrefix
	if d.gw != nil && p != "" {
		if cfg, ok := d.gw.Config(p); ok {
			prefix = cfg.Prefix()
		}
	}
	if !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func (d *Dispatcher) runCommand(ctx context.Context, c command, msg im.InboundMessage, args []string) error {
	log := d.log.With(logx.String("cmd", c.name), logx.String("provider", string(msg.Provider)))
	out, err := c.run(ctx, msg, args)
	if err != nil {
		out = "⚠️ " + err.Error()
	}
	if msg.Reply == nil {
		log.Debug("command without reply hook", logx.String("sender", msg.SenderID))
		return nil
	}
	if rerr := msg.Reply(ctx, out); rerr != nil {
		log.Warn("command reply failed", logx.Err(rerr))
		return fmt.Errorf("reply %s: %w", c.name, rerr)
	}
	log.Debug("command handled")
	return nil
}

func (d *Dispatcher) cmdPing(context.Context, im.InboundMessage, []string) (string, error) {
	return "pong", nil
}

func (d *Dispatcher) cmdHelp(_ context.Context, msg im.InboundMessage, _ []string) (string, error) {
	prefix := im.DefaultCommandPrefix
	if d.gw != nil {
		if cfg, ok := d.gw.Config(msg.Provider); ok {
			prefix = cfg.Prefix()
		}
	}
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Commands:")
	for _, name := range names {
		b.WriteString("\n" + prefix + d.commands[name].usage)
	}
	return b.String(), nil
}

func (d *Dispatcher) cmdStatus(context.Context, im.InboundMessage, []string) (string, error) {
	if d.gw == nil {
		return "", fmt.Errorf("status unavailable")
	}
	statuses := d.gw.Statuses()
	if len(statuses) == 0 {
		return "No persistent providers running.", nil
	}
	lines := make([]string, 0, len(statuses))
	for _, s := range statuses {
		lines = append(lines, s.String())
	}
	return strings.Join(lines, "\n"), nil
}

func (d *Dispatcher) cmdChannel(ctx context.Context, msg im.InboundMessage, args []string) (string, error) {
	if d.channels == nil {
		return "", fmt.Errorf("channel preference unavailable")
	}
	if msg.SenderID == "" {
		return "", fmt.Errorf("unknown sender")
	}
	if len(args) == 0 {
		p, ok := d.channels.GetUserChannel(ctx, msg.SenderID)
		if !ok {
			return "No preferred channel set.", nil
		}
		return "Preferred channel: " + p.DisplayName(), nil
	}
	p, err := im.ParseProvider(args[0])
	if err != nil {
		return "", err
	}
	if err := d.channels.SetUserChannel(ctx, msg.SenderID, p); err != nil {
		return "", err
	}
	return "Preferred channel set to " + p.DisplayName(), nil
}

type forwardPayload struct {
	ID         string      `json:"id"`
	Provider   im.Provider `json:"provider,omitempty"`
	SenderID   string      `json:"sender_id,omitempty"`
	ChatID     string      `json:"chat_id,omitempty"`
	Text       string      `json:"text"`
	ReceivedAt time.Time   `json:"received_at"`
}

func (d *Dispatcher) deliver(ctx context.Context, msg im.InboundMessage) error {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: EventMessage, Data: msg})
	}
	if d.cfg.ForwardURL != "" {
		if err := d.forward(ctx, msg); err != nil {
			return err
		}
	}
	if d.next != nil {
		return d.next.HandleMessage(ctx, msg)
	}
	return nil
}

func (d *Dispatcher) forward(ctx context.Context, msg im.InboundMessage) error {
	body, err := json.Marshal(forwardPayload{
		ID:         msg.ID,
		Provider:   msg.Provider,
		SenderID:   msg.SenderID,
		ChatID:     msg.ChatID,
		Text:       msg.Text,
		ReceivedAt: msg.ReceivedAt,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ForwardTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.ForwardURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("forward message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("forward message: HTTP %d", resp.StatusCode)
	}
	return nil
}
