// Package discord is the Discord gateway transport.
//
// One *discordgo.Session lives for the whole process so that a new attempt
// after a drop resumes the previous gateway session when Discord allows it.
// discordgo's own reconnect is disabled: the connection supervisor decides
// when to retry.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"

	"imgateway/internal/im"
	"imgateway/internal/im/connection"
	logx "imgateway/pkg/logx"
)

var (
	errDisconnected     = errors.New("gateway disconnected")
	errHeartbeatTimeout = errors.New("heartbeat ack timeout")
)

type Transport struct {
	cfg im.ProviderConfig
	log logx.Logger

	mu      sync.Mutex
	session *discordgo.Session
	done    chan error

	ev     atomic.Value // stores eventsBox
	botID  atomic.Value // stores string
	user   atomic.Value // stores string
	guilds atomic.Int64
}

type eventsBox struct{ ev connection.Events }

func New(cfg im.ProviderConfig, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, &im.ConfigurationError{Provider: im.Discord, Reason: "bot_token is empty"}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Transport{cfg: cfg, log: log}
	t.ev.Store(eventsBox{})
	t.botID.Store("")
	t.user.Store("")
	return t, nil
}

func (t *Transport) Provider() im.Provider { return im.Discord }

func (t *Transport) events() connection.Events {
	b, _ := t.ev.Load().(eventsBox)
	return b.ev
}

func (t *Transport) ensureSession() (*discordgo.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		return t.session, nil
	}

	token := strings.TrimSpace(t.cfg.BotToken)
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	s.ShouldReconnectOnError = false
	s.SyncEvents = true

	proxy, err := proxyFunc(t.cfg)
	if err != nil {
		return nil, &im.ConfigurationError{Provider: im.Discord, Reason: "invalid proxy_url"}
	}
	s.Client = &http.Client{
		Timeout:   20 * time.Second,
		Transport: &http.Transport{Proxy: proxy},
	}
	s.Dialer = &websocket.Dialer{
		Proxy:            proxy,
		HandshakeTimeout: 15 * time.Second,
	}

	// Handlers run synchronously inside discordgo's read loop (and inside
	// Open for READY/RESUMED), so they only record state and forward.
	s.AddHandler(t.onReady)
	s.AddHandler(t.onResumed)
	s.AddHandler(t.onDisconnect)
	s.AddHandler(t.onMessageCreate)

	t.session = s
	return s, nil
}

// proxyFunc resolves the proxy: explicit proxy_url, else the environment,
// unless bypass_proxy is set.
func proxyFunc(cfg im.ProviderConfig) (func(*http.Request) (*url.URL, error), error) {
	if cfg.BypassProxy {
		return nil, nil
	}
	if raw := strings.TrimSpace(cfg.ProxyURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		return http.ProxyURL(u), nil
	}
	return http.ProxyFromEnvironment, nil
}

func (t *Transport) Run(ctx context.Context, ev connection.Events) error {
	s, err := t.ensureSession()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	t.mu.Lock()
	t.done = done
	t.mu.Unlock()
	t.ev.Store(eventsBox{ev: ev})

	if err := s.Open(); err != nil {
		if errors.Is(err, discordgo.ErrWSAlreadyOpen) {
			_ = s.Close()
		}
		return classifyOpenError(err)
	}

	if hb := t.cfg.HeartbeatTimeout; hb > 0 {
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go t.watchHeartbeat(wctx, s, hb)
	}

	select {
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// watchHeartbeat ends the attempt once heartbeat acks have been missing for
// longer than timeout.
func (t *Transport) watchHeartbeat(ctx context.Context, s *discordgo.Session, timeout time.Duration) {
	tick := time.NewTicker(max(timeout/4, time.Second))
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		s.RLock()
		last := s.LastHeartbeatAck
		s.RUnlock()
		if heartbeatStale(last, time.Now(), timeout) {
			t.log.Warn("heartbeat ack overdue; dropping session", logx.Duration("since_ack", time.Since(last)))
			t.finish(errHeartbeatTimeout)
			_ = s.Close()
			return
		}
	}
}

func heartbeatStale(last, now time.Time, timeout time.Duration) bool {
	return !last.IsZero() && now.Sub(last) > timeout
}

func (t *Transport) finish(err error) {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case done <- err:
	default:
	}
}

// classifyOpenError maps gateway close codes 4004 (authentication failed)
// and 4010-4014 (bad shard, sharding required, invalid API version,
// invalid or disallowed intents) and REST 401 to login failures.
func classifyOpenError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == 4004 || (ce.Code >= 4010 && ce.Code <= 4014) {
			return &im.AuthenticationError{Provider: im.Discord, Reason: fmt.Sprintf("gateway close code %d", ce.Code), Err: err}
		}
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized {
		return &im.AuthenticationError{Provider: im.Discord, Reason: "invalid bot token", Err: err}
	}
	return &im.TransportError{Provider: im.Discord, Op: "connect", Err: err}
}

func (t *Transport) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		t.botID.Store(r.User.ID)
		t.user.Store(r.User.String())
	}
	t.guilds.Store(int64(len(r.Guilds)))
	t.log.Info("logged in", logx.String("user", t.user.Load().(string)), logx.Int("guilds", len(r.Guilds)))
	if ev := t.events(); ev != nil {
		ev.Connected()
	}
}

func (t *Transport) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	if ev := t.events(); ev != nil {
		ev.Resumed()
	}
}

func (t *Transport) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	if ev := t.events(); ev != nil {
		ev.Disconnected(errDisconnected)
	}
	t.finish(errDisconnected)
}

func (t *Transport) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	ev := t.events()
	if ev == nil {
		return
	}
	msg := toInbound(m.Message, t.botID.Load().(string))
	channelID := m.ChannelID
	msg.Reply = func(ctx context.Context, text string) error {
		_, err := s.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
		return err
	}
	ev.Message(msg)
}

func toInbound(m *discordgo.Message, botID string) im.InboundMessage {
	return im.InboundMessage{
		ID:         m.ID,
		SenderID:   m.Author.ID,
		ChatID:     m.ChannelID,
		Text:       stripMention(m.Content, botID),
		Provider:   im.Discord,
		FromSelf:   botID != "" && m.Author.ID == botID,
		FromBot:    m.Author.Bot,
		ReceivedAt: time.Now(),
	}
}

// stripMention removes <@id> and <@!id> mentions of the bot.
func stripMention(content, botID string) string {
	if botID != "" {
		content = strings.ReplaceAll(content, "<@"+botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(content)
}

// Send opens (or reuses) the DM channel with userID and posts text.
func (t *Transport) Send(ctx context.Context, userID, text string) (string, error) {
	t.mu.Lock()
	s := t.session
	t.mu.Unlock()
	if s == nil {
		return "", errors.New("discord session not initialized")
	}
	ch, err := s.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("open dm channel: %w", err)
	}
	var first string
	for _, chunk := range splitText(text, maxMessageLen) {
		m, err := s.ChannelMessageSend(ch.ID, chunk, discordgo.WithContext(ctx))
		if err != nil {
			return first, err
		}
		if first == "" {
			first = m.ID
		}
	}
	return first, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	s := t.session
	t.mu.Unlock()
	t.ev.Store(eventsBox{})
	var err error
	if s != nil {
		err = s.Close()
	}
	t.finish(nil)
	return err
}

func (t *Transport) Extras() map[string]any {
	return map[string]any{
		"guild_count": int(t.guilds.Load()),
		"user":        t.user.Load().(string),
	}
}

const maxMessageLen = 2000

// splitText cuts on rune boundaries, preferring newlines.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for len(rs) > 0 {
		end := min(limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > limit/2; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[:end]), "\n"))
		rs = rs[end:]
	}
	return out
}
