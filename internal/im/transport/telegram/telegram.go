// Package telegram is the Telegram long-polling transport.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"imgateway/internal/im"
	"imgateway/internal/im/connection"
	logx "imgateway/pkg/logx"
)

var errPollerStopped = errors.New("poller stopped")

type Transport struct {
	cfg         im.ProviderConfig
	log         logx.Logger
	pollTimeout time.Duration
	client      *http.Client

	mu   sync.Mutex
	bot  *tele.Bot
	me   string
	stop chan error // ends the current Run
}

func New(cfg im.ProviderConfig, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, &im.ConfigurationError{Provider: im.Telegram, Reason: "bot_token is empty"}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := 10 * time.Second
	if v, err := time.ParseDuration(cfg.Param("poll_timeout", "")); err == nil && v > 0 {
		timeout = v
	}
	proxy := http.ProxyFromEnvironment
	if cfg.BypassProxy {
		proxy = nil
	} else if raw := strings.TrimSpace(cfg.ProxyURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, &im.ConfigurationError{Provider: im.Telegram, Reason: "invalid proxy_url"}
		}
		proxy = http.ProxyURL(u)
	}
	return &Transport{
		cfg:         cfg,
		log:         log,
		pollTimeout: timeout,
		// Long-poll requests hold the connection for pollTimeout.
		client: &http.Client{
			Timeout:   timeout + 10*time.Second,
			Transport: &http.Transport{Proxy: proxy},
		},
	}, nil
}

func (t *Transport) Provider() im.Provider { return im.Telegram }

// Run builds a fresh bot (getMe validates the token on every attempt) and
// polls until the poller stops, ctx ends, or Close is called.
func (t *Transport) Run(ctx context.Context, ev connection.Events) error {
	stop := make(chan error, 1)

	b, err := tele.NewBot(tele.Settings{
		Token:  strings.TrimSpace(t.cfg.BotToken),
		Poller: &tele.LongPoller{Timeout: t.pollTimeout},
		Client: t.client,
		OnError: func(err error, _ tele.Context) {
			if isUnauthorized(err) {
				select {
				case stop <- &im.AuthenticationError{Provider: im.Telegram, Reason: "token revoked", Err: err}:
				default:
				}
				return
			}
			ev.Error(err)
		},
	})
	if err != nil {
		return classifyError(err)
	}

	botID := b.Me.ID
	b.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		msg := toInbound(m, botID)
		chat := m.Chat
		msg.Reply = func(ctx context.Context, text string) error {
			_, err := sendChunks(ctx, b, chat, text)
			return err
		}
		ev.Message(msg)
		return nil
	})

	t.mu.Lock()
	t.bot = b
	t.me = b.Me.Username
	t.stop = stop
	t.mu.Unlock()

	polled := make(chan struct{})
	go func() {
		defer close(polled)
		b.Start()
	}()
	t.log.Info("polling started", logx.String("user", b.Me.Username))
	ev.Connected()

	var result error
	select {
	case <-ctx.Done():
		result = ctx.Err()
	case err := <-stop:
		result = err
	case <-polled:
		result = errPollerStopped
	}

	// Stop blocks until Start acknowledges; never wait on it unbounded.
	go b.Stop()
	select {
	case <-polled:
	case <-time.After(5 * time.Second):
		t.log.Warn("telegram poller did not stop in time")
	}

	t.mu.Lock()
	if t.bot == b {
		t.bot = nil
		t.stop = nil
	}
	t.mu.Unlock()

	if errors.Is(result, errPollerStopped) {
		ev.Disconnected(result)
	}
	t.log.Info("polling stopped")
	return result
}

func isUnauthorized(err error) bool {
	if errors.Is(err, tele.ErrUnauthorized) {
		return true
	}
	var te *tele.Error
	return errors.As(err, &te) && te.Code == http.StatusUnauthorized
}

func classifyError(err error) error {
	if isUnauthorized(err) {
		return &im.AuthenticationError{Provider: im.Telegram, Reason: "invalid bot token", Err: err}
	}
	return &im.TransportError{Provider: im.Telegram, Op: "getMe", Err: err}
}

func toInbound(m *tele.Message, botID int64) im.InboundMessage {
	return im.InboundMessage{
		ID:         fmt.Sprintf("%d:%d", m.Chat.ID, m.ID),
		SenderID:   strconv.FormatInt(m.Sender.ID, 10),
		ChatID:     strconv.FormatInt(m.Chat.ID, 10),
		Text:       strings.TrimSpace(m.Text),
		Provider:   im.Telegram,
		FromSelf:   m.Sender.ID == botID,
		FromBot:    m.Sender.IsBot,
		ReceivedAt: time.Now(),
	}
}

// Send targets the private chat with userID (a numeric Telegram id).
func (t *Transport) Send(ctx context.Context, userID, text string) (string, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram user id %q is not numeric", userID)
	}
	t.mu.Lock()
	b := t.bot
	t.mu.Unlock()
	if b == nil {
		return "", errors.New("telegram bot not running")
	}
	return sendChunks(ctx, b, &tele.Chat{ID: id}, text)
}

func sendChunks(ctx context.Context, b *tele.Bot, chat *tele.Chat, text string) (string, error) {
	var first string
	for _, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		m, err := b.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			return first, err
		}
		if first == "" {
			first = strconv.Itoa(m.ID)
		}
	}
	return first, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	stop := t.stop
	t.mu.Unlock()
	if stop != nil {
		select {
		case stop <- nil:
		default:
		}
	}
	return nil
}

func (t *Transport) Extras() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]any{"user": t.me}
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts,
// preferring newline boundaries and never producing tiny chunks.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
