// Package feishu is the Feishu/Lark transport.
//
// Events arrive over the SDK's long connection; outbound messages go through
// the SDK's open API client, which owns the tenant token. The long-connection
// client has no close hook, so one client lives as long as the Transport and
// reconnects on its own. Each Run attaches to it and Close detaches: events
// that arrive while nothing is attached are dropped.
package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"imgateway/internal/im"
	"imgateway/internal/im/connection"
	logx "imgateway/pkg/logx"
)

var DefaultDomain = lark.FeishuBaseUrl

var errLongConnClosed = errors.New("long connection closed")

type Transport struct {
	cfg    im.ProviderConfig
	log    logx.Logger
	domain string
	api    *lark.Client

	mu      sync.Mutex
	chats   map[string]string // sender open_id -> chat_id
	current *attempt
	live    bool
	ws      *larkws.Client
	wsDone  chan error // non-nil while ws.Start runs
}

func New(cfg im.ProviderConfig, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, &im.ConfigurationError{Provider: im.Feishu, Reason: "app_id and app_secret are required"}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	domain := strings.TrimRight(cfg.Param("domain", DefaultDomain), "/")
	return &Transport{
		cfg:    cfg,
		log:    log,
		domain: domain,
		api: lark.NewClient(cfg.AppID, cfg.AppSecret,
			lark.WithOpenBaseUrl(domain),
			lark.WithHttpClient(&http.Client{Timeout: 10 * time.Second}),
			lark.WithLogger(&sdkLogger{log: log.With(logx.String("comp", "lark.api"))}),
			lark.WithLogLevel(larkcore.LogLevelWarn),
		),
		chats: map[string]string{},
	}, nil
}

func (t *Transport) Provider() im.Provider { return im.Feishu }

// attempt binds the shared client to the Events of one Run.
type attempt struct {
	ev   connection.Events
	done chan error
	dead atomic.Bool
}

func (a *attempt) finish(err error) {
	if a.dead.Load() {
		return
	}
	select {
	case a.done <- err:
	default:
	}
}

func (t *Transport) Run(ctx context.Context, ev connection.Events) error {
	// The long connection only logs auth failures and keeps retrying, so
	// credentials are checked up front.
	if err := t.checkCredentials(ctx); err != nil {
		return err
	}

	a := &attempt{ev: ev, done: make(chan error, 1)}
	t.mu.Lock()
	if t.current != nil {
		t.current.dead.Store(true)
	}
	t.current = a
	live := t.live
	started := t.startLocked()
	t.mu.Unlock()
	defer t.detach(a)

	if live {
		ev.Connected()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-started:
		t.mu.Lock()
		if t.wsDone == started {
			t.wsDone = nil
		}
		t.live = false
		t.mu.Unlock()
		return classifyStartError(err)
	case err := <-a.done:
		if err != nil {
			ev.Disconnected(err)
		}
		return err
	}
}

// startLocked runs the shared long-connection client unless it is already
// running. Start returns only when the client gives up.
func (t *Transport) startLocked() chan error {
	if t.wsDone != nil {
		return t.wsDone
	}
	if t.ws == nil {
		handler := dispatcher.NewEventDispatcher(t.cfg.VerificationToken, t.cfg.EncryptKey).
			OnP2MessageReceiveV1(t.onMessage)
		t.ws = larkws.NewClient(t.cfg.AppID, t.cfg.AppSecret,
			larkws.WithEventHandler(handler),
			larkws.WithDomain(t.domain),
			larkws.WithLogger(&sdkLogger{log: t.log.With(logx.String("comp", "lark.ws")), observe: t.observe}),
			larkws.WithLogLevel(larkcore.LogLevelInfo),
		)
	}
	done := make(chan error, 1)
	t.wsDone = done
	cli := t.ws
	go func() { done <- cli.Start(context.Background()) }()
	return done
}

func (t *Transport) attached() *attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *Transport) detach(a *attempt) {
	a.dead.Store(true)
	t.mu.Lock()
	if t.current == a {
		t.current = nil
	}
	t.mu.Unlock()
}

// observe turns the client's connection log lines into lifecycle events.
func (t *Transport) observe(msg string) {
	lower := strings.ToLower(msg)
	var connected bool
	switch {
	case strings.Contains(lower, "disconnected"):
	case strings.Contains(lower, "connected to"):
		connected = true
	default:
		return
	}
	t.mu.Lock()
	t.live = connected
	a := t.current
	t.mu.Unlock()
	if a == nil || a.dead.Load() {
		return
	}
	if connected {
		a.ev.Connected()
	} else {
		a.finish(errLongConnClosed)
	}
}

func (t *Transport) onMessage(_ context.Context, event *larkim.P2MessageReceiveV1) error {
	a := t.attached()
	if a == nil || a.dead.Load() {
		return nil
	}
	msg, ok := parseMessage(event)
	if !ok {
		return nil
	}
	t.rememberChat(msg.SenderID, msg.ChatID)
	chatID := msg.ChatID
	msg.Reply = func(ctx context.Context, text string) error {
		_, err := t.sendText(ctx, larkim.ReceiveIdTypeChatId, chatID, text)
		return err
	}
	a.ev.Message(msg)
	return nil
}

// checkCredentials fetches a tenant token. A non-zero code is a credential
// problem and comes back as an *im.AuthenticationError.
func (t *Transport) checkCredentials(ctx context.Context) error {
	resp, err := t.api.GetTenantAccessTokenBySelfBuiltApp(ctx, &larkcore.SelfBuiltTenantAccessTokenReq{
		AppID:     t.cfg.AppID,
		AppSecret: t.cfg.AppSecret,
	})
	if err != nil {
		return &im.TransportError{Provider: im.Feishu, Op: "tenant_access_token", Err: err}
	}
	if !resp.Success() {
		return &im.AuthenticationError{Provider: im.Feishu, Reason: fmt.Sprintf("tenant_access_token code %d: %s", resp.Code, resp.Msg)}
	}
	return nil
}

func classifyStartError(err error) error {
	if err == nil {
		err = errLongConnClosed
	}
	var ce *larkws.ClientError
	if errors.As(err, &ce) {
		return &im.AuthenticationError{Provider: im.Feishu, Reason: fmt.Sprintf("long connection code %d: %s", ce.Code, ce.Msg), Err: err}
	}
	return &im.TransportError{Provider: im.Feishu, Op: "connect", Err: err}
}

// sendText posts a text message. idType is chat_id or open_id.
func (t *Transport) sendText(ctx context.Context, idType, receiveID, text string) (string, error) {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", err
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(idType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType("text").
			Content(string(content)).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := t.api.Im.Message.Create(ctx, req)
	if err != nil {
		return "", err
	}
	if !resp.Success() {
		return "", fmt.Errorf("feishu send code %d: %s", resp.Code, resp.Msg)
	}
	if resp.Data == nil {
		return "", nil
	}
	return deref(resp.Data.MessageId), nil
}

func (t *Transport) rememberChat(openID, chatID string) {
	if openID == "" || chatID == "" {
		return
	}
	t.mu.Lock()
	t.chats[openID] = chatID
	t.mu.Unlock()
}

func (t *Transport) chatFor(openID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chats[openID]
	return c, ok
}

// Send tries the sender's known chat first, then the user by open_id.
func (t *Transport) Send(ctx context.Context, userID, text string) (string, error) {
	if chatID, ok := t.chatFor(userID); ok {
		id, err := t.sendText(ctx, larkim.ReceiveIdTypeChatId, chatID, text)
		if err == nil {
			return id, nil
		}
		t.log.Warn("send to chat failed, trying open_id", logx.String("chat_id", chatID), logx.Err(err))
	}
	return t.sendText(ctx, larkim.ReceiveIdTypeOpenId, userID, text)
}

// Close detaches the running attempt. The shared client stays connected and
// is picked up again by the next Run.
func (t *Transport) Close() error {
	t.mu.Lock()
	a := t.current
	t.current = nil
	t.mu.Unlock()
	if a != nil {
		a.finish(nil)
		a.dead.Store(true)
	}
	return nil
}

func (t *Transport) Extras() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]any{
		"known_chats":     len(t.chats),
		"long_connection": t.live,
	}
}

// parseMessage accepts text messages only.
func parseMessage(event *larkim.P2MessageReceiveV1) (im.InboundMessage, bool) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return im.InboundMessage{}, false
	}
	m := event.Event.Message
	if deref(m.MessageType) != "text" {
		return im.InboundMessage{}, false
	}
	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(deref(m.Content)), &content); err != nil {
		return im.InboundMessage{}, false
	}

	msg := im.InboundMessage{
		ID:         deref(m.MessageId),
		ChatID:     deref(m.ChatId),
		Text:       stripMentions(content.Text),
		Provider:   im.Feishu,
		ReceivedAt: time.Now(),
	}
	if s := event.Event.Sender; s != nil {
		if s.SenderId != nil {
			msg.SenderID = deref(s.SenderId.OpenId)
		}
		if st := deref(s.SenderType); st != "" && st != "user" {
			msg.FromBot = true
		}
	}
	return msg, true
}

// stripMentions drops "@_user_N" placeholders.
func stripMentions(s string) string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		if strings.HasPrefix(f, "@_user_") || f == "@_all" {
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// sdkLogger bridges the SDK's logger into logx. observe, when set, sees every
// info and above line.
type sdkLogger struct {
	log     logx.Logger
	observe func(msg string)
}

func (l *sdkLogger) Debug(_ context.Context, args ...interface{}) {
	l.log.Debug(fmt.Sprint(args...))
}

func (l *sdkLogger) Info(_ context.Context, args ...interface{}) {
	msg := fmt.Sprint(args...)
	l.log.Info(msg)
	l.notify(msg)
}

func (l *sdkLogger) Warn(_ context.Context, args ...interface{}) {
	msg := fmt.Sprint(args...)
	l.log.Warn(msg)
	l.notify(msg)
}

func (l *sdkLogger) Error(_ context.Context, args ...interface{}) {
	msg := fmt.Sprint(args...)
	l.log.Error(msg)
	l.notify(msg)
}

func (l *sdkLogger) notify(msg string) {
	if l.observe != nil {
		l.observe(msg)
	}
}
