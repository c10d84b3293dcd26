package webhook

import (
	"context"
	"net/url"
	"strconv"

	"imgateway/internal/im"
)

type dingTalk struct {
	poster
	url    string
	secret string
}

func newDingTalk(cfg im.ProviderConfig, p poster) Adapter {
	return &dingTalk{poster: p, url: cfg.WebhookURL, secret: cfg.Secret}
}

func (a *dingTalk) Provider() im.Provider { return im.DingTalk }

func (a *dingTalk) Send(ctx context.Context, msg im.OutboundMessage) im.SendResult {
	target, err := a.signedURL()
	if err != nil {
		return im.Failed(im.DingTalk, err.Error())
	}
	return a.deliver(ctx, target, dingTalkPayload(msg), checkErrcode)
}

func (a *dingTalk) SendText(ctx context.Context, content string) im.SendResult {
	return a.Send(ctx, im.Text(content))
}

func (a *dingTalk) SendMarkdown(ctx context.Context, title, content string) im.SendResult {
	return a.Send(ctx, im.Markdown(title, content))
}

func (a *dingTalk) HealthCheck(ctx context.Context) bool { return a.healthCheck(ctx, a) }

// signedURL appends timestamp (ms) and sign as query parameters when a
// secret is configured. url.Values escapes sign the same way quote_plus does.
func (a *dingTalk) signedURL() (string, error) {
	if a.secret == "" {
		return a.url, nil
	}
	u, err := url.Parse(a.url)
	if err != nil {
		return "", err
	}
	ts := a.now().UnixMilli()
	q := u.Query()
	q.Set("timestamp", strconv.FormatInt(ts, 10))
	q.Set("sign", DingTalkSign(a.secret, ts))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func dingTalkPayload(msg im.OutboundMessage) map[string]any {
	if msg.Kind == im.KindMarkdown {
		title := msg.Title
		if title == "" {
			title = "Notification"
		}
		return map[string]any{
			"msgtype":  "markdown",
			"markdown": map[string]any{"title": title, "text": msg.Content},
		}
	}
	return map[string]any{
		"msgtype": "text",
		"text":    map[string]any{"content": msg.Content},
	}
}
