package webhook

import (
	"context"
	"encoding/json"
	"strconv"

	"imgateway/internal/im"
)

type feishu struct {
	poster
	url    string
	secret string
}

func newFeishu(cfg im.ProviderConfig, p poster) Adapter {
	return &feishu{poster: p, url: cfg.WebhookURL, secret: cfg.Secret}
}

func (a *feishu) Provider() im.Provider { return im.Feishu }

func (a *feishu) Send(ctx context.Context, msg im.OutboundMessage) im.SendResult {
	payload := feishuPayload(msg)
	if a.secret != "" {
		ts := a.now().Unix()
		payload["timestamp"] = strconv.FormatInt(ts, 10)
		payload["sign"] = FeishuSign(a.secret, ts)
	}
	return a.deliver(ctx, a.url, payload, checkFeishu)
}

func (a *feishu) SendText(ctx context.Context, content string) im.SendResult {
	return a.Send(ctx, im.Text(content))
}

// SendMarkdown repeats the title in bold above the content: post text has no
// markdown rendering of its own.
func (a *feishu) SendMarkdown(ctx context.Context, title, content string) im.SendResult {
	if title != "" {
		content = "**" + title + "**\n\n" + content
	}
	return a.Send(ctx, im.Markdown(title, content))
}

func (a *feishu) HealthCheck(ctx context.Context) bool { return a.healthCheck(ctx, a) }

func feishuPayload(msg im.OutboundMessage) map[string]any {
	if msg.Kind == im.KindMarkdown {
		title := msg.Title
		if title == "" {
			title = "Notification"
		}
		return map[string]any{
			"msg_type": "post",
			"content": map[string]any{
				"post": map[string]any{
					"zh_cn": map[string]any{
						"title": title,
						"content": [][]map[string]any{
							{{"tag": "text", "text": msg.Content}},
						},
					},
				},
			},
		}
	}
	return map[string]any{
		"msg_type": "text",
		"content":  map[string]any{"text": msg.Content},
	}
}

type feishuBody struct {
	Code       *int   `json:"code"`
	StatusCode *int   `json:"StatusCode"`
	Msg        string `json:"msg"`
}

func checkFeishu(r response) (string, bool) {
	var b feishuBody
	if err := json.Unmarshal(r.body, &b); err != nil {
		return "invalid response: " + truncate(string(r.body), 200), false
	}
	if (b.Code != nil && *b.Code == 0) || (b.StatusCode != nil && *b.StatusCode == 0) {
		return "", true
	}
	if b.Msg == "" {
		return unknownError, false
	}
	return b.Msg, false
}
