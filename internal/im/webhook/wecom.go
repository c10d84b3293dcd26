package webhook

import (
	"context"

	"imgateway/internal/im"
)

type weCom struct {
	poster
	url string
}

func newWeCom(cfg im.ProviderConfig, p poster) Adapter {
	return &weCom{poster: p, url: cfg.WebhookURL}
}

func (a *weCom) Provider() im.Provider { return im.WeCom }

func (a *weCom) Send(ctx context.Context, msg im.OutboundMessage) im.SendResult {
	return a.deliver(ctx, a.url, weComPayload(msg), checkErrcode)
}

func (a *weCom) SendText(ctx context.Context, content string) im.SendResult {
	return a.Send(ctx, im.Text(content))
}

func (a *weCom) SendMarkdown(ctx context.Context, title, content string) im.SendResult {
	return a.Send(ctx, im.Markdown(title, content))
}

func (a *weCom) HealthCheck(ctx context.Context) bool { return a.healthCheck(ctx, a) }

func weComPayload(msg im.OutboundMessage) map[string]any {
	switch msg.Kind {
	case im.KindMarkdown:
		content := msg.Content
		if msg.Title != "" {
			content = "### " + msg.Title + "\n\n" + msg.Content
		}
		return map[string]any{
			"msgtype":  "markdown",
			"markdown": map[string]any{"content": content},
		}
	case im.KindCard:
		card := msg.Extra
		if card == nil {
			card = map[string]any{}
		}
		return map[string]any{
			"msgtype":       "template_card",
			"template_card": card,
		}
	}
	mentioned := []any{}
	if v, ok := msg.Extra["mentioned_list"]; ok && v != nil {
		switch l := v.(type) {
		case []string:
			for _, s := range l {
				mentioned = append(mentioned, s)
			}
		case []any:
			mentioned = l
		}
	}
	return map[string]any{
		"msgtype": "text",
		"text": map[string]any{
			"content":        msg.Content,
			"mentioned_list": mentioned,
		},
	}
}
