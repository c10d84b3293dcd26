package webhook

import (
	"context"
	"net/http"

	"imgateway/internal/im"
)

type discord struct {
	poster
	url string
}

func newDiscord(cfg im.ProviderConfig, p poster) Adapter {
	return &discord{poster: p, url: cfg.WebhookURL}
}

func (a *discord) Provider() im.Provider { return im.Discord }

func (a *discord) Send(ctx context.Context, msg im.OutboundMessage) im.SendResult {
	return a.deliver(ctx, a.url, discordPayload(msg), checkDiscord)
}

func (a *discord) SendText(ctx context.Context, content string) im.SendResult {
	return a.Send(ctx, im.Text(content))
}

func (a *discord) SendMarkdown(ctx context.Context, title, content string) im.SendResult {
	return a.Send(ctx, im.Markdown(title, content))
}

func (a *discord) HealthCheck(ctx context.Context) bool { return a.healthCheck(ctx, a) }

func discordPayload(msg im.OutboundMessage) map[string]any {
	payload := map[string]any{"content": msg.PlainText()}
	for _, k := range []string{"username", "embeds", "avatar_url"} {
		if v, ok := msg.Extra[k]; ok {
			payload[k] = v
		}
	}
	return payload
}

// Discord answers 204 (or 200 with ?wait=true) and no envelope.
func checkDiscord(r response) (string, bool) {
	if r.status == http.StatusOK || r.status == http.StatusNoContent {
		return "", true
	}
	return "", false
}
