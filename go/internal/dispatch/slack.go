package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/plateful/opsrelay/go/internal/outbox"
)

// SlackProvider posts to a Slack incoming webhook.
type SlackProvider struct {
	webhookURL string
	client     *http.Client
	renderer   Renderer // optional; falls back to a plain event summary
}

func NewSlackProvider(webhookURL string, timeout time.Duration, renderer Renderer) *SlackProvider {
	return &SlackProvider{
		webhookURL: webhookURL,
		client:     newHTTPClient(timeout),
		renderer:   renderer,
	}
}

func (p *SlackProvider) Channel() string { return ChannelSlack }

func (p *SlackProvider) Send(ctx context.Context, ev outbox.Event) error {
	if p.webhookURL == "" {
		return &ConfigError{Channel: ChannelSlack, Missing: "SLACK_WEBHOOK_URL"}
	}

	text := fmt.Sprintf("%s: %s", ev.EventType, ev.Payload)
	if p.renderer != nil {
		content, err := p.renderer.Render(ev.EventType, ev.Payload)
		if err != nil {
			return permanentErr(ChannelSlack, fmt.Errorf("failed to render message: %w", err))
		}
		text = content.Body
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return permanentErr(ChannelSlack, fmt.Errorf("failed to marshal message: %w", err))
	}

	status, respBody, err := postJSON(ctx, p.client, p.webhookURL, body, map[string]string{
		"X-Event-ID": ev.ID.String(),
	})
	if err != nil {
		return retryable(ChannelSlack, err)
	}
	if status < 200 || status >= 300 {
		return fromStatus(ChannelSlack, status, respBody)
	}
	return nil
}
