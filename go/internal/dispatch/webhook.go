package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/plateful/opsrelay/go/internal/outbox"
	"github.com/plateful/opsrelay/go/internal/signing"
)

// WebhookProvider POSTs signed events to the URL in the event target.
// Recipients verify X-Signature with the shared secret and can dedup by
// X-Event-ID, since at-least-once delivery means they may see an event
// twice.
type WebhookProvider struct {
	secret string
	client *http.Client
	clock  clockwork.Clock
}

func NewWebhookProvider(secret string, timeout time.Duration, clock clockwork.Clock) *WebhookProvider {
	return &WebhookProvider{
		secret: secret,
		client: newHTTPClient(timeout),
		clock:  clock,
	}
}

func (p *WebhookProvider) Channel() string { return ChannelWebhook }

func (p *WebhookProvider) Send(ctx context.Context, ev outbox.Event) error {
	if p.secret == "" {
		return &ConfigError{Channel: ChannelWebhook, Missing: "WEBHOOK_SECRET"}
	}
	if ev.Target == "" {
		return permanentErr(ChannelWebhook, fmt.Errorf("event %s has no target URL", ev.ID))
	}

	body, err := json.Marshal(map[string]any{
		"event_id":   ev.ID.String(),
		"event_type": ev.EventType,
		"created_at": ev.CreatedAt,
		"payload":    ev.Payload,
	})
	if err != nil {
		return permanentErr(ChannelWebhook, fmt.Errorf("failed to marshal event body: %w", err))
	}

	timestamp := strconv.FormatInt(p.clock.Now().Unix(), 10)
	signature := signing.Sign(body, p.secret, timestamp)

	status, respBody, err := postJSON(ctx, p.client, ev.Target, body, map[string]string{
		"X-Signature": signature,
		"X-Timestamp": timestamp,
		"X-Event-ID":  ev.ID.String(),
	})
	if err != nil {
		return retryable(ChannelWebhook, err)
	}
	if status < 200 || status >= 300 {
		return fromStatus(ChannelWebhook, status, respBody)
	}
	return nil
}
