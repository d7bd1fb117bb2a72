package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/plateful/opsrelay/go/internal/outbox"
)

// WebPushProvider posts the payload to the push subscription endpoint
// carried in the event target. A 404 or 410 means the subscription is
// gone and will never come back, so those are permanent.
type WebPushProvider struct {
	client *http.Client
	ttl    time.Duration
}

func NewWebPushProvider(timeout, ttl time.Duration) *WebPushProvider {
	return &WebPushProvider{
		client: newHTTPClient(timeout),
		ttl:    ttl,
	}
}

func (p *WebPushProvider) Channel() string { return ChannelWebPush }

func (p *WebPushProvider) Send(ctx context.Context, ev outbox.Event) error {
	if ev.Target == "" {
		return permanentErr(ChannelWebPush, fmt.Errorf("event %s has no subscription endpoint", ev.ID))
	}

	status, respBody, err := postJSON(ctx, p.client, ev.Target, ev.Payload, map[string]string{
		"TTL":        strconv.Itoa(int(p.ttl.Seconds())),
		"X-Event-ID": ev.ID.String(),
	})
	if err != nil {
		return retryable(ChannelWebPush, err)
	}
	if status < 200 || status >= 300 {
		return fromStatus(ChannelWebPush, status, respBody)
	}
	return nil
}
